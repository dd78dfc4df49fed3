// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lock provides the advisory single-writer guard over a store
// directory.
//
// The engine's concurrency model is one writer per data directory.
// The guard enforces that across processes with an advisory flock on
// a well-known lock file, plus a JSON info file so operators can see
// who holds the directory and since when. Stale locks from crashed
// processes are detected by PID liveness and TTL expiry.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

var (
	// ErrLocked indicates another live process holds the directory.
	ErrLocked = errors.New("store directory is locked by another process")

	// ErrNotHeld indicates Release was called on a guard that does not
	// hold the lock.
	ErrNotHeld = errors.New("lock not held")
)

const (
	lockFileName = "tesuji.lock"
	infoFileName = "tesuji.lock.json"

	minBackoff = 100 * time.Millisecond
	maxBackoff = 2 * time.Second
)

// Info is the operator-visible metadata written next to the lock file.
type Info struct {
	Dir        string    `json:"dir"`
	PID        int       `json:"pid"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the lock's TTL has elapsed.
func (i *Info) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

// Config controls guard acquisition.
type Config struct {
	// Dir is the store directory to guard.
	Dir string

	// Timeout bounds how long Acquire polls for a contended lock.
	Timeout time.Duration

	// TTL marks how long the lock is considered live without renewal.
	// A lock file past its TTL from a dead process is cleaned up.
	TTL time.Duration

	// Watch enables an fsnotify watch on the directory while the lock
	// is held. External writes are reported through OnExternalChange.
	Watch bool

	// OnExternalChange is invoked with the changed path when Watch is
	// enabled and something other than this process modifies the
	// directory. Optional.
	OnExternalChange func(path string)

	Logger *slog.Logger
}

// DefaultConfig returns guard settings suitable for interactive tools.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:     dir,
		Timeout: 5 * time.Second,
		TTL:     time.Hour,
	}
}

// Guard is a held single-writer lock on a store directory.
//
// Thread Safety: Safe for concurrent use; Release is idempotent.
type Guard struct {
	dir      string
	file     *os.File
	infoPath string
	info     Info
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	onEvent func(string)

	mu       sync.Mutex
	released bool
}

// Acquire takes the single-writer lock for cfg.Dir.
//
// Description:
//
//	Tries a non-blocking flock first. On contention it inspects the
//	info file: a lock whose holder PID is dead or whose TTL expired
//	is removed and acquisition proceeds. Otherwise Acquire polls
//	with exponential backoff until cfg.Timeout elapses.
//
// Outputs:
//
//	*Guard - The held guard. Callers must Release it.
//	error - ErrLocked (wrapped) when the deadline passes while another
//	        live process holds the directory.
func Acquire(ctx context.Context, cfg Config) (*Guard, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "lock_guard"))

	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", cfg.Dir, err)
	}

	lockPath := filepath.Join(cfg.Dir, lockFileName)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", lockPath, err)
	}

	if err := acquireFlock(ctx, file, cfg, logger); err != nil {
		file.Close()
		return nil, err
	}

	g := &Guard{
		dir:      cfg.Dir,
		file:     file,
		infoPath: filepath.Join(cfg.Dir, infoFileName),
		logger:   logger,
		onEvent:  cfg.OnExternalChange,
	}

	now := time.Now()
	g.info = Info{
		Dir:        cfg.Dir,
		PID:        os.Getpid(),
		SessionID:  uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(cfg.TTL),
	}
	if err := g.writeInfo(); err != nil {
		flockUnlock(file)
		file.Close()
		return nil, fmt.Errorf("writing lock info: %w", err)
	}

	if cfg.Watch {
		if err := g.startWatch(); err != nil {
			logger.Warn("external change watch unavailable",
				slog.String("error", err.Error()))
		}
	}

	logger.Debug("acquired store lock",
		slog.String("dir", cfg.Dir),
		slog.String("session_id", g.info.SessionID),
		slog.String("expires_at", g.info.ExpiresAt.Format(time.RFC3339)))

	return g, nil
}

// acquireFlock polls for the flock with exponential backoff under the
// configured timeout.
func acquireFlock(ctx context.Context, file *os.File, cfg Config, logger *slog.Logger) error {
	if tryFlock(file) == nil {
		return nil
	}

	// Contended. Only a dead holder forfeits its info file. An expired
	// TTL alone is not enough: a live process past its TTL still holds
	// the flock, and removing its metadata would leave the lock held
	// anonymously.
	if info := readInfo(filepath.Join(cfg.Dir, infoFileName)); info != nil {
		if !isProcessAlive(info.PID) {
			logger.Info("removing stale store lock",
				slog.Int("old_pid", info.PID),
				slog.Bool("expired", info.IsExpired()))
			_ = os.Remove(filepath.Join(cfg.Dir, infoFileName))
		} else if info.IsExpired() {
			logger.Warn("lock holder past its ttl but still alive",
				slog.Int("pid", info.PID),
				slog.String("expired_at", info.ExpiresAt.Format(time.RFC3339)))
		}
	}

	lockCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	backoff := minBackoff
	for {
		select {
		case <-lockCtx.Done():
			return fmt.Errorf("%w: %s (waited %v): %w",
				ErrLocked, cfg.Dir, cfg.Timeout, lockCtx.Err())
		case <-time.After(backoff):
			if err := tryFlock(file); err == nil {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Holder returns the lock metadata for the held guard.
func (g *Guard) Holder() Info {
	return g.info
}

// Release drops the lock and removes the info file. Idempotent; the
// second and later calls return ErrNotHeld.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		return ErrNotHeld
	}
	g.released = true

	if g.watcher != nil {
		_ = g.watcher.Close()
		g.watcher = nil
	}

	if err := os.Remove(g.infoPath); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("failed to remove lock info file",
			slog.String("path", g.infoPath),
			slog.String("error", err.Error()))
	}

	if err := flockUnlock(g.file); err != nil {
		g.file.Close()
		return fmt.Errorf("releasing lock: %w", err)
	}
	return g.file.Close()
}

// writeInfo persists the holder metadata as indented JSON.
func (g *Guard) writeInfo() error {
	data, err := json.MarshalIndent(g.info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(g.infoPath, data, 0o644)
}

// readInfo loads holder metadata; nil when absent or unreadable.
func readInfo(path string) *Info {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

// startWatch begins reporting external modifications to the guarded
// directory. The guard's own lock files are excluded.
func (g *Guard) startWatch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(g.dir); err != nil {
		watcher.Close()
		return err
	}
	g.watcher = watcher
	go g.watchLoop(watcher)
	return nil
}

func (g *Guard) watchLoop(watcher *fsnotify.Watcher) {
	lockPath := filepath.Join(g.dir, lockFileName)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Name == lockPath || event.Name == g.infoPath {
				continue
			}
			g.logger.Warn("external modification in guarded directory",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()))
			if g.onEvent != nil {
				g.onEvent(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("directory watcher error",
				slog.String("error", err.Error()))
		}
	}
}
