// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rank assembles the move-priority engine: the pattern store,
// the opening tracker and the combined ranking, behind one facade that
// owns the database, the single-writer lock and the component lifecycle.
package rank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/TesujiAI/tesuji/services/rank/config"
	"github.com/TesujiAI/tesuji/services/rank/lock"
	"github.com/TesujiAI/tesuji/services/rank/migrate"
	"github.com/TesujiAI/tesuji/services/rank/opening"
	"github.com/TesujiAI/tesuji/services/rank/pattern"
	"github.com/TesujiAI/tesuji/services/rank/ranking"
	"github.com/TesujiAI/tesuji/services/rank/seed"
	"github.com/TesujiAI/tesuji/services/rank/storage/badger"
)

// ErrSchemaBehind indicates the store needs an explicit migration run
// before the engine will open it.
var ErrSchemaBehind = errors.New("store schema is behind, run migrate first")

// dbSubdir keeps badger's files out of the directory root, where the
// lock files live.
const dbSubdir = "db"

// Engine is the assembled move-priority engine.
//
// Description:
//
//	One Engine per data directory. It acquires the single-writer lock
//	on open, refuses stores with a stale key schema, and owns the
//	lifecycle of the shared database and both stores. All trainer
//	traffic goes through this facade.
//
// Thread Safety: Safe for concurrent use with the same caveat as the
// stores: one writer, many readers.
type Engine struct {
	cfg     config.Config
	logger  *slog.Logger
	guard   *lock.Guard
	db      *badger.DB
	store   *pattern.Store
	tracker *opening.Tracker
}

// Open assembles an engine from the configuration.
//
// Outputs:
//
//	*Engine - Ready engine holding the directory lock. Callers must
//	          Close it.
//	error - lock.ErrLocked when another process owns the directory,
//	        ErrSchemaBehind when the store needs migration, storage
//	        errors otherwise.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{cfg: cfg, logger: logger.With(slog.String("component", "engine"))}

	if !cfg.InMemory {
		guard, err := lock.Acquire(ctx, lock.Config{
			Dir:     cfg.DataDir,
			Timeout: cfg.LockTimeout,
			TTL:     cfg.LockTTL,
			Watch:   cfg.WatchExternal,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		e.guard = guard
	}

	db, err := badger.Open(badger.Config{
		Path:       filepath.Join(cfg.DataDir, dbSubdir),
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
	})
	if err != nil {
		e.releaseGuard()
		return nil, err
	}
	e.db = db

	version, err := migrate.SchemaVersion(ctx, db)
	if err != nil {
		e.closePartial()
		return nil, err
	}
	if version != migrate.CurrentSchemaVersion {
		e.closePartial()
		return nil, fmt.Errorf("%w: store at v%d, engine needs v%d",
			ErrSchemaBehind, version, migrate.CurrentSchemaVersion)
	}

	store, err := pattern.NewStore(db, logger)
	if err != nil {
		e.closePartial()
		return nil, err
	}
	e.store = store

	tracker, err := opening.NewTracker(db, opening.TrackerConfig{
		MaxPlies: cfg.OpeningHorizon,
		Logger:   logger,
	})
	if err != nil {
		e.closePartial()
		return nil, err
	}
	e.tracker = tracker

	e.logger.Info("engine opened",
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Int("patterns", store.Len()))
	return e, nil
}

func (e *Engine) releaseGuard() {
	if e.guard != nil {
		_ = e.guard.Release()
		e.guard = nil
	}
}

func (e *Engine) closePartial() {
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
	e.releaseGuard()
}

// Close releases the stores, the database and the directory lock.
func (e *Engine) Close() error {
	var firstErr error
	if e.tracker != nil {
		if err := e.tracker.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.guard != nil {
		if err := e.guard.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.guard = nil
	}
	return firstErr
}

// RecordGame attributes a finished game to its pattern keys.
func (e *Engine) RecordGame(ctx context.Context, outcome pattern.GameOutcome) error {
	return e.store.RecordGame(ctx, outcome)
}

// RecordResult attributes a finished game to its opening moves.
func (e *Engine) RecordResult(ctx context.Context, history []opening.PlayedMove, result pattern.Result) error {
	return e.tracker.RecordResult(ctx, history, result)
}

// Get returns the stored record for a key, if any.
func (e *Engine) Get(ctx context.Context, key pattern.PatternKey) (pattern.PatternRecord, bool, error) {
	return e.store.Get(ctx, key)
}

// GetTop returns the n highest-priority pattern records.
func (e *Engine) GetTop(ctx context.Context, n int) ([]pattern.PatternRecord, error) {
	return e.store.GetTop(ctx, n)
}

// GetAdjustment returns the opening adjustment for a (position, move).
func (e *Engine) GetAdjustment(ctx context.Context, position, move string) (float64, error) {
	return e.tracker.GetAdjustment(ctx, position, move)
}

// GetStats returns per-move opening summaries for a position.
func (e *Engine) GetStats(ctx context.Context, position string) ([]opening.Record, error) {
	return e.tracker.GetStats(ctx, position)
}

// Seed applies a validated seeding profile to the pattern store.
// Requires confirm: seeding overwrites learned records.
func (e *Engine) Seed(ctx context.Context, profile *seed.Profile, confirm bool) (seed.Report, error) {
	return profile.Apply(ctx, e.store, confirm)
}

// ResetPatterns clears the pattern table. Requires confirm.
func (e *Engine) ResetPatterns(ctx context.Context, confirm bool) (int, error) {
	return e.store.Reset(ctx, confirm)
}

// ResetOpenings clears the opening table. Requires confirm.
func (e *Engine) ResetOpenings(ctx context.Context, confirm bool) (int, error) {
	return e.tracker.Reset(ctx, confirm)
}

// Rank orders move candidates by combined score: pattern priority plus
// the opening adjustment for candidates within the opening horizon.
func (e *Engine) Rank(ctx context.Context, candidates []ranking.Candidate) []ranking.Scored {
	return ranking.Rank(candidates,
		&patternScorer{ctx: ctx, store: e.store},
		&openingAdjuster{ctx: ctx, tracker: e.tracker},
		e.tracker.MaxPlies())
}

// patternScorer adapts the store to the ranking interface. Lookup
// errors and misses score zero; ranking never fails a move list.
type patternScorer struct {
	ctx   context.Context
	store *pattern.Store
}

func (p *patternScorer) PriorityFor(key pattern.PatternKey) (float64, float64) {
	rec, ok, err := p.store.Get(p.ctx, key)
	if err != nil || !ok {
		return 0, 0
	}
	return rec.PriorityScore, rec.Confidence
}

// openingAdjuster adapts the tracker to the ranking interface.
type openingAdjuster struct {
	ctx     context.Context
	tracker *opening.Tracker
}

func (o *openingAdjuster) Adjustment(position, move string) float64 {
	adj, err := o.tracker.GetAdjustment(o.ctx, position, move)
	if err != nil {
		return 0
	}
	return adj
}
