// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package opening tracks position-exact move outcomes for the opening
// phase.
//
// Unlike the pattern store, records here are keyed by the exact
// (position, move) pair: opening theory is position-specific, and
// abstraction would conflate unrelated lines. Only the agent's own
// moves within the opening horizon (default 5 plies) are tracked.
//
// Because the position space is effectively unbounded, confidence
// saturates after just 10 plays, and an exploration bonus keeps
// under-sampled lines attractive:
//
//	delta      = avg_game_result - 0.5
//	confidence = min(1, times_played / 10)
//	adjustment = delta*100*confidence + max(0, 3-times_played)*5
//
// The bonus is a simplified upper-confidence-bound heuristic, not true
// UCB; it is added unconditionally so even a line that lost its first
// game still gets revisited a couple of times.
package opening

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/TesujiAI/tesuji/services/rank/pattern"
	"github.com/TesujiAI/tesuji/services/rank/storage/badger"
)

var tracer = otel.Tracer("tesuji.opening")

var (
	// ErrInvalidMove indicates an empty position or move string.
	ErrInvalidMove = errors.New("invalid opening move")

	// ErrTrackerUnavailable indicates the tracker is closed or its
	// persistence is unreachable.
	ErrTrackerUnavailable = errors.New("opening tracker unavailable")
)

var (
	resultsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tesuji_opening_results_recorded_total",
		Help: "Opening plies recorded by terminal result",
	}, []string{"result"})

	adjustmentsComputedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tesuji_opening_adjustments_computed_total",
		Help: "GetAdjustment lookups served",
	})
)

// DefaultMaxPlies is the opening horizon: agent moves past this ply are
// not tracked.
const DefaultMaxPlies = 5

const (
	// confidenceSaturation is the play count at which confidence
	// reaches 1.0. Much lower than the pattern store's 100: exact
	// positions repeat far less often than abstracted keys.
	confidenceSaturation = 10

	// Exploration bonus: (threshold - times_played) * step points while
	// times_played is below the threshold.
	explorationThreshold = 3
	explorationBonusStep = 5
)

// Record is the persistent aggregate for one exact (position, move).
//
// Invariant: TimesPlayed == Wins + Draws + Losses.
type Record struct {
	Position    string
	Move        string
	TimesPlayed int64
	Wins        int64
	Draws       int64
	Losses      int64

	// AvgGameResult is the running mean of game scores (1.0 win,
	// 0.5 draw, 0.0 loss) over all plays.
	AvgGameResult float64

	// LastPlayed is the last update time (Unix milliseconds UTC).
	LastPlayed int64
}

// PlayedMove is one agent move in a completed game's history.
type PlayedMove struct {
	Position string
	Move     string
}

// TrackerConfig configures the opening tracker.
type TrackerConfig struct {
	// MaxPlies is the opening horizon. Default: DefaultMaxPlies.
	MaxPlies int

	// Logger for tracker operations. Default: slog.Default().
	Logger *slog.Logger
}

// Tracker is the opening performance store.
//
// Thread Safety: Safe for concurrent use; intended shape is one writer
// with interleaved readers, same as the pattern store.
type Tracker struct {
	db       *badger.DB
	maxPlies int
	logger   *slog.Logger
	closed   atomic.Bool
}

// NewTracker opens an opening tracker over the given database.
func NewTracker(db *badger.DB, cfg TrackerConfig) (*Tracker, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.MaxPlies < 0 {
		return nil, errors.New("max_plies must be non-negative")
	}
	if cfg.MaxPlies == 0 {
		cfg.MaxPlies = DefaultMaxPlies
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Tracker{
		db:       db,
		maxPlies: cfg.MaxPlies,
		logger:   cfg.Logger.With(slog.String("component", "opening_tracker")),
	}, nil
}

// MaxPlies returns the configured opening horizon.
func (t *Tracker) MaxPlies() int {
	return t.maxPlies
}

// RecordResult attributes a completed game to the agent's opening moves.
//
// Description:
//
//	For each of the first MaxPlies entries of the agent's move history,
//	increments times_played and the matching outcome counter, and folds
//	the game score into the running mean using the pre-increment count:
//
//	    avg' = (avg*n + score) / (n+1)
//
//	The whole call commits as one transaction.
//
// Inputs:
//
//	ctx - Context. Must not be nil.
//	history - The agent's own moves in play order. Moves past the
//	          horizon are ignored.
//	result - Terminal game result.
//
// Outputs:
//
//	error - ErrInvalidMove on an empty position/move within the horizon
//	        (checked before any write), ErrTrackerUnavailable if closed.
func (t *Tracker) RecordResult(ctx context.Context, history []PlayedMove, result pattern.Result) error {
	if ctx == nil {
		return pattern.ErrNilContext
	}
	if t.closed.Load() {
		return fmt.Errorf("%w: tracker closed", ErrTrackerUnavailable)
	}
	if !result.Valid() {
		return fmt.Errorf("result must be win, draw or loss, got %d", result)
	}

	horizon := history
	if len(horizon) > t.maxPlies {
		horizon = horizon[:t.maxPlies]
	}
	for i, m := range horizon {
		if m.Position == "" || m.Move == "" {
			return fmt.Errorf("%w: empty position or move at ply %d", ErrInvalidMove, i+1)
		}
	}
	if len(horizon) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "opening.Tracker.RecordResult")
	defer span.End()
	span.SetAttributes(
		attribute.Int("plies", len(horizon)),
		attribute.String("result", result.String()),
	)

	score := result.Score()
	now := time.Now().UnixMilli()

	err := t.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, m := range horizon {
			rec, found, err := t.readInTxn(txn, m.Position, m.Move)
			if err != nil {
				return err
			}
			if found {
				if err := txn.Delete([]byte(indexKey(rec))); err != nil {
					return fmt.Errorf("delete stale index: %w", err)
				}
			} else {
				rec = Record{Position: m.Position, Move: m.Move}
			}

			// n is the pre-increment count; using the post-increment
			// value here would double-count the new game.
			n := float64(rec.TimesPlayed)
			rec.AvgGameResult = (rec.AvgGameResult*n + score) / (n + 1)
			rec.TimesPlayed++
			switch result {
			case pattern.ResultWin:
				rec.Wins++
			case pattern.ResultDraw:
				rec.Draws++
			case pattern.ResultLoss:
				rec.Losses++
			}
			rec.LastPlayed = now

			if err := t.writeInTxn(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return fmt.Errorf("record opening result: %w", err)
	}

	resultsRecordedTotal.WithLabelValues(result.String()).Add(float64(len(horizon)))

	t.logger.Debug("opening result recorded",
		slog.Int("plies", len(horizon)),
		slog.String("result", result.String()))

	return nil
}

// GetAdjustment returns the opening score adjustment for a move.
//
// Outputs:
//
//	float64 - Exactly 0.0 for a never-played move; otherwise the
//	          confidence-weighted centered performance plus the
//	          exploration bonus. Can be negative for lines that keep
//	          losing.
//	error - ErrTrackerUnavailable if closed; lookups are idempotent and
//	        may be retried by callers.
func (t *Tracker) GetAdjustment(ctx context.Context, position, move string) (float64, error) {
	if ctx == nil {
		return 0, pattern.ErrNilContext
	}
	if t.closed.Load() {
		return 0, fmt.Errorf("%w: tracker closed", ErrTrackerUnavailable)
	}
	if position == "" || move == "" {
		return 0, fmt.Errorf("%w: empty position or move", ErrInvalidMove)
	}

	var rec Record
	var found bool
	err := t.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		rec, found, err = t.readInTxn(txn, position, move)
		return err
	})
	if err != nil {
		return 0, err
	}

	adjustmentsComputedTotal.Inc()
	if !found || rec.TimesPlayed == 0 {
		return 0.0, nil
	}

	delta := rec.AvgGameResult - 0.5
	confidence := math.Min(1.0, float64(rec.TimesPlayed)/confidenceSaturation)
	bonus := math.Max(0, float64(explorationThreshold-rec.TimesPlayed)) * explorationBonusStep

	return delta*100*confidence + bonus, nil
}

// GetStats returns per-move summaries for a position, sorted by
// times_played descending. An unqueried position yields an empty
// slice, not an error.
func (t *Tracker) GetStats(ctx context.Context, position string) ([]Record, error) {
	if ctx == nil {
		return nil, pattern.ErrNilContext
	}
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: tracker closed", ErrTrackerUnavailable)
	}
	if position == "" {
		return nil, fmt.Errorf("%w: empty position", ErrInvalidMove)
	}

	prefix := []byte(indexPrefixFor(position))
	var out []Record

	err := t.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var recordKey []byte
			if err := it.Item().Value(func(val []byte) error {
				recordKey = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}

			item, err := txn.Get(recordKey)
			if err != nil {
				return fmt.Errorf("%w: dangling index entry %s", ErrTrackerUnavailable, it.Item().Key())
			}
			var rec Record
			if err := item.Value(func(val []byte) error {
				var derr error
				rec, derr = decodeRecord(val)
				return derr
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The index already yields times_played descending; the extra sort
	// pins the move-string tie-break for reproducibility.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimesPlayed != out[j].TimesPlayed {
			return out[i].TimesPlayed > out[j].TimesPlayed
		}
		return out[i].Move < out[j].Move
	})

	return out, nil
}

// Reset irreversibly clears all opening records.
func (t *Tracker) Reset(ctx context.Context, confirm bool) (int, error) {
	if ctx == nil {
		return 0, pattern.ErrNilContext
	}
	if t.closed.Load() {
		return 0, fmt.Errorf("%w: tracker closed", ErrTrackerUnavailable)
	}
	if !confirm {
		return 0, pattern.ErrResetNotConfirmed
	}

	deleted := 0
	err := t.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, prefix := range []string{recordPrefix, indexPrefix} {
			opts := dgbadger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			var keys [][]byte
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()

			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			if prefix == recordPrefix {
				deleted = len(keys)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset opening tracker: %w", err)
	}

	t.logger.Info("opening tracker reset", slog.Int("deleted", deleted))
	return deleted, nil
}

// Close marks the tracker unavailable. The database is owned by the
// engine and closed separately.
func (t *Tracker) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.logger.Info("opening tracker closed")
	return nil
}

// -----------------------------------------------------------------------------
// Key layout and codec
// -----------------------------------------------------------------------------

// Key layout. Positions and moves are arbitrary caller strings (FEN,
// board hashes, coordinates), so keys embed SHA256[:16] digests rather
// than the raw strings; the full strings live in the record value.
//
//	record key:  open:{pos_digest}:{move_digest}
//	index key:   oidx:{pos_digest}:{inv_times_played:08}:{move_digest}
const (
	recordPrefix = "open:"
	indexPrefix  = "oidx:"
)

// maxIndexPlays bounds the inverted times_played segment of index keys.
const maxIndexPlays = 99_999_999

func digest(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}

func recordKey(position, move string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", recordPrefix, digest(position), digest(move)))
}

func indexPrefixFor(position string) string {
	return fmt.Sprintf("%s%s:", indexPrefix, digest(position))
}

func indexKey(r Record) string {
	inv := maxIndexPlays - r.TimesPlayed
	if inv < 0 {
		inv = 0
	}
	return fmt.Sprintf("%s%08d:%s", indexPrefixFor(r.Position), inv, digest(r.Move))
}

func (t *Tracker) readInTxn(txn *dgbadger.Txn, position, move string) (Record, bool, error) {
	item, err := txn.Get(recordKey(position, move))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: read: %v", ErrTrackerUnavailable, err)
	}

	var rec Record
	if err := item.Value(func(val []byte) error {
		var derr error
		rec, derr = decodeRecord(val)
		return derr
	}); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (t *Tracker) writeInTxn(txn *dgbadger.Txn, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key := recordKey(rec.Position, rec.Move)
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := txn.Set([]byte(indexKey(rec)), key); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}
