// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pattern

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/TesujiAI/tesuji/services/rank/storage/badger"
)

var tracer = otel.Tracer("tesuji.pattern")

// Store is the persistent pattern-statistics store.
//
// Description:
//
//	Store owns the pattern table exclusively: records are created on
//	first observation, mutated only by RecordGame/Seed, and deleted
//	only by Reset. Every write commits as one BadgerDB transaction,
//	so a crash mid-update never leaves partial attribution of a game.
//
//	An in-memory mirror of the table is loaded when the store opens
//	and refreshed on every committed write; reads are served from the
//	mirror and never block on disk.
//
// Thread Safety: Safe for concurrent use. The engine's intended shape
// is a single writer with interleaved readers; nothing here retries a
// failed write.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	mirror *mirror
	closed atomic.Bool
}

// NewStore opens a pattern store over the given database.
//
// Description:
//
//	Scans the pattern key space once to populate the in-memory mirror.
//	A record that fails its CRC check aborts the open: that is store
//	corruption, not a soft inconsistency. A record whose counters or
//	derived fields merely disagree with the formulas is reported and
//	served as stored.
//
// Inputs:
//
//	db - Open database. Must not be nil. Lifecycle is owned by the caller.
//	logger - Optional logger; slog.Default() when nil.
//
// Outputs:
//
//	*Store - Ready-to-use store.
//	error - Non-nil if the mirror load fails.
func NewStore(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "pattern_store")),
		mirror: newMirror(),
	}

	if err := s.loadMirror(); err != nil {
		return nil, fmt.Errorf("load pattern mirror: %w", err)
	}

	s.logger.Info("pattern store opened",
		slog.Int("records", s.mirror.len()),
		slog.Bool("in_memory", db.InMemory()))

	return s, nil
}

// loadMirror populates the mirror from the persisted table.
func (s *Store) loadMirror() error {
	var loaded []PatternRecord

	err := s.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(KeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(KeyPrefix)); it.ValidForPrefix([]byte(KeyPrefix)); it.Next() {
			item := it.Item()
			var rec PatternRecord
			err := item.Value(func(val []byte) error {
				var derr error
				rec, derr = DecodeRecord(val)
				return derr
			})
			if err != nil {
				return fmt.Errorf("record %s: %w", item.Key(), err)
			}
			s.reportDrift(rec)
			loaded = append(loaded, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mirror.putAll(loaded)
	return nil
}

// reportDrift logs and counts a consistency violation without blocking
// the read path. The record keeps its stored fields; repair requires an
// explicit, auditable migration.
func (s *Store) reportDrift(rec PatternRecord) {
	if err := rec.CheckConsistency(); err != nil {
		inconsistentReadsTotal.Inc()
		s.logger.Warn("inconsistent record served as stored",
			slog.String("key", EncodeKey(rec.Key)),
			slog.String("error", err.Error()))
	}
}

// Get returns the record for a key.
//
// Outputs:
//
//	PatternRecord - The stored record (zero value when absent).
//	bool - False when the key has never been observed. Callers treat
//	       an absent key as priority 0, confidence 0.
//	error - ErrInvalidKey for malformed keys, ErrStoreUnavailable on a
//	        closed store. Get has no side effects and may be retried.
func (s *Store) Get(ctx context.Context, key PatternKey) (PatternRecord, bool, error) {
	if ctx == nil {
		return PatternRecord{}, false, ErrNilContext
	}
	if s.closed.Load() {
		return PatternRecord{}, false, fmt.Errorf("%w: store closed", ErrStoreUnavailable)
	}
	if err := key.Validate(); err != nil {
		return PatternRecord{}, false, err
	}

	rec, ok := s.mirror.get(key)
	return rec, ok, nil
}

// GetTop returns up to n records ordered by priority score descending,
// confidence descending, then canonical key ascending. The tie-break is
// deterministic by construction so repeated calls over an unchanged
// store return identical sequences.
func (s *Store) GetTop(ctx context.Context, n int) ([]PatternRecord, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: store closed", ErrStoreUnavailable)
	}
	if n <= 0 {
		return nil, nil
	}

	recs := s.mirror.snapshot()
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].PriorityScore != recs[j].PriorityScore {
			return recs[i].PriorityScore > recs[j].PriorityScore
		}
		if recs[i].Confidence != recs[j].Confidence {
			return recs[i].Confidence > recs[j].Confidence
		}
		return EncodeKey(recs[i].Key) < EncodeKey(recs[j].Key)
	})

	if n < len(recs) {
		recs = recs[:n]
	}
	return recs, nil
}

// TopFromIndex streams up to n records in index order directly from the
// persisted secondary index, bypassing the mirror. Used by export
// tooling and by tests asserting the index agrees with the mirror.
func (s *Store) TopFromIndex(ctx context.Context, n int) ([]PatternRecord, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: store closed", ErrStoreUnavailable)
	}
	if n <= 0 {
		return nil, nil
	}

	var out []PatternRecord
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(IndexPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(IndexPrefix)); it.ValidForPrefix([]byte(IndexPrefix)) && len(out) < n; it.Next() {
			var recordKey []byte
			if err := it.Item().Value(func(val []byte) error {
				recordKey = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}

			item, err := txn.Get(recordKey)
			if err != nil {
				return fmt.Errorf("%w: dangling index entry %s", ErrStoreUnavailable, it.Item().Key())
			}
			var rec PatternRecord
			if err := item.Value(func(val []byte) error {
				var derr error
				rec, derr = DecodeRecord(val)
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
	return out, nil
}

// RecordGame attributes one completed game to every key played in it.
//
// Description:
//
//	For each occurrence of a key, increments times_seen and the counter
//	matching the result, adds the final score to total_score, and
//	recomputes the derived fields. A key occurring k times in one game
//	is incremented by k: each occurrence is an independent learning
//	event. The whole call commits as one transaction; on error nothing
//	is attributed and the caller decides whether to re-record the game.
//
// Inputs:
//
//	ctx - Context. Must not be nil.
//	outcome - Keys played, terminal result and final scalar score.
//
// Outputs:
//
//	error - ErrInvalidKey if any key is malformed (checked before any
//	        write), ErrStoreUnavailable if the store is closed or the
//	        commit fails. Never retried internally.
func (s *Store) RecordGame(ctx context.Context, outcome GameOutcome) error {
	if ctx == nil {
		return ErrNilContext
	}
	if s.closed.Load() {
		return fmt.Errorf("%w: store closed", ErrStoreUnavailable)
	}
	if !outcome.Result.Valid() {
		return fmt.Errorf("result must be win, draw or loss, got %d", outcome.Result)
	}

	// Boundary validation: reject malformed keys before touching the
	// transaction so a bad abstraction tuple cannot half-commit.
	counts := make(map[PatternKey]int64, len(outcome.Moves))
	for _, key := range outcome.Moves {
		if err := key.Validate(); err != nil {
			return err
		}
		counts[key]++
	}
	if len(counts) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "pattern.Store.RecordGame")
	defer span.End()
	span.SetAttributes(
		attribute.Int("moves", len(outcome.Moves)),
		attribute.Int("distinct_keys", len(counts)),
		attribute.String("result", outcome.Result.String()),
	)

	start := time.Now()
	updated := make([]PatternRecord, 0, len(counts))

	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for key, k := range counts {
			rec, found, err := s.readInTxn(txn, key)
			if err != nil {
				return err
			}
			if found {
				s.reportDrift(rec)
				if err := txn.Delete([]byte(IndexKey(rec))); err != nil {
					return fmt.Errorf("delete stale index: %w", err)
				}
			} else {
				rec = PatternRecord{Key: key}
			}

			rec.TimesSeen += k
			switch outcome.Result {
			case ResultWin:
				rec.GamesWon += k
			case ResultLoss:
				rec.GamesLost += k
			case ResultDraw:
				rec.GamesDrawn += k
			}
			rec.TotalScore += float64(k) * outcome.FinalScore
			rec.Recompute()

			if err := s.writeInTxn(txn, rec); err != nil {
				return err
			}
			updated = append(updated, rec)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return fmt.Errorf("record game: %w", err)
	}

	s.mirror.putAll(updated)

	gamesRecordedTotal.WithLabelValues(outcome.Result.String()).Inc()
	keyUpsertsTotal.Add(float64(len(counts)))
	commitDuration.Observe(time.Since(start).Seconds())

	s.logger.Debug("game recorded",
		slog.Int("moves", len(outcome.Moves)),
		slog.Int("distinct_keys", len(counts)),
		slog.String("result", outcome.Result.String()),
		slog.Float64("final_score", outcome.FinalScore))

	return nil
}

// Seed inserts one internally consistent seed record. See SeedBatch.
func (s *Store) Seed(ctx context.Context, key PatternKey, stats SeedStats, confirm bool) error {
	_, err := s.SeedBatch(ctx, []SeedEntry{{Key: key, Stats: stats}}, confirm)
	return err
}

// SeedBatch bulk-inserts initial statistics, all-or-nothing.
//
// Description:
//
//	Administrative operation used by bootstrap tooling to avoid
//	degenerate cold-start ranking. Every entry is validated before any
//	write: counters must add up, keys must be well formed. Derived
//	fields are always recomputed from the counters; inconsistent
//	derived input is never stored as-is. Existing records for seeded
//	keys are overwritten, which is why the call requires the same
//	explicit confirmation as Reset.
//
// Inputs:
//
//	confirm - Must be true. Seeding replaces learned statistics for
//	          every seeded key; no code path may reach that by accident.
//
// Outputs:
//
//	int - Number of records written (0 on any error).
//	error - ErrSeedNotConfirmed without confirmation, otherwise
//	        ErrSeedInconsistent or ErrInvalidKey on bad input, with no
//	        partial application.
func (s *Store) SeedBatch(ctx context.Context, entries []SeedEntry, confirm bool) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	if s.closed.Load() {
		return 0, fmt.Errorf("%w: store closed", ErrStoreUnavailable)
	}
	if !confirm {
		adminOperationsTotal.WithLabelValues("seed", "rejected").Inc()
		return 0, ErrSeedNotConfirmed
	}

	recs := make([]PatternRecord, 0, len(entries))
	for i, e := range entries {
		if err := e.Key.Validate(); err != nil {
			adminOperationsTotal.WithLabelValues("seed", "rejected").Inc()
			return 0, fmt.Errorf("seed entry %d: %w", i, err)
		}
		if err := e.Stats.Validate(); err != nil {
			adminOperationsTotal.WithLabelValues("seed", "rejected").Inc()
			return 0, fmt.Errorf("seed entry %d: %w", i, err)
		}
		rec := PatternRecord{
			Key:        e.Key,
			TimesSeen:  e.Stats.TimesSeen,
			GamesWon:   e.Stats.GamesWon,
			GamesLost:  e.Stats.GamesLost,
			GamesDrawn: e.Stats.GamesDrawn,
			TotalScore: e.Stats.TotalScore,
		}
		rec.Recompute()
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "pattern.Store.SeedBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("entries", len(recs)))

	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, rec := range recs {
			old, found, err := s.readInTxn(txn, rec.Key)
			if err != nil {
				return err
			}
			if found {
				if err := txn.Delete([]byte(IndexKey(old))); err != nil {
					return fmt.Errorf("delete stale index: %w", err)
				}
			}
			if err := s.writeInTxn(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		adminOperationsTotal.WithLabelValues("seed", "error").Inc()
		return 0, fmt.Errorf("seed batch: %w", err)
	}

	s.mirror.putAll(recs)
	keyUpsertsTotal.Add(float64(len(recs)))
	adminOperationsTotal.WithLabelValues("seed", "success").Inc()

	s.logger.Info("seeded pattern records", slog.Int("count", len(recs)))
	return len(recs), nil
}

// Reset irreversibly clears the pattern table and its index.
//
// Inputs:
//
//	confirm - Must be true. The flag exists so no code path can reach
//	          a full clear by accident.
//
// Outputs:
//
//	int - Number of records deleted.
//	error - ErrResetNotConfirmed without confirmation.
func (s *Store) Reset(ctx context.Context, confirm bool) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	if s.closed.Load() {
		return 0, fmt.Errorf("%w: store closed", ErrStoreUnavailable)
	}
	if !confirm {
		adminOperationsTotal.WithLabelValues("reset", "rejected").Inc()
		return 0, ErrResetNotConfirmed
	}

	ctx, span := tracer.Start(ctx, "pattern.Store.Reset")
	defer span.End()

	deleted := 0
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, prefix := range []string{KeyPrefix, IndexPrefix} {
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
			if prefix == KeyPrefix {
				deleted = len(keys)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		adminOperationsTotal.WithLabelValues("reset", "error").Inc()
		return 0, fmt.Errorf("reset: %w", err)
	}

	s.mirror.clear()
	adminOperationsTotal.WithLabelValues("reset", "success").Inc()
	span.SetAttributes(attribute.Int("deleted", deleted))

	s.logger.Info("pattern store reset", slog.Int("deleted", deleted))
	return deleted, nil
}

// Len returns the number of records currently in the store.
func (s *Store) Len() int {
	return s.mirror.len()
}

// Close marks the store unavailable. The underlying database is owned
// by the engine and closed separately.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("pattern store closed")
	return nil
}

// readInTxn fetches and decodes a record inside a transaction.
func (s *Store) readInTxn(txn *dgbadger.Txn, key PatternKey) (PatternRecord, bool, error) {
	item, err := txn.Get([]byte(EncodeKey(key)))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return PatternRecord{}, false, nil
	}
	if err != nil {
		return PatternRecord{}, false, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, EncodeKey(key), err)
	}

	var rec PatternRecord
	if err := item.Value(func(val []byte) error {
		var derr error
		rec, derr = DecodeRecord(val)
		return derr
	}); err != nil {
		return PatternRecord{}, false, err
	}
	return rec, true, nil
}

// writeInTxn encodes and writes a record plus its index entry.
func (s *Store) writeInTxn(txn *dgbadger.Txn, rec PatternRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	recordKey := EncodeKey(rec.Key)
	if err := txn.Set([]byte(recordKey), data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := txn.Set([]byte(IndexKey(rec)), []byte(recordKey)); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}
