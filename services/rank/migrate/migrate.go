// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package migrate upgrades a pattern store between key schema versions.
//
// The store tags itself with a schema version under meta:schema_version.
// Version 1 keys carried six fields (no total material level); version 2
// added TotalMaterialLevel. The migration is deterministic: every v1
// record is rekeyed with the material level defaulted to the middle
// bucket, derived fields are recomputed from the counters, and the
// priority index is dropped and rebuilt from the stored records so no
// entry can point at a key the rekey removed. Running it twice is a
// no-op.
//
// Migration is administrative. The store must be idle: run it before
// the engine opens, never concurrently with writers.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/TesujiAI/tesuji/services/rank/pattern"
	"github.com/TesujiAI/tesuji/services/rank/storage/badger"
)

var tracer = otel.Tracer("tesuji.migrate")

// CurrentSchemaVersion is the key schema this build reads and writes.
const CurrentSchemaVersion = 2

// schemaVersionKey tags the store with its key schema version.
const schemaVersionKey = "meta:schema_version"

// legacyKeyPrefix scopes version 1 records (six-field keys).
const legacyKeyPrefix = "pat:v1:"

// defaultMaterialLevel is the bucket assigned to rekeyed v1 records.
// Material level spans buckets 0..9; the middle bucket is the least
// wrong guess for records that never carried the dimension.
const defaultMaterialLevel = 5

// migrateBatchSize bounds records per transaction so large stores do
// not hit badger's transaction size limit.
const migrateBatchSize = 1000

var (
	// ErrUnknownSchema indicates a stored version this build cannot
	// migrate from.
	ErrUnknownSchema = errors.New("unknown schema version")
)

// Report summarizes one migration run.
type Report struct {
	FromVersion int
	ToVersion   int
	Migrated    int
	Elapsed     time.Duration
}

// SchemaVersion reads the store's schema version tag.
//
// Description:
//
//	A store without a tag is classified by inspection: v1 records
//	present means version 1, otherwise the store is empty or already
//	current and reports CurrentSchemaVersion.
func SchemaVersion(ctx context.Context, db *badger.DB) (int, error) {
	version := 0
	err := db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(schemaVersionKey))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, perr := strconv.Atoi(string(val))
			if perr != nil {
				return fmt.Errorf("malformed schema version %q: %w", val, perr)
			}
			version = v
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if version != 0 {
		return version, nil
	}

	// Untagged store. Presence of legacy keys decides.
	hasLegacy, err := hasPrefix(ctx, db, legacyKeyPrefix)
	if err != nil {
		return 0, err
	}
	if hasLegacy {
		return 1, nil
	}
	return CurrentSchemaVersion, nil
}

// Migrate upgrades the store to CurrentSchemaVersion.
//
// Outputs:
//
//	Report - Versions involved and how many records moved.
//	error - ErrUnknownSchema for versions this build cannot handle;
//	        storage errors otherwise. On error the version tag is not
//	        advanced, so a rerun resumes safely.
func Migrate(ctx context.Context, db *badger.DB, logger *slog.Logger) (Report, error) {
	ctx, span := tracer.Start(ctx, "migrate.Migrate")
	defer span.End()

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("component", "migrate"),
		slog.String("path", db.Path()))

	start := time.Now()
	from, err := SchemaVersion(ctx, db)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "schema version read failed")
		return Report{}, err
	}

	rep := Report{FromVersion: from, ToVersion: CurrentSchemaVersion}
	span.SetAttributes(
		attribute.Int("schema.from", from),
		attribute.Int("schema.to", CurrentSchemaVersion),
	)

	switch from {
	case CurrentSchemaVersion:
		// An untagged store that classifies as current may be the
		// remnant of a run that died between the rekey and the tag
		// write, leaving the index cleared. Rebuild before tagging.
		tagged, err := hasPrefix(ctx, db, schemaVersionKey)
		if err != nil {
			return rep, err
		}
		if !tagged {
			if _, err := rebuildPriorityIndex(ctx, db); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "index rebuild failed")
				return rep, err
			}
		}
		if err := writeVersionTag(ctx, db); err != nil {
			return rep, err
		}
		rep.Elapsed = time.Since(start)
		logger.Info("store already at current schema",
			slog.Int("version", CurrentSchemaVersion))
		return rep, nil
	case 1:
		// Fall through to the v1 rekey below.
	default:
		err := fmt.Errorf("%w: %d", ErrUnknownSchema, from)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unsupported schema")
		return rep, err
	}

	// Index entries written under the old schema point at keys the
	// rekey is about to remove. Drop the whole index first and rebuild
	// it afterwards from the records themselves.
	if err := clearPriorityIndex(ctx, db); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index clear failed")
		return rep, err
	}

	moved, err := rekeyLegacyRecords(ctx, db, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rekey failed")
		return rep, err
	}
	rep.Migrated = moved

	rebuilt, err := rebuildPriorityIndex(ctx, db)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index rebuild failed")
		return rep, err
	}
	logger.Debug("priority index rebuilt", slog.Int("entries", rebuilt))

	if err := writeVersionTag(ctx, db); err != nil {
		return rep, err
	}

	rep.Elapsed = time.Since(start)
	logger.Info("migration complete",
		slog.Int("from", from),
		slog.Int("to", CurrentSchemaVersion),
		slog.Int("migrated", moved),
		slog.Duration("elapsed", rep.Elapsed))
	return rep, nil
}

// rekeyLegacyRecords moves every v1 record to its v2 key in batches.
//
// The v1 value payload uses the same CRC-framed gob codec; the gob
// stream simply lacks the TotalMaterialLevel field, which decodes as
// zero and is then defaulted. Derived fields are recomputed from the
// counters rather than trusted.
func rekeyLegacyRecords(ctx context.Context, db *badger.DB, logger *slog.Logger) (int, error) {
	moved := 0
	for {
		batchMoved, done, err := rekeyBatch(ctx, db)
		if err != nil {
			return moved, err
		}
		moved += batchMoved
		if done {
			return moved, nil
		}
		logger.Debug("migrated batch",
			slog.Int("batch", batchMoved),
			slog.Int("total", moved))
	}
}

// rekeyBatch moves up to migrateBatchSize records in one transaction.
// Index entries are not written here; rebuildPriorityIndex covers every
// record once the rekey is done.
func rekeyBatch(ctx context.Context, db *badger.DB) (int, bool, error) {
	moved := 0
	done := true

	err := db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(legacyKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(legacyKeyPrefix)); it.ValidForPrefix([]byte(legacyKeyPrefix)); it.Next() {
			if moved >= migrateBatchSize {
				done = false
				return nil
			}

			item := it.Item()
			oldKey := item.KeyCopy(nil)

			var rec pattern.PatternRecord
			err := item.Value(func(val []byte) error {
				var derr error
				rec, derr = pattern.DecodeRecord(val)
				return derr
			})
			if err != nil {
				return fmt.Errorf("decoding legacy record %s: %w", oldKey, err)
			}

			rec.Key.TotalMaterialLevel = defaultMaterialLevel
			if err := rec.Key.Validate(); err != nil {
				return fmt.Errorf("legacy record %s maps to invalid key: %w", oldKey, err)
			}
			rec.Recompute()

			encoded, err := pattern.EncodeRecord(rec)
			if err != nil {
				return fmt.Errorf("encoding migrated record: %w", err)
			}
			if err := txn.Set([]byte(pattern.EncodeKey(rec.Key)), encoded); err != nil {
				return err
			}
			if err := txn.Delete(oldKey); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return moved, done, nil
}

// clearPriorityIndex deletes every secondary index entry in batches.
// Re-seeking the prefix after each commit is safe because committed
// deletes no longer show up in the next iteration.
func clearPriorityIndex(ctx context.Context, db *badger.DB) error {
	prefix := []byte(pattern.IndexPrefix)
	for {
		removed := 0
		err := db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			opts := dgbadger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if removed >= migrateBatchSize {
					return nil
				}
				if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
					return err
				}
				removed++
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("clearing priority index: %w", err)
		}
		if removed < migrateBatchSize {
			return nil
		}
	}
}

// rebuildPriorityIndex writes one index entry per stored record.
// Records that were already on the current schema lost their entries in
// the clear and get them back here, alongside the rekeyed ones.
func rebuildPriorityIndex(ctx context.Context, db *badger.DB) (int, error) {
	prefix := []byte(pattern.KeyPrefix)
	seek := prefix
	rebuilt := 0
	for {
		wrote := 0
		err := db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			opts := dgbadger.DefaultIteratorOptions
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
				if wrote >= migrateBatchSize {
					return nil
				}
				item := it.Item()

				var rec pattern.PatternRecord
				err := item.Value(func(val []byte) error {
					var derr error
					rec, derr = pattern.DecodeRecord(val)
					return derr
				})
				if err != nil {
					return fmt.Errorf("decoding record %s: %w", item.Key(), err)
				}
				if err := txn.Set([]byte(pattern.IndexKey(rec)), []byte(pattern.EncodeKey(rec.Key))); err != nil {
					return err
				}
				seek = append(item.KeyCopy(nil), 0)
				wrote++
			}
			return nil
		})
		if err != nil {
			return rebuilt, fmt.Errorf("rebuilding priority index: %w", err)
		}
		rebuilt += wrote
		if wrote < migrateBatchSize {
			return rebuilt, nil
		}
	}
}

// writeVersionTag stamps the store with the current schema version.
func writeVersionTag(ctx context.Context, db *badger.DB) error {
	err := db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(schemaVersionKey), []byte(strconv.Itoa(CurrentSchemaVersion)))
	})
	if err != nil {
		return fmt.Errorf("writing schema version tag: %w", err)
	}
	return nil
}

// hasPrefix reports whether any key with the prefix exists.
func hasPrefix(ctx context.Context, db *badger.DB, prefix string) (bool, error) {
	found := false
	err := db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek([]byte(prefix))
		found = it.ValidForPrefix([]byte(prefix))
		return nil
	})
	return found, err
}
