// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pattern

import "errors"

var (
	// ErrInvalidKey indicates a malformed abstraction tuple. Keys are
	// rejected at the store boundary, never inside a transaction.
	ErrInvalidKey = errors.New("invalid pattern key")

	// ErrStoreUnavailable indicates the persistence layer is closed,
	// unreachable or corrupt. Writes are never retried internally:
	// a silent retry risks double-counting a game.
	ErrStoreUnavailable = errors.New("pattern store unavailable")

	// ErrInconsistentRecord indicates a stored record violates
	// times_seen == won+lost+drawn or a derived field disagrees with
	// its formula beyond numeric tolerance. Reported on read, but the
	// record is served as stored; repair is an explicit migration.
	ErrInconsistentRecord = errors.New("inconsistent pattern record")

	// ErrResetNotConfirmed indicates Reset was called without the
	// explicit confirmation flag.
	ErrResetNotConfirmed = errors.New("reset requires explicit confirmation")

	// ErrSeedNotConfirmed indicates Seed or SeedBatch was called without
	// the explicit confirmation flag. Seeding overwrites learned records
	// for the seeded keys, so it is gated the same way Reset is.
	ErrSeedNotConfirmed = errors.New("seed requires explicit confirmation")

	// ErrSeedInconsistent indicates a seed entry whose counters do not
	// add up. Seed batches are all-or-nothing, so one bad entry rejects
	// the whole batch.
	ErrSeedInconsistent = errors.New("seed statistics inconsistent")

	// ErrNilContext is returned when a nil context is passed to an
	// operation that requires one.
	ErrNilContext = errors.New("context must not be nil")
)
