// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pattern

import (
	"context"
	"testing"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TesujiAI/tesuji/services/rank/storage/badger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, nil)
	require.NoError(t, err)
	return s
}

func testKey(piece int) PatternKey {
	return PatternKey{
		PieceType:          piece,
		MoveCategory:       1,
		DistanceFromStart:  2,
		GamePhase:          PhaseMiddlegame,
		RepetitionCount:    0,
		MovesSinceProgress: 3,
		TotalMaterialLevel: 5,
	}
}

func TestStore_RecordGame_EndToEnd(t *testing.T) {
	// Key K with results [win(+30), win(+25), loss(-10)].
	ctx := context.Background()
	s := testStore(t)
	k := testKey(1)

	require.NoError(t, s.RecordGame(ctx, GameOutcome{Moves: []PatternKey{k}, Result: ResultWin, FinalScore: 30}))
	require.NoError(t, s.RecordGame(ctx, GameOutcome{Moves: []PatternKey{k}, Result: ResultWin, FinalScore: 25}))
	require.NoError(t, s.RecordGame(ctx, GameOutcome{Moves: []PatternKey{k}, Result: ResultLoss, FinalScore: -10}))

	rec, ok, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, int64(3), rec.TimesSeen)
	assert.Equal(t, int64(2), rec.GamesWon)
	assert.Equal(t, int64(1), rec.GamesLost)
	assert.Equal(t, int64(0), rec.GamesDrawn)
	assert.InDelta(t, 0.6667, rec.WinRate, 0.0001)
	assert.InDelta(t, 0.03, rec.Confidence, 1e-9)
	assert.InDelta(t, 2.0, rec.PriorityScore, 0.001)
	assert.InDelta(t, 45.0, rec.TotalScore, 1e-9)
	assert.InDelta(t, 15.0, rec.AvgScore, 1e-9)
	assert.NoError(t, rec.CheckConsistency())
}

func TestStore_RecordGame_RepeatedKeyCountsEachOccurrence(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	k := testKey(2)

	moves := []PatternKey{k, k, k, testKey(3)}
	require.NoError(t, s.RecordGame(ctx, GameOutcome{Moves: moves, Result: ResultDraw, FinalScore: 0}))

	rec, ok, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.TimesSeen)
	assert.Equal(t, int64(3), rec.GamesDrawn)

	other, ok, err := s.Get(ctx, testKey(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), other.TimesSeen)
}

func TestStore_RecordGame_InvalidKeyRejectedBeforeWrite(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	bad := testKey(1)
	bad.RepetitionCount = 99

	err := s.RecordGame(ctx, GameOutcome{
		Moves:  []PatternKey{testKey(1), bad},
		Result: ResultWin,
	})
	require.ErrorIs(t, err, ErrInvalidKey)

	// The valid key in the same game must not have been attributed.
	_, ok, err := s.Get(ctx, testKey(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RecordGame_InvalidResult(t *testing.T) {
	s := testStore(t)
	err := s.RecordGame(context.Background(), GameOutcome{
		Moves:  []PatternKey{testKey(1)},
		Result: Result(42),
	})
	assert.Error(t, err)
}

func TestStore_Get_AbsentKey(t *testing.T) {
	s := testStore(t)
	rec, ok, err := s.Get(context.Background(), testKey(7))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, rec.PriorityScore)
	assert.Zero(t, rec.Confidence)
}

func TestStore_GetTop_Ordering(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	// Three keys with distinct priorities: more wins => higher priority.
	for i, wins := range []int{5, 1, 3} {
		k := testKey(i)
		for w := 0; w < wins; w++ {
			require.NoError(t, s.RecordGame(ctx, GameOutcome{Moves: []PatternKey{k}, Result: ResultWin, FinalScore: 10}))
		}
	}

	top, err := s.GetTop(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)

	for i := 1; i < len(top); i++ {
		if top[i-1].PriorityScore == top[i].PriorityScore {
			assert.GreaterOrEqual(t, top[i-1].Confidence, top[i].Confidence)
		} else {
			assert.Greater(t, top[i-1].PriorityScore, top[i].PriorityScore)
		}
	}

	// n caps the result length.
	top2, err := s.GetTop(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, top2, 2)
	assert.Equal(t, top[0], top2[0])
}

func TestStore_GetTop_DeterministicTieBreak(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	// Identical statistics, different keys: order must be stable across calls.
	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordGame(ctx, GameOutcome{Moves: []PatternKey{testKey(i)}, Result: ResultWin, FinalScore: 1}))
	}

	first, err := s.GetTop(ctx, 4)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.GetTop(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestStore_TopFromIndex_AgreesWithMirror(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	results := []Result{ResultWin, ResultWin, ResultLoss, ResultDraw, ResultWin}
	for i, res := range results {
		require.NoError(t, s.RecordGame(ctx, GameOutcome{Moves: []PatternKey{testKey(i % 3)}, Result: res, FinalScore: 5}))
	}

	fromMirror, err := s.GetTop(ctx, 10)
	require.NoError(t, err)
	fromIndex, err := s.TopFromIndex(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, fromMirror, fromIndex)
}

func TestStore_Seed_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	k := testKey(4)

	stats := SeedStats{TimesSeen: 40, GamesWon: 22, GamesLost: 10, GamesDrawn: 8, TotalScore: 380}
	require.NoError(t, s.Seed(ctx, k, stats, true))

	rec, ok, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(40), rec.TimesSeen)
	assert.Equal(t, int64(22), rec.GamesWon)
	assert.InDelta(t, 0.55, rec.WinRate, 1e-9)
	assert.InDelta(t, 0.4, rec.Confidence, 1e-9)
	assert.InDelta(t, 22.0, rec.PriorityScore, 1e-9)
	assert.InDelta(t, 9.5, rec.AvgScore, 1e-9)
	assert.NoError(t, rec.CheckConsistency())
}

func TestStore_SeedBatch_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	entries := []SeedEntry{
		{Key: testKey(1), Stats: SeedStats{TimesSeen: 10, GamesWon: 5, GamesLost: 3, GamesDrawn: 2}},
		{Key: testKey(2), Stats: SeedStats{TimesSeen: 10, GamesWon: 5, GamesLost: 3, GamesDrawn: 3}}, // 5+3+3 != 10
	}

	n, err := s.SeedBatch(ctx, entries, true)
	require.ErrorIs(t, err, ErrSeedInconsistent)
	assert.Zero(t, n)
	assert.Zero(t, s.Len())
}

func TestStore_Seed_RequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	k := testKey(1)

	// Ten recorded wins the unconfirmed seed must not touch.
	for i := 0; i < 10; i++ {
		require.NoError(t, s.RecordGame(ctx, GameOutcome{Moves: []PatternKey{k}, Result: ResultWin, FinalScore: 1}))
	}

	err := s.Seed(ctx, k, SeedStats{TimesSeen: 1, GamesLost: 1}, false)
	require.ErrorIs(t, err, ErrSeedNotConfirmed)

	rec, ok, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), rec.TimesSeen)
	assert.Equal(t, int64(10), rec.GamesWon)
	assert.Zero(t, rec.GamesLost)
}

func TestStore_InconsistentRecordServedAsStored(t *testing.T) {
	ctx := context.Background()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// Counters add up but every derived field is fabricated: a drifted
	// record from a partial legacy write.
	drifted := PatternRecord{
		Key:           testKey(1),
		TimesSeen:     4,
		GamesWon:      1,
		GamesLost:     3,
		WinRate:       0.95,
		Confidence:    1.0,
		PriorityScore: 95.0,
		AvgScore:      42.0,
	}
	require.Error(t, drifted.CheckConsistency())

	encoded, err := EncodeRecord(drifted)
	require.NoError(t, err)
	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Set([]byte(EncodeKey(drifted.Key)), encoded); err != nil {
			return err
		}
		return txn.Set([]byte(IndexKey(drifted)), []byte(EncodeKey(drifted.Key)))
	}))

	// Drift is reported, not repaired: the open succeeds and reads
	// return the stored fields untouched.
	s, err := NewStore(db, nil)
	require.NoError(t, err)

	rec, ok, err := s.Get(ctx, drifted.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.95, rec.WinRate, 1e-9)
	assert.InDelta(t, 95.0, rec.PriorityScore, 1e-9)
	assert.InDelta(t, 42.0, rec.AvgScore, 1e-9)

	top, err := s.GetTop(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, drifted.Key, top[0].Key)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordGame(ctx, GameOutcome{Moves: []PatternKey{testKey(i)}, Result: ResultWin, FinalScore: 1}))
	}

	t.Run("requires confirmation", func(t *testing.T) {
		_, err := s.Reset(ctx, false)
		require.ErrorIs(t, err, ErrResetNotConfirmed)
		assert.Equal(t, 3, s.Len())
	})

	t.Run("clears table and index", func(t *testing.T) {
		deleted, err := s.Reset(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, 3, deleted)
		assert.Zero(t, s.Len())

		fromIndex, err := s.TopFromIndex(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, fromIndex)
	})
}

func TestStore_ClosedStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.Close())

	_, _, err := s.Get(ctx, testKey(1))
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	err = s.RecordGame(ctx, GameOutcome{Moves: []PatternKey{testKey(1)}, Result: ResultWin})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = s.Reset(ctx, true)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestStore_MirrorSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := badger.Open(badger.Config{Path: dir, SyncWrites: false})
	require.NoError(t, err)

	s, err := NewStore(db, nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordGame(ctx, GameOutcome{Moves: []PatternKey{testKey(1)}, Result: ResultWin, FinalScore: 12}))
	want, ok, err := s.Get(ctx, testKey(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.Close())

	db2, err := badger.Open(badger.Config{Path: dir, SyncWrites: false})
	require.NoError(t, err)
	defer db2.Close()

	s2, err := NewStore(db2, nil)
	require.NoError(t, err)
	got, ok, err := s2.Get(ctx, testKey(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}
