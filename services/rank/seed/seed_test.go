// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TesujiAI/tesuji/services/rank/pattern"
	badgerstore "github.com/TesujiAI/tesuji/services/rank/storage/badger"
)

const validProfileYAML = `
name: chess-openers
game: chess
entries:
  - key:
      piece_type: 0
      move_category: 1
      distance_from_start: 2
      game_phase: 0
      repetition_count: 0
      moves_since_progress: 0
      total_material_level: 9
    stats:
      times_seen: 40
      games_won: 22
      games_lost: 10
      games_drawn: 8
      total_score: 380
  - key:
      piece_type: 1
      move_category: 1
      distance_from_start: 3
      game_phase: 0
      repetition_count: 0
      moves_since_progress: 0
      total_material_level: 9
    stats:
      times_seen: 12
      games_won: 4
      games_lost: 6
      games_drawn: 2
      total_score: -35
`

func testStore(t *testing.T) *pattern.Store {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	s, err := pattern.NewStore(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = db.Close()
	})
	return s
}

func TestParse_ValidProfile(t *testing.T) {
	p, err := Parse([]byte(validProfileYAML))
	require.NoError(t, err)
	assert.Equal(t, "chess-openers", p.Name)
	assert.Len(t, p.Entries, 2)
	assert.Equal(t, int64(40), p.Entries[0].Stats.TimesSeen)
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name:    "empty profile",
			yaml:    "name: empty\nentries: []\n",
			wantErr: ErrEmptyProfile,
		},
		{
			name: "inconsistent counters",
			yaml: `
name: bad
entries:
  - key: {piece_type: 0, move_category: 0}
    stats: {times_seen: 10, games_won: 5, games_lost: 3, games_drawn: 3}
`,
			wantErr: pattern.ErrSeedInconsistent,
		},
		{
			name: "out of range key",
			yaml: `
name: bad
entries:
  - key: {piece_type: 99, move_category: 0}
    stats: {times_seen: 0}
`,
			wantErr: pattern.ErrInvalidKey,
		},
		{
			name: "duplicate key",
			yaml: `
name: bad
entries:
  - key: {piece_type: 1, move_category: 1}
    stats: {times_seen: 0}
  - key: {piece_type: 1, move_category: 1}
    stats: {times_seen: 0}
`,
			wantErr: ErrDuplicateKey,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validProfileYAML), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chess-openers", p.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApply_WritesThroughStore(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p, err := Parse([]byte(validProfileYAML))
	require.NoError(t, err)

	rep, err := p.Apply(ctx, s, true)
	require.NoError(t, err)
	assert.Equal(t, "chess-openers", rep.Profile)
	assert.Equal(t, 2, rep.Applied)

	rec, ok, err := s.Get(ctx, p.Entries[0].Key)
	require.NoError(t, err)
	require.True(t, ok)

	// Derived fields come from the counters, not from the file.
	assert.InDelta(t, 0.55, rec.WinRate, 1e-9)
	assert.InDelta(t, 0.4, rec.Confidence, 1e-9)
	assert.InDelta(t, 22.0, rec.PriorityScore, 1e-9)
}

func TestApply_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p := &Profile{
		Name: "mixed",
		Entries: []pattern.SeedEntry{
			{Key: pattern.PatternKey{PieceType: 1}, Stats: pattern.SeedStats{TimesSeen: 4, GamesWon: 4}},
			{Key: pattern.PatternKey{PieceType: 2}, Stats: pattern.SeedStats{TimesSeen: 4, GamesWon: 1}},
		},
	}

	_, err := p.Apply(ctx, s, true)
	require.ErrorIs(t, err, pattern.ErrSeedInconsistent)
	assert.Zero(t, s.Len())
}

func TestApply_RequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p, err := Parse([]byte(validProfileYAML))
	require.NoError(t, err)

	_, err = p.Apply(ctx, s, false)
	require.ErrorIs(t, err, pattern.ErrSeedNotConfirmed)
	assert.Zero(t, s.Len())
}
