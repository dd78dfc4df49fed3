// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ranking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TesujiAI/tesuji/services/rank/pattern"
)

type stubPatterns map[pattern.PatternKey][2]float64

func (s stubPatterns) PriorityFor(key pattern.PatternKey) (float64, float64) {
	v := s[key]
	return v[0], v[1]
}

type stubOpenings map[string]float64

func (s stubOpenings) Adjustment(position, move string) float64 {
	return s[position+"|"+move]
}

func key(piece int) pattern.PatternKey {
	return pattern.PatternKey{PieceType: piece, MoveCategory: 1}
}

func TestRank_CombinesPatternAndOpening(t *testing.T) {
	patterns := stubPatterns{
		key(1): {10, 0.5},
		key(2): {30, 0.8},
	}
	openings := stubOpenings{
		"start|e2e4": 25,
	}

	cands := []Candidate{
		{Key: key(1), Position: "start", Move: "e2e4", Ply: 1},
		{Key: key(2), Position: "start", Move: "d2d4", Ply: 1},
	}

	ranked := Rank(cands, patterns, openings, 5)
	require.Len(t, ranked, 2)

	// 10 + 25 = 35 beats 30 + 0.
	assert.Equal(t, "e2e4", ranked[0].Move)
	assert.InDelta(t, 35.0, ranked[0].Score, 1e-9)
	assert.Equal(t, "d2d4", ranked[1].Move)
	assert.InDelta(t, 30.0, ranked[1].Score, 1e-9)
}

func TestRank_OpeningOnlyWithinHorizon(t *testing.T) {
	patterns := stubPatterns{key(1): {10, 0.5}}
	openings := stubOpenings{"p|m": 100}

	inOpening := Rank([]Candidate{{Key: key(1), Position: "p", Move: "m", Ply: 5}}, patterns, openings, 5)
	assert.InDelta(t, 110.0, inOpening[0].Score, 1e-9)

	pastOpening := Rank([]Candidate{{Key: key(1), Position: "p", Move: "m", Ply: 6}}, patterns, openings, 5)
	assert.InDelta(t, 10.0, pastOpening[0].Score, 1e-9)
}

func TestRank_UnseenMovesScoreZeroBetweenSigns(t *testing.T) {
	patterns := stubPatterns{key(1): {12, 0.4}}
	openings := stubOpenings{"p|bad": -40} // heavily penalized opening line

	cands := []Candidate{
		{Key: key(3), Position: "p", Move: "bad", Ply: 1}, // unseen pattern, bad opening
		{Key: key(2), Position: "p", Move: "new", Ply: 1}, // fully unseen
		{Key: key(1), Position: "p", Move: "ok", Ply: 1},  // known good
	}

	ranked := Rank(cands, patterns, openings, 5)
	require.Len(t, ranked, 3)

	assert.Equal(t, "ok", ranked[0].Move)
	assert.Equal(t, "new", ranked[1].Move)
	assert.Equal(t, 0.0, ranked[1].Score)
	assert.Equal(t, "bad", ranked[2].Move)
	assert.InDelta(t, -40.0, ranked[2].Score, 1e-9)
}

func TestRank_TieBreaks(t *testing.T) {
	t.Run("confidence first", func(t *testing.T) {
		patterns := stubPatterns{
			key(1): {20, 0.2},
			key(2): {20, 0.9},
		}
		ranked := Rank([]Candidate{
			{Key: key(1), Move: "a", Ply: 10},
			{Key: key(2), Move: "b", Ply: 10},
		}, patterns, nil, 5)

		assert.Equal(t, "b", ranked[0].Move)
	})

	t.Run("stable original order last", func(t *testing.T) {
		patterns := stubPatterns{}
		cands := []Candidate{
			{Key: key(1), Move: "first", Ply: 10},
			{Key: key(2), Move: "second", Ply: 10},
			{Key: key(3), Move: "third", Ply: 10},
		}

		for i := 0; i < 5; i++ {
			ranked := Rank(cands, patterns, nil, 5)
			assert.Equal(t, "first", ranked[0].Move)
			assert.Equal(t, "second", ranked[1].Move)
			assert.Equal(t, "third", ranked[2].Move)
		}
	})
}

func TestRank_NoCandidateDropped(t *testing.T) {
	patterns := stubPatterns{}
	cands := make([]Candidate, 20)
	for i := range cands {
		cands[i] = Candidate{Key: key(i % 4), Ply: i + 1}
	}
	ranked := Rank(cands, patterns, nil, 5)
	assert.Len(t, ranked, len(cands))
}

func TestRank_NilOpeningSource(t *testing.T) {
	patterns := stubPatterns{key(1): {7, 0.1}}
	ranked := Rank([]Candidate{{Key: key(1), Position: "p", Move: "m", Ply: 1}}, patterns, nil, 5)
	assert.InDelta(t, 7.0, ranked[0].Score, 1e-9)
}
