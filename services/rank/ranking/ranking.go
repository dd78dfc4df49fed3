// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ranking combines the pattern store and the opening tracker
// into one strict total order over candidate moves.
//
// Ranking is a pure function over its two score sources: it performs
// no I/O of its own, drops no candidate, and never randomizes ties, so
// a shallow move-selection procedure built on it is reproducible and
// testable. Unseen moves score exactly 0 and sort between positively-
// and negatively-scored candidates: a heavily penalized opening line
// can sink below a move the engine knows nothing about.
package ranking

import (
	"sort"

	"github.com/TesujiAI/tesuji/services/rank/pattern"
)

// PatternScorer supplies the abstracted-pattern component of a score.
// The pattern store satisfies this via an adapter; tests use stubs.
type PatternScorer interface {
	// PriorityFor returns (priority_score, confidence) for a key,
	// (0, 0) when the key has never been observed.
	PriorityFor(key pattern.PatternKey) (score, confidence float64)
}

// OpeningAdjuster supplies the position-exact opening component.
type OpeningAdjuster interface {
	// Adjustment returns the opening adjustment for an exact
	// (position, move), 0 when never played.
	Adjustment(position, move string) float64
}

// Candidate is one legal move under consideration, as supplied by the
// external game loop together with its abstracted key.
type Candidate struct {
	// Key is the abstracted move descriptor.
	Key pattern.PatternKey

	// Position and Move identify the exact move for opening lookup.
	Position string
	Move     string

	// Ply is the 1-based ply this move would be played at. The opening
	// adjustment only applies within the opening horizon.
	Ply int
}

// Scored is a candidate with its combined score attached.
type Scored struct {
	Candidate

	// Score is pattern priority plus opening adjustment (when within
	// the horizon).
	Score float64

	// Confidence is the pattern confidence, used as the first
	// tie-break.
	Confidence float64
}

// Rank orders candidates by combined score.
//
// Description:
//
//	combined = pattern_priority(key)
//	         + opening_adjustment(position, move)   if ply <= horizon
//
//	Ties break on higher confidence, then on the candidates' original
//	order (stable sort). Every input candidate appears in the output
//	exactly once.
//
// Inputs:
//
//	candidates - Legal moves in the caller's preferred base order.
//	patterns - Pattern score source. Must not be nil.
//	openings - Opening score source. May be nil to disable the opening
//	           component entirely.
//	horizon - Opening horizon in plies; candidates with Ply beyond it
//	          get no opening adjustment.
//
// Outputs:
//
//	[]Scored - Candidates in descending combined-score order.
func Rank(candidates []Candidate, patterns PatternScorer, openings OpeningAdjuster, horizon int) []Scored {
	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		priority, confidence := patterns.PriorityFor(c.Key)

		combined := priority
		if openings != nil && c.Ply > 0 && c.Ply <= horizon {
			combined += openings.Adjustment(c.Position, c.Move)
		}

		scored[i] = Scored{Candidate: c, Score: combined, Confidence: confidence}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Confidence > scored[j].Confidence
	})

	return scored
}
