// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pattern implements the persistent per-key statistics store at
// the heart of the move-priority engine.
//
// The store observes completed games and aggregates their outcomes into
// records keyed by an abstracted move descriptor (PatternKey). The
// abstraction function itself lives in the calling game loop; this
// package treats the key as an opaque, bounded tuple.
//
// Scoring model:
//
//	win_rate   = games_won / times_seen        (0 when unseen)
//	confidence = min(1, times_seen / 100)
//	priority   = win_rate * confidence * 100
//
// Confidence saturates at 100 observations so a lucky small sample
// cannot dominate ranking: a 1-game 100%-win key scores 1.0 while a
// 500-game 55%-win key scores 55.0.
package pattern

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConfidenceSaturation is the observation count at which confidence
// reaches 1.0.
const ConfidenceSaturation = 100

// consistencyTolerance is the numeric tolerance used when checking a
// stored derived field against its formula.
const consistencyTolerance = 1e-6

// GamePhase is the coarse phase bucket of the position a move was
// played in.
type GamePhase int

const (
	PhaseOpening GamePhase = iota
	PhaseMiddlegame
	PhaseEndgame
)

// String returns the phase name for logs and diagnostics.
func (p GamePhase) String() string {
	switch p {
	case PhaseOpening:
		return "opening"
	case PhaseMiddlegame:
		return "middlegame"
	case PhaseEndgame:
		return "endgame"
	default:
		return "unknown"
	}
}

// Result is the terminal result of a completed game from the agent's
// perspective.
type Result int

const (
	ResultLoss Result = iota
	ResultDraw
	ResultWin
)

// String returns the result name for logs and metric labels.
func (r Result) String() string {
	switch r {
	case ResultWin:
		return "win"
	case ResultDraw:
		return "draw"
	case ResultLoss:
		return "loss"
	default:
		return "unknown"
	}
}

// Score returns the scalar game result used by the opening tracker's
// running mean: 1.0 for a win, 0.5 for a draw, 0.0 for a loss.
func (r Result) Score() float64 {
	switch r {
	case ResultWin:
		return 1.0
	case ResultDraw:
		return 0.5
	default:
		return 0.0
	}
}

// Valid reports whether r is one of the three defined results.
func (r Result) Valid() bool {
	return r == ResultLoss || r == ResultDraw || r == ResultWin
}

// PatternKey is the abstracted categorical descriptor of a move,
// independent of the exact board position. It uniquely identifies a
// PatternRecord and is immutable.
//
// The bounds below define the valid key space; anything outside is
// rejected at the store boundary with ErrInvalidKey. The bounds are
// deliberately generous so the same engine serves chess, checkers,
// go and othello trainers.
type PatternKey struct {
	// PieceType is the game-specific piece class (pawn=0..king=5 for
	// chess; single=0/king=1 for checkers; always 0 for go/othello).
	PieceType int `yaml:"piece_type" validate:"gte=0,lte=15"`

	// MoveCategory is the abstract move class supplied by the caller
	// (quiet, capture, advance, retreat, ...).
	MoveCategory int `yaml:"move_category" validate:"gte=0,lte=15"`

	// DistanceFromStart is the bucketed distance of the destination
	// square from the piece's starting area.
	DistanceFromStart int `yaml:"distance_from_start" validate:"gte=0,lte=31"`

	// GamePhase is the phase bucket the move was played in.
	GamePhase GamePhase `yaml:"game_phase" validate:"gte=0,lte=2"`

	// RepetitionCount is how many times this position class repeated.
	RepetitionCount int `yaml:"repetition_count" validate:"gte=0,lte=7"`

	// MovesSinceProgress is the bucketed count of plies since the last
	// irreversible move.
	MovesSinceProgress int `yaml:"moves_since_progress" validate:"gte=0,lte=63"`

	// TotalMaterialLevel is the bucketed total material on the board.
	TotalMaterialLevel int `yaml:"total_material_level" validate:"gte=0,lte=9"`
}

// keyValidator is shared by all stores in the process; validator.Validate
// is safe for concurrent use.
var keyValidator = validator.New()

// Validate checks the key against the bounded key space.
//
// Outputs:
//
//	error - nil if valid, otherwise an error wrapping ErrInvalidKey.
func (k PatternKey) Validate() error {
	if err := keyValidator.Struct(k); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// PatternRecord is the persistent aggregate for one PatternKey.
//
// Invariants (checked opportunistically on read, enforced on write):
//
//	TimesSeen == GamesWon + GamesLost + GamesDrawn
//	WinRate == GamesWon / TimesSeen (0 when TimesSeen == 0)
//	Confidence == min(1, TimesSeen / 100)
//	PriorityScore == WinRate * Confidence * 100
//
// Thread Safety: treated as a value; the store never hands out shared
// pointers.
type PatternRecord struct {
	Key        PatternKey
	TimesSeen  int64
	GamesWon   int64
	GamesLost  int64
	GamesDrawn int64
	TotalScore float64
	AvgScore   float64

	// Derived fields, recomputed on every write.
	WinRate       float64
	Confidence    float64
	PriorityScore float64

	// UpdatedAt is the last mutation time (Unix milliseconds UTC).
	UpdatedAt int64
}

// Recompute refreshes all derived fields from the counters and stamps
// UpdatedAt. This is the only place the scoring formulas live.
func (r *PatternRecord) Recompute() {
	if r.TimesSeen > 0 {
		r.AvgScore = r.TotalScore / float64(r.TimesSeen)
		r.WinRate = float64(r.GamesWon) / float64(r.TimesSeen)
	} else {
		r.AvgScore = 0
		r.WinRate = 0
	}
	r.Confidence = math.Min(1.0, float64(r.TimesSeen)/ConfidenceSaturation)
	r.PriorityScore = r.WinRate * r.Confidence * 100
	r.UpdatedAt = time.Now().UnixMilli()
}

// CheckConsistency verifies the stored counters and derived fields.
//
// Description:
//
//	Returns an error wrapping ErrInconsistentRecord if the counter
//	invariant is broken or a derived field disagrees with its formula
//	beyond numeric tolerance. The caller decides what to do with the
//	record; this function never mutates it.
func (r *PatternRecord) CheckConsistency() error {
	if r.TimesSeen != r.GamesWon+r.GamesLost+r.GamesDrawn {
		return fmt.Errorf("%w: times_seen=%d but won+lost+drawn=%d",
			ErrInconsistentRecord, r.TimesSeen, r.GamesWon+r.GamesLost+r.GamesDrawn)
	}

	want := *r
	want.Recompute()
	if math.Abs(r.WinRate-want.WinRate) > consistencyTolerance ||
		math.Abs(r.Confidence-want.Confidence) > consistencyTolerance ||
		math.Abs(r.PriorityScore-want.PriorityScore) > consistencyTolerance ||
		math.Abs(r.AvgScore-want.AvgScore) > consistencyTolerance {
		return fmt.Errorf("%w: derived fields disagree with formulas (priority stored=%.6f computed=%.6f)",
			ErrInconsistentRecord, r.PriorityScore, want.PriorityScore)
	}

	return nil
}

// GameOutcome is the ephemeral input to RecordGame: every abstracted
// key played by the agent in one completed game, the terminal result
// and the final scalar score.
//
// A key occurring k times contributes k independent learning events.
type GameOutcome struct {
	Moves      []PatternKey
	Result     Result
	FinalScore float64
}

// SeedStats is an internally consistent set of initial counters used
// by the administrative Seed operation. Derived fields are always
// recomputed from the counters, never accepted from the caller.
type SeedStats struct {
	TimesSeen  int64   `yaml:"times_seen"`
	GamesWon   int64   `yaml:"games_won"`
	GamesLost  int64   `yaml:"games_lost"`
	GamesDrawn int64   `yaml:"games_drawn"`
	TotalScore float64 `yaml:"total_score"`
}

// Validate checks the seed counters for internal consistency.
func (s SeedStats) Validate() error {
	if s.TimesSeen < 0 || s.GamesWon < 0 || s.GamesLost < 0 || s.GamesDrawn < 0 {
		return fmt.Errorf("%w: negative counter", ErrSeedInconsistent)
	}
	if s.TimesSeen != s.GamesWon+s.GamesLost+s.GamesDrawn {
		return fmt.Errorf("%w: times_seen=%d but won+lost+drawn=%d",
			ErrSeedInconsistent, s.TimesSeen, s.GamesWon+s.GamesLost+s.GamesDrawn)
	}
	return nil
}

// SeedEntry pairs a key with its seed statistics for batch seeding.
type SeedEntry struct {
	Key   PatternKey `yaml:"key"`
	Stats SeedStats  `yaml:"stats"`
}
