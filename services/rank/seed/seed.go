// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package seed loads named seeding profiles from YAML and applies them
// to a pattern store through the public seeding contract.
//
// A profile is the bootstrap payload a trainer ships so that the
// ranking engine does not start from a fully cold table. Profiles are
// validated in full before a single record is written; a profile with
// any inconsistent entry applies nothing.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/TesujiAI/tesuji/services/rank/pattern"
)

var (
	// ErrEmptyProfile indicates a profile with no entries.
	ErrEmptyProfile = errors.New("seed profile has no entries")

	// ErrDuplicateKey indicates two entries in one profile target the
	// same pattern key.
	ErrDuplicateKey = errors.New("seed profile contains duplicate key")
)

// Profile is a named, internally consistent set of seed statistics.
type Profile struct {
	// Name identifies the profile in logs and reports.
	Name string `yaml:"name"`

	// Game is a free-form label for the trainer the profile targets
	// (chess, checkers, go, othello). Informational only.
	Game string `yaml:"game"`

	// Entries are the records to install. Derived fields are always
	// recomputed by the store; only counters matter here.
	Entries []pattern.SeedEntry `yaml:"entries"`
}

// Report summarizes one Apply call.
type Report struct {
	Profile string
	Applied int
}

// Load reads and validates a profile from a YAML file.
//
// Outputs:
//
//	*Profile - The parsed profile, fully validated.
//	error - Read, parse or validation failure. Validation wraps
//	        pattern.ErrInvalidKey / pattern.ErrSeedInconsistent so
//	        callers can classify with errors.Is.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed profile %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a profile from raw YAML bytes and validates it.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse seed profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks every entry: key bounds, counter consistency, and
// duplicate keys within the profile.
func (p *Profile) Validate() error {
	if len(p.Entries) == 0 {
		return ErrEmptyProfile
	}
	seen := make(map[pattern.PatternKey]struct{}, len(p.Entries))
	for i, e := range p.Entries {
		if err := e.Key.Validate(); err != nil {
			return fmt.Errorf("profile %q entry %d: %w", p.Name, i, err)
		}
		if err := e.Stats.Validate(); err != nil {
			return fmt.Errorf("profile %q entry %d: %w", p.Name, i, err)
		}
		if _, dup := seen[e.Key]; dup {
			return fmt.Errorf("%w: profile %q entry %d", ErrDuplicateKey, p.Name, i)
		}
		seen[e.Key] = struct{}{}
	}
	return nil
}

// Apply installs the profile through the store's batch seeding
// operation. All-or-nothing: on any error zero records were written.
// Seeding overwrites learned records for the seeded keys, so confirm
// must be true; it is threaded straight through to SeedBatch.
func (p *Profile) Apply(ctx context.Context, store *pattern.Store, confirm bool) (Report, error) {
	if err := p.Validate(); err != nil {
		return Report{Profile: p.Name}, err
	}
	n, err := store.SeedBatch(ctx, p.Entries, confirm)
	if err != nil {
		return Report{Profile: p.Name}, fmt.Errorf("apply profile %q: %w", p.Name, err)
	}
	return Report{Profile: p.Name, Applied: n}, nil
}
