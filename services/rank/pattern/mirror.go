// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pattern

import "sync"

// mirror is the in-memory copy of the persisted pattern table. Each
// Store owns exactly one mirror, loaded when the store opens and
// refreshed on every committed write. It is an explicit field of the
// Store on purpose: a package-level mirror would leak state between
// engine instances sharing a process.
type mirror struct {
	mu      sync.RWMutex
	records map[PatternKey]PatternRecord
}

func newMirror() *mirror {
	return &mirror{records: make(map[PatternKey]PatternRecord)}
}

func (m *mirror) get(key PatternKey) (PatternRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	return r, ok
}

func (m *mirror) putAll(records []PatternRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.Key] = r
	}
}

func (m *mirror) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[PatternKey]PatternRecord)
}

func (m *mirror) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// snapshot returns a copy of all records. Order is unspecified; callers
// sort as needed.
func (m *mirror) snapshot() []PatternRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PatternRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}
