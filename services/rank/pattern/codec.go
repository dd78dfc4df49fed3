// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pattern

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"math"
)

// Key layout in BadgerDB. Fixed-width decimal segments keep the
// lexicographic order of encoded keys deterministic, which is what the
// GetTop tie-break and the migration scan rely on.
//
//	record key:  pat:v2:{piece:02}:{cat:02}:{dist:02}:{phase}:{rep}:{stall:02}:{mat}
//	index key:   pidx:{inv_priority:08}:{inv_confidence:05}:{record key}
//
// The index inverts priority and confidence so an ascending iteration
// yields priority desc, confidence desc, key asc.
const (
	// KeyPrefix scopes all pattern records. The embedded v2 tag is the
	// current PatternKey schema version; see the migrate package.
	KeyPrefix = "pat:v2:"

	// IndexPrefix scopes the descending-priority secondary index.
	IndexPrefix = "pidx:"
)

// priority is bounded by the formula to [0, 100]; confidence to [0, 1].
const (
	maxPriorityUnits   = 10_000_000 // 100.0 * 1e5
	maxConfidenceUnits = 10_000     // 1.0 * 1e4
)

// EncodeKey renders a PatternKey as its canonical record key.
func EncodeKey(k PatternKey) string {
	return fmt.Sprintf("%s%02d:%02d:%02d:%d:%d:%02d:%d",
		KeyPrefix,
		k.PieceType, k.MoveCategory, k.DistanceFromStart,
		k.GamePhase, k.RepetitionCount, k.MovesSinceProgress,
		k.TotalMaterialLevel)
}

// DecodeKey parses a canonical record key back into a PatternKey.
func DecodeKey(s string) (PatternKey, error) {
	var k PatternKey
	var phase int
	n, err := fmt.Sscanf(s, KeyPrefix+"%02d:%02d:%02d:%d:%d:%02d:%d",
		&k.PieceType, &k.MoveCategory, &k.DistanceFromStart,
		&phase, &k.RepetitionCount, &k.MovesSinceProgress,
		&k.TotalMaterialLevel)
	if err != nil || n != 7 {
		return PatternKey{}, fmt.Errorf("%w: malformed record key %q", ErrInvalidKey, s)
	}
	k.GamePhase = GamePhase(phase)
	return k, nil
}

// IndexKey renders the secondary index key for a record.
func IndexKey(r PatternRecord) string {
	invPriority := maxPriorityUnits - int(math.Round(r.PriorityScore*1e5))
	if invPriority < 0 {
		invPriority = 0
	}
	invConfidence := maxConfidenceUnits - int(math.Round(r.Confidence*1e4))
	if invConfidence < 0 {
		invConfidence = 0
	}
	return fmt.Sprintf("%s%08d:%05d:%s", IndexPrefix, invPriority, invConfidence, EncodeKey(r.Key))
}

// EncodeRecord encodes a record as [4-byte CRC32][gob data].
//
// The CRC guards against torn or bit-rotted values: a record that fails
// the check on read is treated as store corruption, not as a soft
// inconsistency.
func EncodeRecord(r PatternRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&r); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], crc)
	copy(out[4:], buf.Bytes())
	return out, nil
}

// DecodeRecord decodes a record and validates its CRC32 checksum.
func DecodeRecord(data []byte) (PatternRecord, error) {
	var r PatternRecord
	if len(data) < 5 {
		return r, fmt.Errorf("%w: record value too short", ErrStoreUnavailable)
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	gobData := data[4:]
	if computed := crc32.ChecksumIEEE(gobData); computed != storedCRC {
		return r, fmt.Errorf("%w: record CRC mismatch (stored=%08x computed=%08x)",
			ErrStoreUnavailable, storedCRC, computed)
	}

	if err := gob.NewDecoder(bytes.NewReader(gobData)).Decode(&r); err != nil {
		return r, fmt.Errorf("%w: gob decode: %v", ErrStoreUnavailable, err)
	}
	return r, nil
}
