// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package opening

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
)

// Record values share the pattern store's wire shape:
// [4-byte CRC32][gob data].

func encodeRecord(r Record) ([]byte, error) {
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

func decodeRecord(data []byte) (Record, error) {
	var r Record
	if len(data) < 5 {
		return r, fmt.Errorf("%w: record value too short", ErrTrackerUnavailable)
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	gobData := data[4:]
	if computed := crc32.ChecksumIEEE(gobData); computed != storedCRC {
		return r, fmt.Errorf("%w: record CRC mismatch (stored=%08x computed=%08x)",
			ErrTrackerUnavailable, storedCRC, computed)
	}

	if err := gob.NewDecoder(bytes.NewReader(gobData)).Decode(&r); err != nil {
		return r, fmt.Errorf("%w: gob decode: %v", ErrTrackerUnavailable, err)
	}
	return r, nil
}
