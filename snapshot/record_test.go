// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package snapshot

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"system-transparency.org/msrsafe/msr"
)

func TestRecordLayout(t *testing.T) {
	offsets := []uint32{0x10, 0x20, 0x30}
	rec := NewRecord(offsets, 4)

	for oi := range offsets {
		for ci := 0; ci < 4; ci++ {
			rec.Values[rec.index(oi, ci)] = uint64(oi)<<32 | uint64(ci)
		}
	}

	data, err := rec.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, 3*4*msr.Width)

	// Offset-major, CPU-minor.
	pos := (1*4 + 2) * msr.Width
	assert.Equal(t, uint64(1)<<32|2, binary.LittleEndian.Uint64(data[pos:]))

	back, err := Unmarshal(data, offsets, 4)
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}

func TestNewRecordCopiesOffsets(t *testing.T) {
	offsets := []uint32{1, 2}
	rec := NewRecord(offsets, 1)
	offsets[0] = 9

	assert.Equal(t, []uint32{1, 2}, rec.Offsets)
}

func TestUnmarshalSizeMismatch(t *testing.T) {
	offsets := []uint32{0x10, 0x20}

	for _, tt := range []struct {
		name   string
		size   int
		numCPU int
	}{
		{"short", 3 * msr.Width, 2},
		{"long", 5 * msr.Width, 2},
		{"unaligned", 4*msr.Width + 1, 2},
		{"empty", 0, 2},
		{"no CPUs", 0, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(make([]byte, tt.size), offsets, tt.numCPU)
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestMarshalInconsistentRecord(t *testing.T) {
	rec := &Record{Offsets: []uint32{1}, NumCPU: 2, Values: []uint64{1}}

	_, err := rec.MarshalBinary()
	assert.ErrorIs(t, err, ErrFormat)
	assert.ErrorIs(t, WriteFile(filepath.Join(t.TempDir(), "out"), rec), ErrFormat)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	rec := NewRecord([]uint32{0x10}, 2)
	rec.Values[1] = 7

	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))
	require.NoError(t, WriteFile(path, rec))

	back, err := ReadFile(path, []uint32{0x10}, 2)
	require.NoError(t, err)
	assert.Equal(t, rec, back)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	err = WriteFile(filepath.Join(dir, "missing", "state"), rec)
	assert.ErrorIs(t, err, ErrResource)
}
