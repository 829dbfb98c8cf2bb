// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"system-transparency.org/msrsafe/msr"
	"system-transparency.org/msrsafe/sterror"
)

// Record holds one value per (offset, CPU). Values are stored offset-major:
// all CPUs of the first offset, then all CPUs of the second, and so on.
// CPU index i refers to the i-th CPU of the set the record was taken on.
type Record struct {
	Offsets []uint32
	NumCPU  int
	Values  []uint64
}

// NewRecord returns a zeroed Record.
func NewRecord(offsets []uint32, numCPU int) *Record {
	o := make([]uint32, len(offsets))
	copy(o, offsets)

	return &Record{
		Offsets: o,
		NumCPU:  numCPU,
		Values:  make([]uint64, len(offsets)*numCPU),
	}
}

func (r *Record) index(offsetIdx, cpuIdx int) int {
	return offsetIdx*r.NumCPU + cpuIdx
}

// Value returns the value stored for the offsetIdx-th offset on the
// cpuIdx-th CPU.
func (r *Record) Value(offsetIdx, cpuIdx int) uint64 {
	return r.Values[r.index(offsetIdx, cpuIdx)]
}

// PerCPU returns the values of the offsetIdx-th offset for all CPUs.
func (r *Record) PerCPU(offsetIdx int) []uint64 {
	start := r.index(offsetIdx, 0)

	return r.Values[start : start+r.NumCPU]
}

// check validates the record's shape against the expected offsets and CPU
// count.
func (r *Record) check(offsets []uint32, numCPU int) error {
	switch {
	case len(r.Offsets) != len(offsets):
		return fmt.Errorf("record has %d offsets, policy has %d", len(r.Offsets), len(offsets))
	case r.NumCPU != numCPU:
		return fmt.Errorf("record has %d CPUs, machine has %d", r.NumCPU, numCPU)
	case len(r.Values) != len(offsets)*numCPU:
		return fmt.Errorf("record has %d values, want %d", len(r.Values), len(offsets)*numCPU)
	}

	for i := range offsets {
		if r.Offsets[i] != offsets[i] {
			return fmt.Errorf("offset %d is 0x%08x in record, 0x%08x in policy", i, r.Offsets[i], offsets[i])
		}
	}

	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler. The encoding is the
// bare sequence of values as little-endian 64-bit integers, without any
// header.
func (r *Record) MarshalBinary() ([]byte, error) {
	if len(r.Values) != len(r.Offsets)*r.NumCPU {
		return nil, sterror.E(sterror.Snapshot, ErrOpMarshal, ErrFormat,
			fmt.Sprintf("%d values for %d offsets on %d CPUs", len(r.Values), len(r.Offsets), r.NumCPU))
	}

	data := make([]byte, len(r.Values)*msr.Width)
	for i, v := range r.Values {
		binary.LittleEndian.PutUint64(data[i*msr.Width:], v)
	}

	return data, nil
}

// Unmarshal decodes data written by MarshalBinary. As the encoding carries
// no header, the offsets and CPU count must be those the record was taken
// with. A size mismatch fails with ErrFormat.
func Unmarshal(data []byte, offsets []uint32, numCPU int) (*Record, error) {
	want := len(offsets) * numCPU * msr.Width
	if numCPU <= 0 || len(data) != want {
		info := fmt.Sprintf("got %d bytes, want %d for %d offsets on %d CPUs", len(data), want, len(offsets), numCPU)

		return nil, sterror.E(sterror.Snapshot, ErrOpUnmarshal, ErrFormat, info)
	}

	r := NewRecord(offsets, numCPU)
	for i := range r.Values {
		r.Values[i] = binary.LittleEndian.Uint64(data[i*msr.Width:])
	}

	return r, nil
}

// WriteFile persists r at path. The data is written to a temporary file in
// the same directory which is renamed over path only after it was synced,
// so path never holds a partial record.
func WriteFile(path string, r *Record) error {
	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return sterror.E(sterror.Snapshot, ErrOpWriteFile, ErrResource, err.Error())
	}

	tmpName := tmp.Name()

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)

		return sterror.E(sterror.Snapshot, ErrOpWriteFile, ErrResource, err.Error())
	}

	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}

	if err := tmp.Sync(); err != nil {
		return fail(err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return sterror.E(sterror.Snapshot, ErrOpWriteFile, ErrResource, err.Error())
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return sterror.E(sterror.Snapshot, ErrOpWriteFile, ErrResource, err.Error())
	}

	return nil
}

// ReadFile loads a record written by WriteFile.
func ReadFile(path string, offsets []uint32, numCPU int) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sterror.E(sterror.Snapshot, ErrOpReadFile, ErrResource, err.Error())
	}

	return Unmarshal(data, offsets, numCPU)
}
