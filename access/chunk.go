// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package access

import (
	"encoding/binary"
	"fmt"

	"system-transparency.org/msrsafe/msr"
	"system-transparency.org/msrsafe/sterror"
)

// ReadChunk fills p with len(p)/msr.Width consecutive reads of the register
// at offset, one little-endian unit each.
//
// len(p) must be a multiple of msr.Width. If a read fails after at least
// one unit was transferred, the number of bytes transferred is returned
// with a nil error.
func (a *Accessor) ReadChunk(cpu int, offset uint32, p []byte, s Session) (int, error) {
	if err := checkChunk(ErrOpRead, p); err != nil {
		return 0, err
	}

	if !s.Privileged && !a.policy.ReadAllowed(offset) {
		return 0, denied(ErrOpRead, cpu, offset)
	}

	var n int

	for ; n < len(p); n += msr.Width {
		v, err := a.Read(cpu, offset, s)
		if err != nil {
			return partial(n, err)
		}

		binary.LittleEndian.PutUint64(p[n:n+msr.Width], v)
	}

	return n, nil
}

// WriteChunk writes len(p)/msr.Width little-endian units from p to the
// register at offset, one masked write each, in order.
//
// len(p) must be a multiple of msr.Width. If a write fails after at least
// one unit was written, the number of bytes written is returned with a nil
// error.
func (a *Accessor) WriteChunk(cpu int, offset uint32, p []byte, s Session) (int, error) {
	if err := checkChunk(ErrOpWrite, p); err != nil {
		return 0, err
	}

	if !s.Privileged && a.policy.WriteMask(offset) == 0 {
		return 0, denied(ErrOpWrite, cpu, offset)
	}

	var n int

	for ; n < len(p); n += msr.Width {
		if err := a.Write(cpu, offset, binary.LittleEndian.Uint64(p[n:n+msr.Width]), s); err != nil {
			return partial(n, err)
		}
	}

	return n, nil
}

func checkChunk(op sterror.Op, p []byte) error {
	if len(p)%msr.Width != 0 {
		info := fmt.Sprintf("size %d is not a multiple of %d", len(p), msr.Width)

		return sterror.E(sterror.Access, op, ErrInvalidArgument, info)
	}

	return nil
}

func partial(n int, err error) (int, error) {
	if n > 0 {
		return n, nil
	}

	return 0, err
}
