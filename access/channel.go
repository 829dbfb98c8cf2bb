// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package access

import (
	"errors"
	"fmt"
	"sync/atomic"

	"system-transparency.org/msrsafe/msr"
	"system-transparency.org/msrsafe/sterror"
	"system-transparency.org/msrsafe/stlog"
)

// ErrClosed is returned for operations on a closed Channel.
var ErrClosed = fmt.Errorf("%w: channel closed", ErrInvalidArgument)

// Channel is one caller's handle on the registers of a single CPU.
// The session it was opened with applies to every access.
type Channel struct {
	a       *Accessor
	cpu     int
	session Session
	closed  int32
}

// Open returns a Channel to cpu. If the device can probe CPUs and cpu is
// not there, Open fails with ErrHardwareFault.
func (a *Accessor) Open(cpu int, s Session) (*Channel, error) {
	if cpu < 0 {
		return nil, sterror.E(sterror.Access, ErrOpOpen, ErrInvalidArgument, fmt.Sprintf("cpu %d", cpu))
	}

	if p, ok := a.dev.(msr.Prober); ok && !p.Present(cpu) {
		return nil, sterror.E(sterror.Access, ErrOpOpen, ErrHardwareFault, fmt.Sprintf("cpu %d: %v", cpu, msr.ErrNoDevice))
	}

	stlog.Debug("open %s channel to cpu %d", s, cpu)

	return &Channel{a: a, cpu: cpu, session: s}, nil
}

// CPU returns the CPU the channel is bound to.
func (c *Channel) CPU() int {
	return c.cpu
}

// Session returns the session the channel was opened with.
func (c *Channel) Session() Session {
	return c.session
}

func (c *Channel) isClosed() bool {
	return atomic.LoadInt32(&c.closed) != 0
}

// Read reads len(p)/msr.Width times from the register at offset.
// See Accessor.ReadChunk.
func (c *Channel) Read(offset uint32, p []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}

	return c.a.ReadChunk(c.cpu, offset, p, c.session)
}

// Write writes len(p)/msr.Width values to the register at offset.
// See Accessor.WriteChunk.
func (c *Channel) Write(offset uint32, p []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}

	return c.a.WriteChunk(c.cpu, offset, p, c.session)
}

// Close releases the channel. Further operations fail with ErrClosed.
func (c *Channel) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return ErrClosed
	}

	return nil
}

// BatchOp is one register operation of a batch. For reads, Value receives
// the register content. For writes, Value is written unmasked.
type BatchOp struct {
	Offset uint32
	Write  bool
	Value  uint64
	Err    error
}

// Batch runs ops in order on the channel's CPU. Only privileged channels
// may batch. Every op is attempted and carries its own error, the
// returned error joins all of them.
func (c *Channel) Batch(ops []BatchOp) error {
	if c.isClosed() {
		return ErrClosed
	}

	if !c.session.Privileged {
		return sterror.E(sterror.Access, ErrOpBatch, ErrPermissionDenied, fmt.Sprintf("cpu %d: batch needs privilege", c.cpu))
	}

	var errs []error

	for i := range ops {
		op := &ops[i]

		if op.Write {
			op.Err = c.a.Write(c.cpu, op.Offset, op.Value, c.session)
		} else {
			op.Value, op.Err = c.a.Read(c.cpu, op.Offset, c.session)
		}

		if op.Err != nil {
			errs = append(errs, op.Err)
		}
	}

	if len(errs) > 0 {
		stlog.Debug("cpu %d: %d of %d batch operations failed", c.cpu, len(errs), len(ops))
	}

	return errors.Join(errs...)
}
