// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package access enforces a whitelist on raw MSR access.
//
// Unprivileged reads are limited to whitelisted offsets. Unprivileged
// writes only change the bits in the offset's write mask, all other bits
// keep the value currently on the hardware. A privileged session bypasses
// the whitelist entirely.
package access

import (
	"errors"
	"fmt"

	"system-transparency.org/msrsafe/msr"
	"system-transparency.org/msrsafe/sterror"
	"system-transparency.org/msrsafe/stlog"
	"system-transparency.org/msrsafe/whitelist"
)

// Operations used for raising Errors of this package.
const (
	ErrOpNew   sterror.Op = "new accessor"
	ErrOpOpen  sterror.Op = "open"
	ErrOpRead  sterror.Op = "read"
	ErrOpWrite sterror.Op = "write"
	ErrOpBatch sterror.Op = "batch"
)

// Errors which may be raised and wrapped in this package.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrHardwareFault    = errors.New("hardware fault")
	ErrLock             = errors.New("register lock unavailable")
)

// AllBits is the write mask of a privileged session.
const AllBits = ^uint64(0)

// Session carries the authority of one caller. It is passed explicitly to
// every access, there is no ambient privilege.
type Session struct {
	// Privileged callers bypass the whitelist.
	Privileged bool
}

// String implements fmt.Stringer.
func (s Session) String() string {
	if s.Privileged {
		return "privileged"
	}

	return "unprivileged"
}

// RegisterError is the error returned for a failed access to one register.
type RegisterError struct {
	Op       sterror.Op
	Register msr.Register
	// Kind is one of ErrPermissionDenied, ErrHardwareFault or ErrLock.
	Kind error
	// Err is the underlying device error, if any.
	Err error
}

func (e *RegisterError) Error() string {
	s := fmt.Sprintf("%s %v: %v", e.Op, e.Register, e.Kind)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}

	return s
}

// Unwrap lets errors.Is match both the kind and the device error.
func (e *RegisterError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

func denied(op sterror.Op, cpu int, offset uint32) error {
	return &RegisterError{Op: op, Register: msr.Register{CPU: cpu, Offset: offset}, Kind: ErrPermissionDenied}
}

func fault(op sterror.Op, cpu int, offset uint32, err error) error {
	return &RegisterError{Op: op, Register: msr.Register{CPU: cpu, Offset: offset}, Kind: ErrHardwareFault, Err: err}
}

// Accessor applies a whitelist to a raw register device. It is safe for
// concurrent use by any number of sessions.
type Accessor struct {
	policy  *whitelist.Table
	dev     msr.Device
	locks   *registerLocks
	lockDir string
}

// Option configures an Accessor.
type Option func(*Accessor) error

// WithLockDir makes masked writes additionally hold a per-CPU lock file in
// dir, serializing read-modify-write cycles with other processes using the
// same directory.
func WithLockDir(dir string) Option {
	return func(a *Accessor) error {
		if dir == "" {
			return errors.New("empty lock directory")
		}

		a.lockDir = dir

		return nil
	}
}

// New returns an Accessor enforcing policy on dev.
func New(policy *whitelist.Table, dev msr.Device, opts ...Option) (*Accessor, error) {
	if policy == nil {
		return nil, sterror.E(sterror.Access, ErrOpNew, ErrInvalidArgument, "nil policy")
	}

	if dev == nil {
		return nil, sterror.E(sterror.Access, ErrOpNew, ErrInvalidArgument, "nil device")
	}

	a := &Accessor{
		policy: policy,
		dev:    dev,
		locks:  newRegisterLocks(),
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, sterror.E(sterror.Access, ErrOpNew, ErrInvalidArgument, err.Error())
		}
	}

	return a, nil
}

// Policy returns the whitelist in force.
func (a *Accessor) Policy() *whitelist.Table {
	return a.policy
}

// WriteMask returns the bits of offset that s may change.
func (a *Accessor) WriteMask(offset uint32, s Session) uint64 {
	if s.Privileged {
		return AllBits
	}

	return a.policy.WriteMask(offset)
}

// Read returns the value of the register at offset on cpu.
func (a *Accessor) Read(cpu int, offset uint32, s Session) (uint64, error) {
	if !s.Privileged && !a.policy.ReadAllowed(offset) {
		stlog.Debug("%s read of %v denied", s, msr.Register{CPU: cpu, Offset: offset})

		return 0, denied(ErrOpRead, cpu, offset)
	}

	v, err := a.dev.Read(cpu, offset)
	if err != nil {
		return 0, fault(ErrOpRead, cpu, offset, err)
	}

	return v, nil
}

// Write sets the bits of the register at offset on cpu that s may change to
// the corresponding bits of value. Other bits keep their hardware value.
//
// Concurrent writes to the same register through this Accessor are
// serialized.
func (a *Accessor) Write(cpu int, offset uint32, value uint64, s Session) error {
	mask := a.WriteMask(offset, s)
	if !s.Privileged && mask == 0 {
		stlog.Debug("%s write of %v denied", s, msr.Register{CPU: cpu, Offset: offset})

		return denied(ErrOpWrite, cpu, offset)
	}

	unlock, err := a.lock(cpu, offset)
	if err != nil {
		return err
	}
	defer unlock()

	return a.writeLocked(cpu, offset, value, mask)
}

func (a *Accessor) writeLocked(cpu int, offset uint32, value, mask uint64) error {
	if mask != AllBits {
		cur, err := a.dev.Read(cpu, offset)
		if err != nil {
			return fault(ErrOpWrite, cpu, offset, err)
		}

		value = Merge(cur, value, mask)
	}

	if err := a.dev.Write(cpu, offset, value); err != nil {
		return fault(ErrOpWrite, cpu, offset, err)
	}

	return nil
}

// Merge returns cur with the bits selected by mask replaced by those of value.
func Merge(cur, value, mask uint64) uint64 {
	return (cur &^ mask) | (value & mask)
}
