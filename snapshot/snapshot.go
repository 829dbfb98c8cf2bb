// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package snapshot saves and restores the whitelisted registers of a set
// of CPUs.
//
// A save reads every whitelisted offset on every CPU and keeps the bits of
// the offset's write mask. A restore writes those values back through the
// same whitelist as an unprivileged caller, so only write mask bits are
// ever changed and all other bits keep their live hardware value.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"system-transparency.org/msrsafe/access"
	"system-transparency.org/msrsafe/msr"
	"system-transparency.org/msrsafe/sterror"
	"system-transparency.org/msrsafe/stlog"
)

// Operations used for raising Errors of this package.
const (
	ErrOpNew       sterror.Op = "new engine"
	ErrOpSave      sterror.Op = "save"
	ErrOpRestore   sterror.Op = "restore"
	ErrOpMarshal   sterror.Op = "marshal"
	ErrOpUnmarshal sterror.Op = "unmarshal"
	ErrOpWriteFile sterror.Op = "write file"
	ErrOpReadFile  sterror.Op = "read file"
)

// Errors which may be raised and wrapped in this package.
var (
	ErrFormat   = errors.New("snapshot does not match policy or CPU set")
	ErrResource = errors.New("snapshot I/O failed")
	ErrInvalid  = errors.New("invalid snapshot setup")
)

// Engine saves and restores the registers an Accessor's whitelist names on
// a fixed, ordered set of CPUs.
type Engine struct {
	a        *access.Accessor
	cpus     []int
	parallel bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithParallelSave reads the CPUs concurrently during Save. The first
// failure still aborts the whole save.
func WithParallelSave() Option {
	return func(e *Engine) {
		e.parallel = true
	}
}

// New returns an Engine for the given CPUs, in the given order. The
// whitelist must not be empty and cpus must be non-empty, non-negative and
// free of duplicates.
func New(a *access.Accessor, cpus []int, opts ...Option) (*Engine, error) {
	if a == nil {
		return nil, sterror.E(sterror.Snapshot, ErrOpNew, ErrInvalid, "nil accessor")
	}

	if a.Policy().Len() == 0 {
		return nil, sterror.E(sterror.Snapshot, ErrOpNew, ErrInvalid, "whitelist is empty")
	}

	if len(cpus) == 0 {
		return nil, sterror.E(sterror.Snapshot, ErrOpNew, ErrInvalid, "no CPUs")
	}

	seen := make(map[int]bool, len(cpus))
	for _, cpu := range cpus {
		if cpu < 0 || seen[cpu] {
			return nil, sterror.E(sterror.Snapshot, ErrOpNew, ErrInvalid, fmt.Sprintf("bad CPU list %v", cpus))
		}

		seen[cpu] = true
	}

	e := &Engine{
		a:    a,
		cpus: append([]int(nil), cpus...),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// CPUs returns the CPU set in record order.
func (e *Engine) CPUs() []int {
	return append([]int(nil), e.cpus...)
}

var privileged = access.Session{Privileged: true}

// Save reads every whitelisted register on every CPU and returns the
// values masked with their write masks. Any failure aborts the save and
// no record is returned.
func (e *Engine) Save(ctx context.Context) (*Record, error) {
	entries := e.a.Policy().Entries()
	rec := NewRecord(e.a.Policy().Offsets(), len(e.cpus))

	saveCPU := func(ctx context.Context, ci int) error {
		cpu := e.cpus[ci]

		for oi, ent := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}

			v, err := e.a.Read(cpu, ent.Offset, privileged)
			if err != nil {
				return err
			}

			rec.Values[rec.index(oi, ci)] = v & ent.WriteMask
		}

		return nil
	}

	var err error

	if e.parallel {
		g, gctx := errgroup.WithContext(ctx)

		for ci := range e.cpus {
			ci := ci

			g.Go(func() error {
				return saveCPU(gctx, ci)
			})
		}

		err = g.Wait()
	} else {
		for ci := range e.cpus {
			if err = saveCPU(ctx, ci); err != nil {
				break
			}
		}
	}

	if err != nil {
		return nil, sterror.E(sterror.Snapshot, ErrOpSave, err)
	}

	stlog.Info("saved %d registers on %d CPUs", len(entries), len(e.cpus))

	return rec, nil
}

// SaveFile saves the registers and persists the record at path. On failure
// an existing file at path is left untouched.
func (e *Engine) SaveFile(ctx context.Context, path string) error {
	rec, err := e.Save(ctx)
	if err != nil {
		return err
	}

	return WriteFile(path, rec)
}

// Failure is a register that could not be restored.
type Failure struct {
	msr.Register
	Err error
}

// RestoreError lists the registers a restore failed on.
//
// If the restore was canceled, Stopped holds the context error and Next
// is the first register that was not attempted. Next and every register
// after it keep their current value.
type RestoreError struct {
	Failures  []Failure
	Attempted int
	Stopped   error
	Next      msr.Register
}

func (e *RestoreError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%d of %d registers not restored", len(e.Failures), e.Attempted)

	if e.Stopped != nil {
		fmt.Fprintf(&b, ", stopped before %v: %v", e.Next, e.Stopped)
	}

	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n%v: %v", f.Register, f.Err)
	}

	return b.String()
}

// Unwrap returns the errors of all failures and the cancellation cause.
func (e *RestoreError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}

	if e.Stopped != nil {
		errs = append(errs, e.Stopped)
	}

	return errs
}

var unprivileged = access.Session{}

// Restore writes rec back as an unprivileged caller: on every register
// only the bits of the write mask are set from rec. Offsets without
// writable bits are skipped.
//
// If rec does not match the whitelist or the CPU set, Restore fails with
// ErrFormat before touching any register. Otherwise every register is
// attempted and the failed ones are reported in a *RestoreError. A
// canceled ctx stops the restore with a *RestoreError as well.
func (e *Engine) Restore(ctx context.Context, rec *Record) error {
	if rec == nil {
		return sterror.E(sterror.Snapshot, ErrOpRestore, ErrFormat, "nil record")
	}

	entries := e.a.Policy().Entries()

	if err := rec.check(e.a.Policy().Offsets(), len(e.cpus)); err != nil {
		return sterror.E(sterror.Snapshot, ErrOpRestore, ErrFormat, err.Error())
	}

	rerr := &RestoreError{}

	for ci, cpu := range e.cpus {
		for oi, ent := range entries {
			if ent.WriteMask == 0 {
				continue
			}

			if err := ctx.Err(); err != nil {
				rerr.Stopped = err
				rerr.Next = msr.Register{CPU: cpu, Offset: ent.Offset}
				stlog.Warn("restore canceled before %v, %d registers attempted", rerr.Next, rerr.Attempted)

				return rerr
			}

			rerr.Attempted++

			if err := e.a.Write(cpu, ent.Offset, rec.Value(oi, ci), unprivileged); err != nil {
				stlog.Debug("restore cpu %d msr 0x%08x: %v", cpu, ent.Offset, err)
				rerr.Failures = append(rerr.Failures, Failure{
					Register: msr.Register{CPU: cpu, Offset: ent.Offset},
					Err:      err,
				})
			}
		}
	}

	if len(rerr.Failures) > 0 {
		return rerr
	}

	stlog.Info("restored %d registers on %d CPUs", rerr.Attempted, len(e.cpus))

	return nil
}

// RestoreFile loads the record at path and restores it.
func (e *Engine) RestoreFile(ctx context.Context, path string) error {
	rec, err := ReadFile(path, e.a.Policy().Offsets(), len(e.cpus))
	if err != nil {
		return err
	}

	return e.Restore(ctx, rec)
}
