// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package access

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"system-transparency.org/msrsafe/msr"
)

// registerLocks hands out one mutex per register. Entries are never
// removed, the set of registers touched by a process is small.
type registerLocks struct {
	mu sync.Mutex
	m  map[msr.Register]*sync.Mutex
}

func newRegisterLocks() *registerLocks {
	return &registerLocks{m: make(map[msr.Register]*sync.Mutex)}
}

func (l *registerLocks) get(reg msr.Register) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.m[reg]
	if !ok {
		m = &sync.Mutex{}
		l.m[reg] = m
	}

	return m
}

// lock serializes read-modify-write cycles on one register. With a lock
// directory the CPU's lock file is taken as well. Every call opens its own
// file description, so goroutines of this process exclude each other on
// the file lock just like other processes do.
func (a *Accessor) lock(cpu int, offset uint32) (func(), error) {
	m := a.locks.get(msr.Register{CPU: cpu, Offset: offset})
	m.Lock()

	if a.lockDir == "" {
		return m.Unlock, nil
	}

	fl := flock.New(filepath.Join(a.lockDir, fmt.Sprintf("cpu%d.lock", cpu)))
	if err := fl.Lock(); err != nil {
		m.Unlock()

		return nil, &RegisterError{
			Op:       ErrOpWrite,
			Register: msr.Register{CPU: cpu, Offset: offset},
			Kind:     ErrLock,
			Err:      err,
		}
	}

	return func() {
		_ = fl.Unlock()
		m.Unlock()
	}, nil
}
