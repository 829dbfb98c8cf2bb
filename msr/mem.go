// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msr

import (
	"fmt"
	"sync"

	"system-transparency.org/msrsafe/sterror"
)

// MemDevice is an in-memory register file for a fixed number of CPUs.
// Only registers that were created with Set exist, any other offset
// fails like an unimplemented MSR does.
type MemDevice struct {
	mu     sync.Mutex
	numCPU int
	regs   map[Register]uint64
	faults map[Register]error
	reads  int
	writes int
}

var _ Device = &MemDevice{}
var _ Prober = &MemDevice{}

// NewMemDevice returns an empty register file for CPUs 0 to numCPU-1.
func NewMemDevice(numCPU int) *MemDevice {
	return &MemDevice{
		numCPU: numCPU,
		regs:   make(map[Register]uint64),
		faults: make(map[Register]error),
	}
}

// Present implements Prober.
func (m *MemDevice) Present(cpu int) bool {
	return cpu >= 0 && cpu < m.numCPU
}

// Set creates or overwrites a register behind the back of any accessor,
// as hardware or firmware would.
func (m *MemDevice) Set(cpu int, offset uint32, value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.regs[Register{CPU: cpu, Offset: offset}] = value
}

// Get returns the current register value and whether it exists.
func (m *MemDevice) Get(cpu int, offset uint32) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.regs[Register{CPU: cpu, Offset: offset}]

	return v, ok
}

// Fail makes every following access to the register return err.
// A nil err clears the fault.
func (m *MemDevice) Fail(cpu int, offset uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg := Register{CPU: cpu, Offset: offset}
	if err == nil {
		delete(m.faults, reg)

		return
	}

	m.faults[reg] = err
}

// Accesses returns the number of reads and writes served so far,
// including failed ones.
func (m *MemDevice) Accesses() (reads, writes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reads, m.writes
}

func (m *MemDevice) check(op sterror.Op, reg Register) error {
	if !m.Present(reg.CPU) {
		return sterror.E(sterror.Device, op, ErrNoDevice, reg.String())
	}

	if err, ok := m.faults[reg]; ok {
		return sterror.E(sterror.Device, op, err, reg.String())
	}

	if _, ok := m.regs[reg]; !ok {
		return sterror.E(sterror.Device, op, ErrRegister, fmt.Sprintf("%v: no such register", reg))
	}

	return nil
}

// Read implements Device.
func (m *MemDevice) Read(cpu int, offset uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++

	reg := Register{CPU: cpu, Offset: offset}
	if err := m.check(ErrOpRead, reg); err != nil {
		return 0, err
	}

	return m.regs[reg], nil
}

// Write implements Device.
func (m *MemDevice) Write(cpu int, offset uint32, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++

	reg := Register{CPU: cpu, Offset: offset}
	if err := m.check(ErrOpWrite, reg); err != nil {
		return err
	}

	m.regs[reg] = value

	return nil
}
