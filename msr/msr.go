// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package msr provides raw model specific register access per CPU.
//
// Nothing in here applies policy. Callers that need masking and
// whitelisting go through package access.
package msr

import (
	"errors"
	"fmt"
)

// Width is the size of one register in bytes.
const Width = 8

// Default device node templates, %d is replaced with the CPU number.
const (
	SafeDevicePath   = "/dev/cpu/%d/msr_safe"
	KernelDevicePath = "/dev/cpu/%d/msr"
)

// Errors which may be raised and wrapped in this package.
var (
	ErrNoDevice = errors.New("no MSR device for CPU")
	ErrRegister = errors.New("register access rejected by CPU")
	ErrDenied   = errors.New("MSR device denied access")
	ErrShortIO  = errors.New("short register transfer")
)

// Device is the raw per-CPU register primitive.
//
// Implementations must be safe for concurrent use. They do not retry:
// a failed access means the register or CPU is not there, not that the
// access should be tried again.
type Device interface {
	Read(cpu int, offset uint32) (uint64, error)
	Write(cpu int, offset uint32, value uint64) error
}

// Prober is implemented by devices that can tell whether a CPU is reachable.
type Prober interface {
	Present(cpu int) bool
}

// Register identifies one register on one CPU.
type Register struct {
	CPU    int
	Offset uint32
}

// String implements fmt.Stringer.
func (r Register) String() string {
	return fmt.Sprintf("cpu %d msr 0x%08x", r.CPU, r.Offset)
}
