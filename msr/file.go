// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
	"system-transparency.org/msrsafe/sterror"
	"system-transparency.org/msrsafe/stlog"
)

// Operations used for raising Errors of this package.
const (
	ErrOpOpen  sterror.Op = "open"
	ErrOpRead  sterror.Op = "read"
	ErrOpWrite sterror.Op = "write"
)

// FileDevice accesses registers through one file per CPU, where the byte
// position in the file is the register offset and every register is
// Width bytes, little-endian. This is the layout of the Linux msr and
// msr_safe device nodes, and of plain files used as mock register files.
type FileDevice struct {
	pathFmt string

	mu    sync.Mutex
	files map[int]*os.File
}

var _ Device = &FileDevice{}
var _ Prober = &FileDevice{}

// ErrPathFormat is returned for device path templates that cannot be
// expanded per CPU.
var ErrPathFormat = errors.New("path template needs exactly one %d and no other verb")

// CheckPathFormat validates a per-CPU device path template.
func CheckPathFormat(pathFmt string) error {
	if strings.Count(pathFmt, "%d") != 1 || strings.Count(pathFmt, "%") != 1 {
		return fmt.Errorf("%w: %q", ErrPathFormat, pathFmt)
	}

	return nil
}

// NewFileDevice returns a FileDevice opening pathFmt with the CPU number
// substituted for its single %d verb.
func NewFileDevice(pathFmt string) (*FileDevice, error) {
	if err := CheckPathFormat(pathFmt); err != nil {
		return nil, sterror.E(sterror.Device, ErrOpOpen, err)
	}

	return &FileDevice{
		pathFmt: pathFmt,
		files:   make(map[int]*os.File),
	}, nil
}

// Path returns the device file of cpu.
func (d *FileDevice) Path(cpu int) string {
	return fmt.Sprintf(d.pathFmt, cpu)
}

// Present implements Prober.
func (d *FileDevice) Present(cpu int) bool {
	if cpu < 0 {
		return false
	}

	_, err := os.Stat(d.Path(cpu))

	return err == nil
}

func (d *FileDevice) open(cpu int) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.files[cpu]; ok {
		return f, nil
	}

	if cpu < 0 {
		return nil, sterror.E(sterror.Device, ErrOpOpen, ErrNoDevice, fmt.Sprintf("cpu %d", cpu))
	}

	path := d.Path(cpu)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrPermission) {
		stlog.Debug("%s: no write access, opening read-only", path)

		f, err = os.OpenFile(path, os.O_RDONLY, 0)
	}

	if err != nil {
		return nil, sterror.E(sterror.Device, ErrOpOpen, mapErrno(err), err.Error())
	}

	d.files[cpu] = f

	return f, nil
}

// Read implements Device.
func (d *FileDevice) Read(cpu int, offset uint32) (uint64, error) {
	reg := Register{CPU: cpu, Offset: offset}

	f, err := d.open(cpu)
	if err != nil {
		return 0, err
	}

	var buf [Width]byte

	n, err := unix.Pread(int(f.Fd()), buf[:], int64(offset))
	if err != nil {
		return 0, sterror.E(sterror.Device, ErrOpRead, mapErrno(err), fmt.Sprintf("%v: %v", reg, err))
	}

	if n != Width {
		return 0, sterror.E(sterror.Device, ErrOpRead, ErrShortIO, fmt.Sprintf("%v: got %d bytes", reg, n))
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write implements Device.
func (d *FileDevice) Write(cpu int, offset uint32, value uint64) error {
	reg := Register{CPU: cpu, Offset: offset}

	f, err := d.open(cpu)
	if err != nil {
		return err
	}

	var buf [Width]byte
	binary.LittleEndian.PutUint64(buf[:], value)

	n, err := unix.Pwrite(int(f.Fd()), buf[:], int64(offset))
	if err != nil {
		return sterror.E(sterror.Device, ErrOpWrite, mapErrno(err), fmt.Sprintf("%v: %v", reg, err))
	}

	if n != Width {
		return sterror.E(sterror.Device, ErrOpWrite, ErrShortIO, fmt.Sprintf("%v: wrote %d bytes", reg, n))
	}

	return nil
}

// Close closes all open device files.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error

	for cpu, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		delete(d.files, cpu)
	}

	return firstErr
}

func mapErrno(err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV):
		return ErrNoDevice
	case errors.Is(err, unix.EIO):
		return ErrRegister
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES), errors.Is(err, unix.EBADF):
		return ErrDenied
	default:
		return err
	}
}
