// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msr

import (
	"fmt"
	"os"

	"github.com/fearful-symmetry/gomsr"
	"system-transparency.org/msrsafe/sterror"
)

// OneShotDevice opens the device node of a CPU for every single access and
// closes it right after, so no file descriptors are held between calls.
// The file layout is the same as for FileDevice.
type OneShotDevice struct {
	pathFmt string
}

var _ Device = &OneShotDevice{}
var _ Prober = &OneShotDevice{}

// NewOneShotDevice returns a OneShotDevice for the per-CPU path template
// pathFmt.
func NewOneShotDevice(pathFmt string) (*OneShotDevice, error) {
	if err := CheckPathFormat(pathFmt); err != nil {
		return nil, sterror.E(sterror.Device, ErrOpOpen, err)
	}

	return &OneShotDevice{pathFmt: pathFmt}, nil
}

// Present implements Prober.
func (d *OneShotDevice) Present(cpu int) bool {
	if cpu < 0 {
		return false
	}

	_, err := os.Stat(fmt.Sprintf(d.pathFmt, cpu))

	return err == nil
}

func (d *OneShotDevice) open(op sterror.Op, reg Register) (gomsr.MSRDev, error) {
	if !d.Present(reg.CPU) {
		return gomsr.MSRDev{}, sterror.E(sterror.Device, op, ErrNoDevice, reg.String())
	}

	dev, err := gomsr.MSRWithLocation(reg.CPU, d.pathFmt)
	if err != nil {
		return gomsr.MSRDev{}, sterror.E(sterror.Device, op, mapErrno(err), fmt.Sprintf("%v: %v", reg, err))
	}

	return dev, nil
}

// Read implements Device.
func (d *OneShotDevice) Read(cpu int, offset uint32) (uint64, error) {
	reg := Register{CPU: cpu, Offset: offset}

	dev, err := d.open(ErrOpRead, reg)
	if err != nil {
		return 0, err
	}
	defer dev.Close()

	v, err := dev.Read(int64(offset))
	if err != nil {
		return 0, sterror.E(sterror.Device, ErrOpRead, mapErrno(err), fmt.Sprintf("%v: %v", reg, err))
	}

	return v, nil
}

// Write implements Device.
func (d *OneShotDevice) Write(cpu int, offset uint32, value uint64) error {
	reg := Register{CPU: cpu, Offset: offset}

	dev, err := d.open(ErrOpWrite, reg)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.Write(int64(offset), value); err != nil {
		return sterror.E(sterror.Device, ErrOpWrite, mapErrno(err), fmt.Sprintf("%v: %v", reg, err))
	}

	return nil
}
