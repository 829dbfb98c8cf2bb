// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package access

import (
	"encoding/binary"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"system-transparency.org/msrsafe/msr"
	"system-transparency.org/msrsafe/stlog"
	"system-transparency.org/msrsafe/whitelist"
)

func TestMain(m *testing.M) {
	flag.Parse()

	if !testing.Verbose() {
		stlog.SetLevel(stlog.ErrorLevel)
	}

	os.Exit(m.Run())
}

const (
	offReadOnly  uint32 = 0x1a0
	offLowByte   uint32 = 0x199
	offWide      uint32 = 0x610
	offForbidden uint32 = 0x10
)

var (
	unprivileged = Session{}
	privileged   = Session{Privileged: true}
)

func testPolicy(t *testing.T) *whitelist.Table {
	t.Helper()

	tbl, err := whitelist.New(
		whitelist.Entry{Offset: offReadOnly, WriteMask: 0},
		whitelist.Entry{Offset: offLowByte, WriteMask: 0xff},
		whitelist.Entry{Offset: offWide, WriteMask: 0x0fffffffffffffff},
	)
	require.NoError(t, err)

	return tbl
}

func testAccessor(t *testing.T, dev msr.Device, opts ...Option) *Accessor {
	t.Helper()

	a, err := New(testPolicy(t), dev, opts...)
	require.NoError(t, err)

	return a
}

func seedValue(off uint32) uint64 {
	return 0xdeadbeef00000000 | uint64(off)
}

func seeded(numCPU int) *msr.MemDevice {
	dev := msr.NewMemDevice(numCPU)
	for cpu := 0; cpu < numCPU; cpu++ {
		for _, off := range []uint32{offReadOnly, offLowByte, offWide, offForbidden} {
			dev.Set(cpu, off, seedValue(off))
		}
	}

	return dev
}

func TestNew(t *testing.T) {
	_, err := New(nil, msr.NewMemDevice(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(testPolicy(t), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(testPolicy(t), msr.NewMemDevice(1), WithLockDir(""))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUnlistedOffsetDenied(t *testing.T) {
	dev := seeded(1)
	a := testAccessor(t, dev)

	_, err := a.Read(0, offForbidden, unprivileged)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	err = a.Write(0, offForbidden, 1, unprivileged)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	err = a.Write(0, offReadOnly, 1, unprivileged)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	reads, writes := dev.Accesses()
	assert.Zero(t, reads, "no hardware read expected")
	assert.Zero(t, writes, "no hardware write expected")

	var regErr *RegisterError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, msr.Register{CPU: 0, Offset: offReadOnly}, regErr.Register)
}

func TestPrivilegedBypassesWhitelist(t *testing.T) {
	dev := seeded(1)
	a := testAccessor(t, dev)

	v, err := a.Read(0, offForbidden, privileged)
	require.NoError(t, err)
	assert.Equal(t, seedValue(offForbidden), v)

	require.NoError(t, a.Write(0, offForbidden, 0x1234, privileged))

	got, _ := dev.Get(0, offForbidden)
	assert.Equal(t, uint64(0x1234), got)

	reads, writes := dev.Accesses()
	assert.Equal(t, 1, reads, "privileged write must not read back")
	assert.Equal(t, 1, writes)
}

func TestMaskedWrite(t *testing.T) {
	values := []uint64{0, ^uint64(0), 0x5555555555555555, 0xaaaaaaaaaaaaaaaa, 0x0123456789abcdef}

	for _, off := range []uint32{offLowByte, offWide} {
		for _, old := range values {
			for _, v := range values {
				dev := msr.NewMemDevice(1)
				dev.Set(0, off, old)
				a := testAccessor(t, dev)

				require.NoError(t, a.Write(0, off, v, unprivileged))

				got, err := a.Read(0, off, privileged)
				require.NoError(t, err)

				m := a.Policy().WriteMask(off)
				assert.Equal(t, (old&^m)|(v&m), got, "offset %#x old %#x value %#x", off, old, v)
			}
		}
	}
}

func TestMerge(t *testing.T) {
	assert.Equal(t, uint64(0xf0f0_0000_0000_00ab), Merge(0xf0f0_0000_0000_0011, 0xffff_ffff_ffff_ffab, 0xff))
	assert.Equal(t, uint64(0x1234), Merge(0xffff, 0x1234, AllBits))
	assert.Equal(t, uint64(0xffff), Merge(0xffff, 0x1234, 0))
}

func TestWriteMask(t *testing.T) {
	a := testAccessor(t, msr.NewMemDevice(1))

	assert.Equal(t, AllBits, a.WriteMask(offForbidden, privileged))
	assert.Equal(t, uint64(0xff), a.WriteMask(offLowByte, unprivileged))
	assert.Zero(t, a.WriteMask(offForbidden, unprivileged))
}

func TestHardwareFault(t *testing.T) {
	dev := seeded(2)
	errGone := errors.New("gone")
	dev.Fail(1, offWide, errGone)
	a := testAccessor(t, dev)

	_, err := a.Read(1, offWide, unprivileged)
	require.ErrorIs(t, err, ErrHardwareFault)
	assert.ErrorIs(t, err, errGone)

	var regErr *RegisterError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, 1, regErr.Register.CPU)
	assert.Equal(t, offWide, regErr.Register.Offset)

	err = a.Write(1, offWide, 0, unprivileged)
	assert.ErrorIs(t, err, ErrHardwareFault)

	_, err = a.Read(5, offWide, unprivileged)
	assert.ErrorIs(t, err, ErrHardwareFault)
	assert.ErrorIs(t, err, msr.ErrNoDevice)
}

// writeFailDevice lets the read half of a read-modify-write succeed and
// fails the write half.
type writeFailDevice struct {
	*msr.MemDevice
}

func (d writeFailDevice) Write(int, uint32, uint64) error {
	return msr.ErrRegister
}

func TestFailedWriteHalf(t *testing.T) {
	dev := seeded(1)
	a := testAccessor(t, writeFailDevice{dev})

	err := a.Write(0, offLowByte, 0x42, unprivileged)
	assert.ErrorIs(t, err, ErrHardwareFault)

	got, _ := dev.Get(0, offLowByte)
	assert.Equal(t, seedValue(offLowByte), got)
}

// overlapDevice counts reads that arrive while another read-modify-write
// cycle on the same register is still open.
type overlapDevice struct {
	*msr.MemDevice

	mu       sync.Mutex
	inflight map[msr.Register]bool
	overlaps int
}

func (d *overlapDevice) Read(cpu int, offset uint32) (uint64, error) {
	reg := msr.Register{CPU: cpu, Offset: offset}

	d.mu.Lock()
	if d.inflight[reg] {
		d.overlaps++
	}
	d.inflight[reg] = true
	d.mu.Unlock()

	time.Sleep(50 * time.Microsecond)

	return d.MemDevice.Read(cpu, offset)
}

func (d *overlapDevice) Write(cpu int, offset uint32, value uint64) error {
	d.mu.Lock()
	d.inflight[msr.Register{CPU: cpu, Offset: offset}] = false
	d.mu.Unlock()

	return d.MemDevice.Write(cpu, offset, value)
}

func TestConcurrentMaskedWritesSerialized(t *testing.T) {
	dev := &overlapDevice{MemDevice: seeded(2), inflight: make(map[msr.Register]bool)}
	a := testAccessor(t, dev, WithLockDir(t.TempDir()))

	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)

		go func(g int) {
			defer wg.Done()

			for i := 0; i < 20; i++ {
				assert.NoError(t, a.Write(g%2, offLowByte, uint64(g), unprivileged))
			}
		}(g)
	}

	wg.Wait()

	assert.Zero(t, dev.overlaps, "read-modify-write cycles interleaved")
}

func TestLockDir(t *testing.T) {
	dir := t.TempDir()
	a := testAccessor(t, seeded(1), WithLockDir(dir))

	require.NoError(t, a.Write(0, offLowByte, 1, unprivileged))
	assert.FileExists(t, filepath.Join(dir, "cpu0.lock"))

	b := testAccessor(t, seeded(1), WithLockDir(filepath.Join(dir, "missing")))
	err := b.Write(0, offLowByte, 1, unprivileged)
	assert.ErrorIs(t, err, ErrLock)
}

func TestChunkSize(t *testing.T) {
	dev := seeded(1)
	a := testAccessor(t, dev)

	for _, size := range []int{1, 7, 9, 12, 15} {
		n, err := a.WriteChunk(0, offLowByte, make([]byte, size), unprivileged)
		assert.Zero(t, n)
		assert.ErrorIs(t, err, ErrInvalidArgument, "size %d", size)

		n, err = a.ReadChunk(0, offLowByte, make([]byte, size), unprivileged)
		assert.Zero(t, n)
		assert.ErrorIs(t, err, ErrInvalidArgument, "size %d", size)
	}

	reads, writes := dev.Accesses()
	assert.Zero(t, reads)
	assert.Zero(t, writes)
}

func TestChunkedReadWrite(t *testing.T) {
	dev := seeded(1)
	a := testAccessor(t, dev)

	buf := make([]byte, 3*msr.Width)
	n, err := a.ReadChunk(0, offLowByte, buf, unprivileged)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	for i := 0; i < 3; i++ {
		assert.Equal(t, seedValue(offLowByte), binary.LittleEndian.Uint64(buf[i*msr.Width:]))
	}

	in := make([]byte, 2*msr.Width)
	binary.LittleEndian.PutUint64(in[0:], 0x11)
	binary.LittleEndian.PutUint64(in[msr.Width:], 0xffffffffffffff22)

	n, err = a.WriteChunk(0, offLowByte, in, unprivileged)
	require.NoError(t, err)
	assert.Equal(t, len(in), n)

	// Both chunks go to the same register, bit 8 of the seed survives.
	got, _ := dev.Get(0, offLowByte)
	assert.Equal(t, Merge(seedValue(offLowByte), 0x22, 0xff), got)
	assert.Equal(t, uint64(0xdeadbeef00000122), got)

	n, err = a.ReadChunk(0, offForbidden, buf, unprivileged)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	n, err = a.WriteChunk(0, offReadOnly, in, unprivileged)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	n, err = a.ReadChunk(0, offLowByte, nil, unprivileged)
	assert.Zero(t, n)
	assert.NoError(t, err)
}

// failAfterDevice serves the first n accesses and fails all others.
type failAfterDevice struct {
	*msr.MemDevice

	mu sync.Mutex
	n  int
}

func (d *failAfterDevice) take() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.n--

	return d.n >= 0
}

func (d *failAfterDevice) Read(cpu int, offset uint32) (uint64, error) {
	if !d.take() {
		return 0, msr.ErrRegister
	}

	return d.MemDevice.Read(cpu, offset)
}

func (d *failAfterDevice) Write(cpu int, offset uint32, value uint64) error {
	if !d.take() {
		return msr.ErrRegister
	}

	return d.MemDevice.Write(cpu, offset, value)
}

func TestChunkPartialProgress(t *testing.T) {
	a := testAccessor(t, &failAfterDevice{MemDevice: seeded(1), n: 2})

	n, err := a.ReadChunk(0, offWide, make([]byte, 4*msr.Width), unprivileged)
	assert.NoError(t, err)
	assert.Equal(t, 2*msr.Width, n)

	// Each masked write costs a read and a write.
	b := testAccessor(t, &failAfterDevice{MemDevice: seeded(1), n: 3})

	n, err = b.WriteChunk(0, offWide, make([]byte, 4*msr.Width), unprivileged)
	assert.NoError(t, err)
	assert.Equal(t, msr.Width, n)

	c := testAccessor(t, &failAfterDevice{MemDevice: seeded(1), n: 0})

	n, err = c.WriteChunk(0, offWide, make([]byte, 4*msr.Width), unprivileged)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrHardwareFault)
}
