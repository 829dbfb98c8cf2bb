// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package host

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/moby/sys/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/u-root/u-root/pkg/msr"
)

type fakeCaps map[capability.Cap]bool

func (f fakeCaps) Get(which capability.CapType, what capability.Cap) bool {
	return which == capability.EFFECTIVE && f[what]
}

func stubCaps(t *testing.T, caps capSet, err error) {
	t.Helper()

	orig := loadCaps
	loadCaps = func() (capSet, error) { return caps, err }

	t.Cleanup(func() { loadCaps = orig })
}

func stubCPUs(t *testing.T, cpus msr.CPUs, err error) {
	t.Helper()

	orig := allCPUs
	allCPUs = func() (msr.CPUs, error) { return cpus, err }

	t.Cleanup(func() { allCPUs = orig })
}

func TestPrivileged(t *testing.T) {
	tests := []struct {
		name    string
		caps    capSet
		err     error
		want    bool
		wantErr error
	}{
		{
			name: "raw I/O capability",
			caps: fakeCaps{capability.CAP_SYS_RAWIO: true},
			want: true,
		},
		{
			name: "other capabilities only",
			caps: fakeCaps{capability.CAP_SYS_ADMIN: true},
			want: false,
		},
		{
			name:    "capabilities unavailable",
			err:     errors.New("no proc"),
			wantErr: ErrCapability,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubCaps(t, tt.caps, tt.err)

			got, err := Privileged()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrivilegedLive(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root")
	}

	ok, err := Privileged()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOnlineCPUs(t *testing.T) {
	stubCPUs(t, msr.CPUs{3, 0, 2, 1}, nil)

	cpus, err := OnlineCPUs("")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, cpus)
}

func TestOnlineCPUsFromDevicePath(t *testing.T) {
	dir := t.TempDir()
	pathFmt := filepath.Join(dir, "cpu%d", "msr_safe")

	for _, name := range []string{"cpu0", "cpu1", "cpu10", "cpu2", "cpu03", "cpux", "cpu5"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o700))
	}

	for _, name := range []string{"cpu0", "cpu1", "cpu10", "cpu2", "cpu03", "cpux"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name, "msr_safe"), nil, 0o600))
	}

	for _, stub := range []struct {
		cpus msr.CPUs
		err  error
	}{
		{nil, nil},
		{nil, errors.New("no /dev/cpu")},
	} {
		stubCPUs(t, stub.cpus, stub.err)

		cpus, err := OnlineCPUs(pathFmt)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 10}, cpus)
	}

	stubCPUs(t, msr.CPUs{7}, nil)

	cpus, err := OnlineCPUs(pathFmt)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, cpus, "stock nodes take precedence")
}

func TestOnlineCPUsNone(t *testing.T) {
	stubCPUs(t, nil, nil)

	_, err := OnlineCPUs("")
	assert.ErrorIs(t, err, ErrNoCPUs)

	stubCPUs(t, nil, errors.New("no /dev/cpu"))

	_, err = OnlineCPUs(filepath.Join(t.TempDir(), "msr.%d"))
	assert.ErrorIs(t, err, ErrNoCPUs)
}

func TestConfigAutodetect(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "explicit.json")
	env := filepath.Join(dir, "env.json")

	require.NoError(t, os.WriteFile(explicit, []byte("explicit"), 0o600))
	require.NoError(t, os.WriteFile(env, []byte("env"), 0o600))

	tests := []struct {
		name     string
		explicit string
		env      string
		want     string
	}{
		{
			name:     "explicit path wins",
			explicit: explicit,
			env:      env,
			want:     "explicit",
		},
		{
			name: "environment",
			env:  env,
			want: "env",
		},
		{
			name:     "unreadable explicit path falls through",
			explicit: filepath.Join(dir, "missing.json"),
			env:      env,
			want:     "env",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(ConfigEnvVar, tt.env)

			r, err := ConfigAutodetect(tt.explicit)
			require.NoError(t, err)

			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestConfigAutodetectNotFound(t *testing.T) {
	if _, err := os.Stat(ConfigDefaultPath); err == nil {
		t.Skipf("%s exists on this machine", ConfigDefaultPath)
	}

	t.Setenv(ConfigEnvVar, "")

	_, err := ConfigAutodetect(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}
