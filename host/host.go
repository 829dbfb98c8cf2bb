// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package host

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/sys/capability"
	"github.com/u-root/u-root/pkg/msr"
	"system-transparency.org/msrsafe/sterror"
	"system-transparency.org/msrsafe/stlog"
)

type capSet interface {
	Get(which capability.CapType, what capability.Cap) bool
}

// Hooks for tests.
var (
	loadCaps = func() (capSet, error) {
		caps, err := capability.NewPid2(0)
		if err != nil {
			return nil, err
		}

		if err := caps.Load(); err != nil {
			return nil, err
		}

		return caps, nil
	}
	allCPUs = msr.AllCPUs
)

// Privileged reports whether the calling process holds CAP_SYS_RAWIO in
// its effective set. Such a caller may access registers beyond the
// whitelist.
func Privileged() (bool, error) {
	caps, err := loadCaps()
	if err != nil {
		return false, sterror.E(sterror.Host, ErrOpPrivileged, ErrCapability, err.Error())
	}

	ok := caps.Get(capability.EFFECTIVE, capability.CAP_SYS_RAWIO)
	stlog.Debug("CAP_SYS_RAWIO effective: %t", ok)

	return ok, nil
}

// OnlineCPUs returns the CPUs that have a register device node, in
// ascending order.
//
// The CPU list comes from the stock msr driver nodes /dev/cpu/N/msr. If
// there are none, for example when only msr-safe is loaded, the nodes
// matching the per-CPU path template pathFmt are probed instead. pathFmt
// may be empty to skip the fallback.
func OnlineCPUs(pathFmt string) ([]int, error) {
	found, err := allCPUs()
	if err == nil && len(found) > 0 {
		cpus := make([]int, 0, len(found))
		for _, c := range found {
			cpus = append(cpus, int(c))
		}

		sort.Ints(cpus)
		stlog.Debug("online CPUs: %s", fmt.Sprint(cpus))

		return cpus, nil
	}

	if err != nil {
		stlog.Debug("stock msr nodes: %v", err)
	}

	cpus := probeCPUs(pathFmt)
	if len(cpus) == 0 {
		info := "no register device nodes"
		if pathFmt != "" {
			info += " at " + pathFmt
		}

		return nil, sterror.E(sterror.Host, ErrOpCPUs, ErrNoCPUs, info)
	}

	stlog.Debug("CPUs with %s: %s", pathFmt, fmt.Sprint(cpus))

	return cpus, nil
}

// probeCPUs returns the CPUs whose node exists at pathFmt, which must hold
// exactly one %d.
func probeCPUs(pathFmt string) []int {
	if strings.Count(pathFmt, "%d") != 1 {
		return nil
	}

	matches, err := filepath.Glob(strings.Replace(pathFmt, "%d", "*", 1))
	if err != nil {
		return nil
	}

	var cpus []int

	for _, m := range matches {
		var cpu int
		if _, err := fmt.Sscanf(m, pathFmt, &cpu); err != nil {
			continue
		}

		// Reject spellings like leading zeros.
		if cpu < 0 || fmt.Sprintf(pathFmt, cpu) != m {
			continue
		}

		cpus = append(cpus, cpu)
	}

	sort.Ints(cpus)

	return cpus
}
