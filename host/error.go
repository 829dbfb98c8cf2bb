// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package host exposes functionality to interact with the host machine.
package host

import (
	"errors"

	"system-transparency.org/msrsafe/sterror"
)

// Operations used for raising Errors of this package.
const (
	ErrOpAutodetect sterror.Op = "config autodetect"
	ErrOpPrivileged sterror.Op = "probe privilege"
	ErrOpCPUs       sterror.Op = "enumerate CPUs"
)

// Errors which may be raised and wrapped in this package.
var (
	ErrConfigNotFound = errors.New("no configuration found")
	ErrCapability     = errors.New("failed to read process capabilities")
	ErrNoCPUs         = errors.New("no CPUs found")
)
