// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"

	"system-transparency.org/msrsafe/access"
	"system-transparency.org/msrsafe/snapshot"
	"system-transparency.org/msrsafe/whitelist"
)

// Exit codes.
const (
	exitOK = iota
	exitFailure
	exitParse
	exitPermission
	exitInvalidArgument
	exitHardware
	exitFormat
	exitResource
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, whitelist.ErrParse),
		errors.Is(err, whitelist.ErrEmpty),
		errors.Is(err, whitelist.ErrDuplicate),
		errors.Is(err, whitelist.ErrShortRead):
		return exitParse
	case errors.Is(err, access.ErrPermissionDenied):
		return exitPermission
	case errors.Is(err, access.ErrInvalidArgument):
		return exitInvalidArgument
	case errors.Is(err, access.ErrHardwareFault):
		return exitHardware
	case errors.Is(err, snapshot.ErrFormat):
		return exitFormat
	case errors.Is(err, snapshot.ErrResource), errors.Is(err, whitelist.ErrResource):
		return exitResource
	default:
		return exitFailure
	}
}
