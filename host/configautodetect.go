// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package host

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"system-transparency.org/msrsafe/sterror"
	"system-transparency.org/msrsafe/stlog"
)

// Sources used by ConfigAutodetect.
const (
	ConfigEnvVar      = "MSRSAFE_CONFIG"
	ConfigDefaultPath = "/etc/msrsafe/config.json"
)

type configLoader interface {
	probe() (io.Reader, error)
	info() string
}

// ConfigAutodetect looks for a configuration in following order:
//   - at path explicit, if not empty
//   - at the path named by the environment variable ConfigEnvVar
//   - at ConfigDefaultPath
//
// It returns the content of the first readable source. In case there is no
// match an ErrConfigNotFound is returned.
// Note: No validation is made on found configuration.
func ConfigAutodetect(explicit string) (io.Reader, error) {
	var loadingOrder = []configLoader{
		&file{path: explicit, origin: "command line"},
		&file{path: os.Getenv(ConfigEnvVar), origin: "$" + ConfigEnvVar},
		&file{path: ConfigDefaultPath, origin: "default location"},
	}

	stlog.Debug("Configuration autodetect")

	for _, loader := range loadingOrder {
		stlog.Debug(loader.info())

		ret, err := loader.probe()
		if err != nil {
			stlog.Debug(err.Error())

			continue
		}

		if ret == nil {
			stlog.Debug("invalid source: nil reader")

			continue
		}

		return ret, nil
	}

	return nil, sterror.E(sterror.Host, ErrOpAutodetect, ErrConfigNotFound)
}

type file struct {
	path   string
	origin string
}

var _ configLoader = &file{}

func (f *file) probe() (io.Reader, error) {
	if f.path == "" {
		return nil, fmt.Errorf("%s: not set", f.origin)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(data), nil
}

func (f *file) info() string {
	if f.path == "" {
		return fmt.Sprintf("Probing %s", f.origin)
	}

	return fmt.Sprintf("Probing %s at %s", f.origin, f.path)
}
