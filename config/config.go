// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the tool configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"system-transparency.org/msrsafe/internal/jsonutil"
	"system-transparency.org/msrsafe/msr"
	"system-transparency.org/msrsafe/sterror"
	"system-transparency.org/msrsafe/stlog"
)

// Operations used for raising Errors of this package.
const (
	ErrOpLoad sterror.Op = "load"
)

var (
	ErrMissingJSONKey    = errors.New("missing JSON key")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingWhitelist  = errors.New("whitelist path must not be empty")
	ErrInvalidDevicePath = errors.New("invalid device path")
	ErrInvalidCPUs       = errors.New("CPU list must be null or non-empty, non-negative and unique")
	ErrInvalidLockDir    = errors.New("lock directory must be null or non-empty")
	ErrInvalidLogLevel   = errors.New("unknown log level")
)

// Config stores the tool configuration. All keys need to be present in
// JSON. CPUs and LockDir may be null.
type Config struct {
	WhitelistPath string         `json:"whitelist_path"`
	DevicePath    string         `json:"device_path"`
	CPUs          []int          `json:"cpus"`
	LockDir       *string        `json:"lock_dir"`
	ParallelSave  bool           `json:"parallel_save"`
	LogLevel      stlog.LogLevel `json:"log_level"`
}

type config struct {
	WhitelistPath string  `json:"whitelist_path"`
	DevicePath    string  `json:"device_path"`
	CPUs          []int   `json:"cpus"`
	LockDir       *string `json:"lock_dir"`
	ParallelSave  bool    `json:"parallel_save"`
	LogLevel      string  `json:"log_level"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	return Config{
		WhitelistPath: "/etc/msr-safe/whitelist",
		DevicePath:    msr.SafeDevicePath,
		LogLevel:      stlog.InfoLevel,
	}
}

// Load decodes and validates a configuration from r.
func Load(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, sterror.E(sterror.Config, ErrOpLoad, err.Error())
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		if !errors.Is(err, ErrInvalidConfig) {
			err = fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}

		return Config{}, sterror.E(sterror.Config, ErrOpLoad, err)
	}

	return c, nil
}

// MarshalJSON implements json.Marshaler.
func (c Config) MarshalJSON() ([]byte, error) {
	alias := config{
		WhitelistPath: c.WhitelistPath,
		DevicePath:    c.DevicePath,
		CPUs:          c.CPUs,
		LockDir:       c.LockDir,
		ParallelSave:  c.ParallelSave,
		LogLevel:      c.LogLevel.String(),
	}

	return json.Marshal(alias)
}

// UnmarshalJSON implements json.Unmarshaler.
//
// All fields of Config need to be present in JSON. Invalid content leaves
// c zeroed.
func (c *Config) UnmarshalJSON(data []byte) error {
	missing, err := jsonutil.MissingKeys(data, c)
	if err != nil {
		*c = Config{}

		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if len(missing) > 0 {
		stlog.Debug("All fields of the config are expected to be set or null. Missing json keys %q", missing)
		*c = Config{}

		return fmt.Errorf("%w: %w %s", ErrInvalidConfig, ErrMissingJSONKey, strings.Join(missing, ", "))
	}

	alias := config{}
	if err := json.Unmarshal(data, &alias); err != nil {
		*c = Config{}

		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	level, err := stlog.ParseLevel(alias.LogLevel)
	if err != nil {
		*c = Config{}

		return fmt.Errorf("%w: %w %q", ErrInvalidConfig, ErrInvalidLogLevel, alias.LogLevel)
	}

	c.WhitelistPath = alias.WhitelistPath
	c.DevicePath = alias.DevicePath
	c.CPUs = alias.CPUs
	c.LockDir = alias.LockDir
	c.ParallelSave = alias.ParallelSave
	c.LogLevel = level

	if err := c.Validate(); err != nil {
		*c = Config{}

		return err
	}

	return nil
}

// Validate checks c. The returned error wraps ErrInvalidConfig and the
// specific reason.
func (c *Config) Validate() error {
	var validationSet = []func(*Config) error{
		checkWhitelistPath,
		checkDevicePath,
		checkCPUs,
		checkLockDir,
	}

	for _, f := range validationSet {
		if err := f(c); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	return nil
}

func checkWhitelistPath(cfg *Config) error {
	if cfg.WhitelistPath == "" {
		return ErrMissingWhitelist
	}

	return nil
}

func checkDevicePath(cfg *Config) error {
	if err := msr.CheckPathFormat(cfg.DevicePath); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDevicePath, err)
	}

	return nil
}

func checkCPUs(cfg *Config) error {
	if cfg.CPUs == nil {
		return nil
	}

	if len(cfg.CPUs) == 0 {
		return ErrInvalidCPUs
	}

	seen := make(map[int]bool, len(cfg.CPUs))
	for _, cpu := range cfg.CPUs {
		if cpu < 0 || seen[cpu] {
			return fmt.Errorf("%w: %v", ErrInvalidCPUs, cfg.CPUs)
		}

		seen[cpu] = true
	}

	return nil
}

func checkLockDir(cfg *Config) error {
	if cfg.LockDir != nil && *cfg.LockDir == "" {
		return ErrInvalidLockDir
	}

	return nil
}
