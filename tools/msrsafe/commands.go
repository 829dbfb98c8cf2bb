// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"system-transparency.org/msrsafe/access"
	"system-transparency.org/msrsafe/config"
	"system-transparency.org/msrsafe/host"
	"system-transparency.org/msrsafe/msr"
	"system-transparency.org/msrsafe/snapshot"
	"system-transparency.org/msrsafe/stlog"
	"system-transparency.org/msrsafe/whitelist"
)

// overrides are command line values taking precedence over the
// configuration file. Zero values leave the configuration untouched.
type overrides struct {
	whitelist    string
	device       string
	cpus         []int
	lockDir      string
	logLevel     string
	parallel     bool
	unprivileged bool
	oneshot      bool
}

type env struct {
	cfg     config.Config
	dev     msr.Device
	acc     *access.Accessor
	session access.Session
	cpus    []int
}

func loadConfig(path string) (config.Config, error) {
	r, err := host.ConfigAutodetect(path)
	if err != nil {
		if path != "" || !errors.Is(err, host.ErrConfigNotFound) {
			return config.Config{}, err
		}

		stlog.Debug("no configuration file, using defaults")

		return config.Default(), nil
	}

	return config.Load(r)
}

func (o overrides) apply(cfg *config.Config) error {
	if o.whitelist != "" {
		cfg.WhitelistPath = o.whitelist
	}

	if o.device != "" {
		cfg.DevicePath = o.device
	}

	if len(o.cpus) > 0 {
		cfg.CPUs = o.cpus
	}

	if o.lockDir != "" {
		cfg.LockDir = &o.lockDir
	}

	if o.logLevel != "" {
		l, err := stlog.ParseLevel(o.logLevel)
		if err != nil {
			return fmt.Errorf("%w: %v", access.ErrInvalidArgument, err)
		}

		cfg.LogLevel = l
	}

	if o.parallel {
		cfg.ParallelSave = true
	}

	return cfg.Validate()
}

func setup(o overrides, cfgPath string) (*env, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	if err := o.apply(&cfg); err != nil {
		return nil, err
	}

	stlog.SetLevel(cfg.LogLevel)

	policy, err := whitelist.LoadFile(cfg.WhitelistPath)
	if err != nil {
		return nil, err
	}

	session := access.Session{}
	if !o.unprivileged {
		if session.Privileged, err = host.Privileged(); err != nil {
			stlog.Warn("%v, continuing unprivileged", err)
		}
	}

	cpus := cfg.CPUs
	if cpus == nil {
		if cpus, err = host.OnlineCPUs(cfg.DevicePath); err != nil {
			return nil, err
		}
	}

	dev, err := openDevice(cfg.DevicePath, o.oneshot)
	if err != nil {
		return nil, err
	}

	return newEnv(cfg, dev, policy, session, cpus)
}

// openDevice keeps one descriptor per CPU open unless oneshot is set.
func openDevice(pathFmt string, oneshot bool) (msr.Device, error) {
	var (
		dev msr.Device
		err error
	)

	if oneshot {
		dev, err = msr.NewOneShotDevice(pathFmt)
	} else {
		dev, err = msr.NewFileDevice(pathFmt)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", access.ErrInvalidArgument, err)
	}

	return dev, nil
}

func newEnv(cfg config.Config, dev msr.Device, policy *whitelist.Table, session access.Session, cpus []int) (*env, error) {
	var opts []access.Option
	if cfg.LockDir != nil {
		opts = append(opts, access.WithLockDir(*cfg.LockDir))
	}

	acc, err := access.New(policy, dev, opts...)
	if err != nil {
		return nil, err
	}

	stlog.Debug("%d whitelist entries, %v session, CPUs %v", policy.Len(), session, cpus)

	return &env{
		cfg:     cfg,
		dev:     dev,
		acc:     acc,
		session: session,
		cpus:    cpus,
	}, nil
}

func (e *env) close() {
	c, ok := e.dev.(io.Closer)
	if !ok {
		return
	}

	if err := c.Close(); err != nil {
		stlog.Debug("close device: %v", err)
	}
}

func (e *env) engine() (*snapshot.Engine, error) {
	var opts []snapshot.Option
	if e.cfg.ParallelSave {
		opts = append(opts, snapshot.WithParallelSave())
	}

	return snapshot.New(e.acc, e.cpus, opts...)
}

func readCmd(w io.Writer, e *env, cpu int, offset uint32) error {
	ch, err := e.acc.Open(cpu, e.session)
	if err != nil {
		return err
	}
	defer ch.Close()

	buf := make([]byte, msr.Width)
	if _, err := ch.Read(offset, buf); err != nil {
		return err
	}

	fmt.Fprintf(w, "0x%016x\n", binary.LittleEndian.Uint64(buf))

	return nil
}

func writeCmd(e *env, cpu int, offset uint32, value uint64) error {
	ch, err := e.acc.Open(cpu, e.session)
	if err != nil {
		return err
	}
	defer ch.Close()

	buf := make([]byte, msr.Width)
	binary.LittleEndian.PutUint64(buf, value)

	_, err = ch.Write(offset, buf)

	return err
}

func batchCmd(w io.Writer, e *env, cpu int, ops []access.BatchOp) error {
	ch, err := e.acc.Open(cpu, e.session)
	if err != nil {
		return err
	}
	defer ch.Close()

	err = ch.Batch(ops)
	if errors.Is(err, access.ErrPermissionDenied) {
		return err
	}

	for _, op := range ops {
		kind := "r"
		if op.Write {
			kind = "w"
		}

		if op.Err != nil {
			fmt.Fprintf(w, "%s 0x%08x error: %v\n", kind, op.Offset, op.Err)

			continue
		}

		fmt.Fprintf(w, "%s 0x%08x 0x%016x\n", kind, op.Offset, op.Value)
	}

	return err
}

func saveCmd(ctx context.Context, e *env, path string) error {
	eng, err := e.engine()
	if err != nil {
		return err
	}

	return eng.SaveFile(ctx, path)
}

func restoreCmd(ctx context.Context, e *env, path string) error {
	eng, err := e.engine()
	if err != nil {
		return err
	}

	return eng.RestoreFile(ctx, path)
}

// checkPath returns the whitelist to check: arg if given, the configured
// one otherwise.
func checkPath(o overrides, cfgPath, arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return "", err
	}

	if err := o.apply(&cfg); err != nil {
		return "", err
	}

	stlog.SetLevel(cfg.LogLevel)

	return cfg.WhitelistPath, nil
}

func checkCmd(w io.Writer, path string) error {
	tbl, err := whitelist.LoadFile(path)
	if err != nil {
		return err
	}

	_, err = tbl.WriteTo(w)

	return err
}
