// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

// msrsafe reads and writes model specific registers through a whitelist
// and saves or restores the whitelisted register state of all CPUs.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"
	"system-transparency.org/msrsafe/access"
	"system-transparency.org/msrsafe/stlog"
)

const (
	// HelpText is the command line help
	HelpText = "msrsafe gives whitelisted access to model specific registers"
)

var goversion string

var (
	cfgPath       = kingpin.Flag("config", "Configuration file. Defaults to $MSRSAFE_CONFIG or /etc/msrsafe/config.json").String()
	whitelistPath = kingpin.Flag("whitelist", "Whitelist file, overrides the configuration").String()
	devicePath    = kingpin.Flag("device", "Per CPU device path with a single %d, overrides the configuration").String()
	cpuList       = kingpin.Flag("cpu", "CPU to operate on, may be repeated. Defaults to all online CPUs").Ints()
	lockDir       = kingpin.Flag("lock-dir", "Directory for per CPU lock files serializing writers across processes").String()
	logLevel      = kingpin.Flag("loglevel", "Log level: error, warn, info or debug").Short('l').String()
	kernelLog     = kingpin.Flag("klog", "Log to the kernel log instead of standard error").Bool()
	unprivileged  = kingpin.Flag("unprivileged", "Restrict access to the whitelist even if CAP_SYS_RAWIO is held").Bool()
	oneshot       = kingpin.Flag("oneshot", "Open the device node for every access instead of keeping it open").Bool()

	read       = kingpin.Command("read", "Read a register through the whitelist")
	readCPU    = read.Arg("cpu", "CPU number").Required().Int()
	readOffset = read.Arg("offset", "Register offset, hex").Required().String()

	write       = kingpin.Command("write", "Write the writable bits of a register")
	writeCPU    = write.Arg("cpu", "CPU number").Required().Int()
	writeOffset = write.Arg("offset", "Register offset, hex").Required().String()
	writeValue  = write.Arg("value", "New value, hex").Required().String()

	batch    = kingpin.Command("batch", "Run a list of raw register operations on one CPU, requires CAP_SYS_RAWIO")
	batchCPU = batch.Arg("cpu", "CPU number").Required().Int()
	batchOps = batch.Arg("ops", "Operations as r:OFFSET or w:OFFSET=VALUE, hex").Required().Strings()

	save         = kingpin.Command("save", "Save the whitelisted registers of all CPUs to a file")
	saveOut      = save.Arg("file", "Output file, replaced atomically").Required().String()
	saveParallel = save.Flag("parallel", "Read CPUs concurrently").Bool()

	restore   = kingpin.Command("restore", "Restore the writable bits of all whitelisted registers from a file")
	restoreIn = restore.Arg("file", "File written by save").Required().ExistingFile()

	check     = kingpin.Command("check", "Validate a whitelist and print it in canonical form")
	checkFile = check.Arg("whitelist", "Whitelist file. Defaults to the configured one").ExistingFile()
)

func main() {
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(goversion)
	kingpin.CommandLine.Help = HelpText

	cmd := kingpin.Parse()

	if *kernelLog {
		if err := stlog.SetOutput(stlog.KernelSyslog); err != nil {
			stlog.Warn("kernel log unavailable: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, cmd)

	stop()

	if err != nil {
		stlog.Error("%v", err)
	}

	os.Exit(exitCode(err))
}

func run(ctx context.Context, cmd string) error {
	o := overrides{
		whitelist:    *whitelistPath,
		device:       *devicePath,
		cpus:         *cpuList,
		lockDir:      *lockDir,
		logLevel:     *logLevel,
		parallel:     *saveParallel,
		unprivileged: *unprivileged,
		oneshot:      *oneshot,
	}

	// check needs neither the device nor the CPU set.
	if cmd == check.FullCommand() {
		path, err := checkPath(o, *cfgPath, *checkFile)
		if err != nil {
			return err
		}

		return checkCmd(os.Stdout, path)
	}

	env, err := setup(o, *cfgPath)
	if err != nil {
		return err
	}
	defer env.close()

	switch cmd {
	case read.FullCommand():
		offset, err := parseOffset(*readOffset)
		if err != nil {
			return err
		}

		return readCmd(os.Stdout, env, *readCPU, offset)

	case write.FullCommand():
		offset, err := parseOffset(*writeOffset)
		if err != nil {
			return err
		}

		value, err := parseValue(*writeValue)
		if err != nil {
			return err
		}

		return writeCmd(env, *writeCPU, offset, value)

	case batch.FullCommand():
		ops, err := parseOps(*batchOps)
		if err != nil {
			return err
		}

		return batchCmd(os.Stdout, env, *batchCPU, ops)

	case save.FullCommand():
		return saveCmd(ctx, env, *saveOut)

	case restore.FullCommand():
		return restoreCmd(ctx, env, *restoreIn)

	default:
		return fmt.Errorf("command %q not found", cmd)
	}
}

func parseOffset(s string) (uint32, error) {
	v, err := strconv.ParseUint(trimHex(s), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: offset %q: %v", access.ErrInvalidArgument, s, err)
	}

	return uint32(v), nil
}

func parseValue(s string) (uint64, error) {
	v, err := strconv.ParseUint(trimHex(s), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: value %q: %v", access.ErrInvalidArgument, s, err)
	}

	return v, nil
}

func trimHex(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}

	return s
}

// parseOps reads r:OFFSET and w:OFFSET=VALUE operations.
func parseOps(args []string) ([]access.BatchOp, error) {
	ops := make([]access.BatchOp, 0, len(args))

	for _, arg := range args {
		kind, rest, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("%w: operation %q", access.ErrInvalidArgument, arg)
		}

		var op access.BatchOp

		switch kind {
		case "r":
			off, err := parseOffset(rest)
			if err != nil {
				return nil, err
			}

			op.Offset = off
		case "w":
			offStr, valStr, ok := strings.Cut(rest, "=")
			if !ok {
				return nil, fmt.Errorf("%w: write %q needs a value", access.ErrInvalidArgument, arg)
			}

			off, err := parseOffset(offStr)
			if err != nil {
				return nil, err
			}

			val, err := parseValue(valStr)
			if err != nil {
				return nil, err
			}

			op = access.BatchOp{Offset: off, Write: true, Value: val}
		default:
			return nil, fmt.Errorf("%w: operation %q", access.ErrInvalidArgument, arg)
		}

		ops = append(ops, op)
	}

	return ops, nil
}
