// Copyright 2021 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stlog exposes leveled logging capabilities.
//
// stlog wraps two loggers and adds log levels to them:
// There is a standard "log" package logger and another
// using the kernel syslog system.
package stlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	prefix   string = "msrsafe: "
	errorTag string = "[ERROR] "
	warnTag  string = "[WARN]  "
	infoTag  string = "[INFO]  "
	debugTag string = "[DEBUG] "
)

type LogLevel int

const (
	ErrorLevel LogLevel = iota
	WarnLevel
	InfoLevel
	DebugLevel
)

// String implements fmt.Stringer.
func (l LogLevel) String() string {
	switch l {
	case ErrorLevel:
		return "error"
	case WarnLevel:
		return "warn"
	case InfoLevel:
		return "info"
	case DebugLevel:
		return "debug"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

var ErrUnknownLevel = errors.New("unknown log level")

// ParseLevel maps the short or long level names accepted on the command
// line and in configuration files to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "e", "error":
		return ErrorLevel, nil
	case "w", "warn":
		return WarnLevel, nil
	case "i", "info":
		return InfoLevel, nil
	case "d", "debug":
		return DebugLevel, nil
	default:
		return DebugLevel, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

type LogOutput int

const (
	StdError LogOutput = iota
	KernelSyslog
)

type levelLogger interface {
	setLevel(level LogLevel)
	logLevel() LogLevel
	error(format string, v ...interface{})
	warn(format string, v ...interface{})
	info(format string, v ...interface{})
	debug(format string, v ...interface{})
}

var (
	mu  sync.RWMutex
	stl levelLogger = newStandardLogger(os.Stderr)
)

func current() levelLogger {
	mu.RLock()
	defer mu.RUnlock()

	return stl
}

// SetOutput sets the packages underlying logger. The current level is
// carried over. If the requested logger cannot be set up, the previous
// one stays active and the error is returned.
func SetOutput(o LogOutput) error {
	var next levelLogger

	switch o {
	case KernelSyslog:
		kl, err := newKernelLogger()
		if err != nil {
			return err
		}

		next = kl
	default:
		next = newStandardLogger(os.Stderr)
	}

	mu.Lock()
	defer mu.Unlock()

	next.setLevel(stl.logLevel())
	stl = next

	return nil
}

// SetWriter directs the standard logger to w.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	next := newStandardLogger(w)
	next.setLevel(stl.logLevel())
	stl = next
}

// SetLevel sets the logging level of stlog package.
// Unknown levels fall back to DebugLevel.
func SetLevel(l LogLevel) {
	switch l {
	case ErrorLevel, WarnLevel, InfoLevel, DebugLevel:
	default:
		l = DebugLevel
	}

	mu.Lock()
	defer mu.Unlock()

	stl.setLevel(l)
}

// Level returns the log level set.
func Level() LogLevel {
	return current().logLevel()
}

// Error prints error messages to the currently active logger when permitted
// by the log level. Input can be formatted according to fmt.Printf.
func Error(format string, v ...interface{}) {
	current().error(format, v...)
}

// Warn prints warning messages to the currently active logger when permitted
// by the log level. Input can be formatted according to fmt.Printf.
func Warn(format string, v ...interface{}) {
	current().warn(format, v...)
}

// Info prints info messages to the currently active logger when permitted
// by the log level. Input can be formatted according to fmt.Printf.
func Info(format string, v ...interface{}) {
	current().info(format, v...)
}

// Debug prints debug messages to the currently active logger when permitted
// by the log level. Input can be formatted according to fmt.Printf.
func Debug(format string, v ...interface{}) {
	current().debug(format, v...)
}
