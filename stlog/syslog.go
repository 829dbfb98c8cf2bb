// Copyright 2021 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stlog

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/u-root/u-root/pkg/ulog"
)

type kernelLogger struct {
	out   *ulog.KLog
	level int32
}

var errInitKlog = errors.New("init klog failed")

func newKernelLogger() (*kernelLogger, error) {
	klog := ulog.KernelLog
	klog.SetLogLevel(ulog.KLogNotice)

	if err := klog.SetConsoleLogLevel(ulog.KLogInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", errInitKlog, err)
	}

	return &kernelLogger{
		out:   klog,
		level: int32(DebugLevel),
	}, nil
}

func (l *kernelLogger) setLevel(level LogLevel) {
	atomic.StoreInt32(&l.level, int32(level))
}

func (l *kernelLogger) logLevel() LogLevel {
	return LogLevel(atomic.LoadInt32(&l.level))
}

func (l *kernelLogger) print(level LogLevel, tag, format string, v ...interface{}) {
	if l.logLevel() >= level {
		l.out.Print(tag + prefix + fmt.Sprintf(format, v...))
	}
}

func (l *kernelLogger) error(format string, v ...interface{}) {
	l.print(ErrorLevel, errorTag, format, v...)
}

func (l *kernelLogger) warn(format string, v ...interface{}) {
	l.print(WarnLevel, warnTag, format, v...)
}

func (l *kernelLogger) info(format string, v ...interface{}) {
	l.print(InfoLevel, infoTag, format, v...)
}

func (l *kernelLogger) debug(format string, v ...interface{}) {
	l.print(DebugLevel, debugTag, format, v...)
}
