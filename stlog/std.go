// Copyright 2021 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stlog

import (
	"fmt"
	"io"
	"log"
	"sync/atomic"
)

type standardLogger struct {
	out   *log.Logger
	level int32
}

func newStandardLogger(w io.Writer) *standardLogger {
	return &standardLogger{
		out:   log.New(w, "", 0),
		level: int32(DebugLevel),
	}
}

func (l *standardLogger) setLevel(level LogLevel) {
	atomic.StoreInt32(&l.level, int32(level))
}

func (l *standardLogger) logLevel() LogLevel {
	return LogLevel(atomic.LoadInt32(&l.level))
}

func (l *standardLogger) print(level LogLevel, tag, format string, v ...interface{}) {
	if l.logLevel() >= level {
		l.out.Print(tag + prefix + fmt.Sprintf(format, v...))
	}
}

func (l *standardLogger) error(format string, v ...interface{}) {
	l.print(ErrorLevel, errorTag, format, v...)
}

func (l *standardLogger) warn(format string, v ...interface{}) {
	l.print(WarnLevel, warnTag, format, v...)
}

func (l *standardLogger) info(format string, v ...interface{}) {
	l.print(InfoLevel, infoTag, format, v...)
}

func (l *standardLogger) debug(format string, v ...interface{}) {
	l.print(DebugLevel, debugTag, format, v...)
}
