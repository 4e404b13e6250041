// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package log exports a leveled logger used throughout relayq's background
// tasks. It mirrors the teacher's internal/log package: a thin, swappable
// wrapper instead of a global logging framework.
package log

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Level represents a logging level.
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// Base supports logging at various log levels, matching the shape of the
// public Logger interface so user-provided loggers can be adapted directly.
type Base interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// Logger is the internal logger used by relayq's background tasks. It adds
// a level gate on top of a Base implementation.
type Logger struct {
	mu     sync.Mutex
	base   Base
	level  Level
}

// NewLogger returns a new Logger. If base is nil, a default stdlib-backed
// implementation is used.
func NewLogger(base Base) *Logger {
	if base == nil {
		base = newDefaultLogger()
	}
	return &Logger{base: base, level: InfoLevel}
}

// SetLevel sets the minimum level this Logger will emit.
func (l *Logger) SetLevel(lvl Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lvl
}

func (l *Logger) shouldLog(lvl Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lvl >= l.level
}

func (l *Logger) Debug(args ...interface{}) {
	if l.shouldLog(DebugLevel) {
		l.base.Debug(args...)
	}
}

func (l *Logger) Info(args ...interface{}) {
	if l.shouldLog(InfoLevel) {
		l.base.Info(args...)
	}
}

func (l *Logger) Warn(args ...interface{}) {
	if l.shouldLog(WarnLevel) {
		l.base.Warn(args...)
	}
}

func (l *Logger) Error(args ...interface{}) {
	if l.shouldLog(ErrorLevel) {
		l.base.Error(args...)
	}
}

func (l *Logger) Fatal(args ...interface{}) {
	if l.shouldLog(FatalLevel) {
		l.base.Fatal(args...)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.shouldLog(DebugLevel) {
		l.base.Debug(fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.shouldLog(InfoLevel) {
		l.base.Info(fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.shouldLog(WarnLevel) {
		l.base.Warn(fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.shouldLog(ErrorLevel) {
		l.base.Error(fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	if l.shouldLog(FatalLevel) {
		l.base.Fatal(fmt.Sprintf(format, args...))
	}
}

// defaultLogger is a Base implementation backed by the standard library
// log package, writing to stderr with a "relayq: " prefix.
type defaultLogger struct {
	target *log.Logger
}

func newDefaultLogger() *defaultLogger {
	return &defaultLogger{target: log.New(os.Stderr, "relayq: ", log.LstdFlags|log.Lmicroseconds)}
}

func (l *defaultLogger) logf(lvl, format string, args ...interface{}) {
	l.target.Printf(lvl+" "+format, args...)
}

func (l *defaultLogger) print(lvl string, args ...interface{}) {
	l.target.Print(append([]interface{}{lvl}, args...)...)
}

func (l *defaultLogger) Debug(args ...interface{}) { l.print("[DEBUG]", args...) }
func (l *defaultLogger) Info(args ...interface{})  { l.print("[INFO]", args...) }
func (l *defaultLogger) Warn(args ...interface{})  { l.print("[WARN]", args...) }
func (l *defaultLogger) Error(args ...interface{}) { l.print("[ERROR]", args...) }
func (l *defaultLogger) Fatal(args ...interface{}) {
	l.print("[FATAL]", args...)
	os.Exit(1)
}
