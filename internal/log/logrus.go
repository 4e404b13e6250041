// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package log

import "github.com/sirupsen/logrus"

// logrus.Logger already satisfies Base: its Debug/Info/Warn/Error/Fatal
// methods take ...interface{}, matching Base exactly. NewLogrusLogger is a
// convenience constructor for callers who want structured, leveled output
// (JSON or text formatter, hooks, per-field context) without writing their
// own Base adapter.
func NewLogrusLogger(entry *logrus.Entry) *Logger {
	return NewLogger(logrusBase{entry})
}

type logrusBase struct {
	entry *logrus.Entry
}

func (b logrusBase) Debug(args ...interface{}) { b.entry.Debug(args...) }
func (b logrusBase) Info(args ...interface{})  { b.entry.Info(args...) }
func (b logrusBase) Warn(args ...interface{})  { b.entry.Warn(args...) }
func (b logrusBase) Error(args ...interface{}) { b.entry.Error(args...) }
func (b logrusBase) Fatal(args ...interface{}) { b.entry.Fatal(args...) }
