// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package errors defines the error kinds used across relayq and an Error
// type that records the operation and kind that produced it, following the
// same Op/Kind/E convention the teacher package uses throughout internal/rdb.
package errors

import (
	"errors"
	"fmt"
)

// Op describes the operation, method, or function that produced the error.
type Op string

// Kind defines the kind of error this is.
type Kind int

const (
	Unspecified Kind = iota
	NotFound
	AlreadyExists
	FailedPrecondition
	Internal
	Unknown
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case FailedPrecondition:
		return "failed_precondition"
	case Internal:
		return "internal"
	case Unknown:
		return "unknown"
	default:
		return "unspecified"
	}
}

// Error is the type all relayq errors should be represented as.
type Error struct {
	Op   Op
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error from its arguments. Recognized argument types are Op,
// Kind, error, and string (treated as a plain error message).
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case *Error:
			cp := *a
			e.Err = &cp
		case error:
			e.Err = a
		case string:
			e.Err = errors.New(a)
		default:
			panic(fmt.Sprintf("errors.E: unsupported argument type %T, value %v", a, a))
		}
	}
	return e
}

// CanonicalCode returns the Kind held by err, walking the wrap chain.
// Returns Unspecified if err does not carry a Kind (including nil).
func CanonicalCode(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind != Unspecified {
			return e.Kind
		}
		return CanonicalCode(e.Err)
	}
	return Unspecified
}

// RedisCommandError wraps a failed Redis command with its name, matching
// the teacher's error-context convention for broker failures.
type RedisCommandError struct {
	Command string
	Err     error
}

func (e *RedisCommandError) Error() string {
	return fmt.Sprintf("redis command %q failed: %v", e.Command, e.Err)
}

func (e *RedisCommandError) Unwrap() error { return e.Err }

// Sentinel errors surfaced by internal/rdb and queue.go. Callers branch on
// these with errors.Is, or on Kind with CanonicalCode.
var (
	ErrJobIdConflict     = errors.New("job ID conflicts with another job")
	ErrNoProcessableJob  = errors.New("no processable job in queue")
	ErrLockNotHeld       = errors.New("lock is not held by the given token")
	ErrJobNotFound       = errors.New("job not found")
	ErrQueueNotPriority  = errors.New("queue was not configured with priority levels")
	ErrInvalidCron       = errors.New("invalid cron expression")
	ErrDependencyPending = errors.New("job has unfinished dependencies")
)
