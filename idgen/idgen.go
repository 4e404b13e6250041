// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package idgen generates the unique identifiers relayq hands out for
// jobs, batches, lock tokens, and instances.
package idgen

import "github.com/google/uuid"

// NewJobID returns a new unique job ID.
func NewJobID() string { return uuid.NewString() }

// NewBatchID returns a new unique batch ID.
func NewBatchID() string { return uuid.NewString() }

// NewLockToken returns a new unique lock token.
func NewLockToken() string { return uuid.NewString() }

// NewInstanceID returns a new unique instance ID.
func NewInstanceID() string { return uuid.NewString() }

// NewSchedulerID returns a new unique scheduler ID.
func NewSchedulerID() string { return uuid.NewString() }
