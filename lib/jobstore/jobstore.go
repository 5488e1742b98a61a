// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobstore persists job records and enforces the lifecycle
// ordering on state updates.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
)

// ErrNotFound is returned when no job matches the given key.
var ErrNotFound = errors.New("job not found")

// StateRegressionError reports an attempt to move a job backward in
// the lifecycle ordering, or out of a terminal state. It indicates a
// programming error or a duplicate event delivery, never a condition
// to retry.
type StateRegressionError struct {
	SystemID string
	From     hpc.JobState
	To       hpc.JobState
}

func (e *StateRegressionError) Error() string {
	return fmt.Sprintf("job %s: illegal state transition %s -> %s", e.SystemID, e.From, e.To)
}

// Store is the persistence interface used by the orchestrator.
type Store interface {
	// Create inserts a new job record.
	Create(ctx context.Context, job hpc.VerifiedJob) error
	// Get returns the job with the given system id.
	Get(ctx context.Context, systemID string) (hpc.VerifiedJob, error)
	// BySlurmID returns the job holding the given Slurm id.
	BySlurmID(ctx context.Context, slurmID int64) (hpc.VerifiedJob, error)
	// UpdateState moves the job to the given state with the given
	// status message. The sequence of states for one job must be
	// non-decreasing; regressions fail with StateRegressionError.
	// Re-asserting the current state is allowed and updates only
	// the status message.
	UpdateState(ctx context.Context, systemID string, state hpc.JobState, status string) error
	// UpdateSlurmInfo records the Slurm placement of a scheduled
	// job.
	UpdateSlurmInfo(ctx context.Context, systemID, sshUser, jobDirectory, workingDirectory string, slurmID int64) error
	// CreatedBefore returns jobs created before the cutoff that
	// have not reached a terminal state.
	CreatedBefore(ctx context.Context, cutoff time.Time) ([]hpc.VerifiedJob, error)
}

func checkTransition(systemID string, from, to hpc.JobState) error {
	if to == from {
		return nil
	}
	if from.IsTerminal() || to.Order() < from.Order() {
		return &StateRegressionError{SystemID: systemID, From: from, To: to}
	}
	return nil
}
