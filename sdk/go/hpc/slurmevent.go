// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpc

// SlurmEvent is a state change observed for a Slurm job by the poll
// agent. SlurmID identifies the job in Slurm's accounting, not in
// this system.
type SlurmEvent interface {
	SlurmJobID() int64
}

// SlurmEventRunning reports that the job left the queue and started
// executing.
type SlurmEventRunning struct {
	SlurmID int64
}

func (e SlurmEventRunning) SlurmJobID() int64 { return e.SlurmID }

// SlurmEventEnded reports normal completion (state COMPLETED).
type SlurmEventEnded struct {
	SlurmID int64
}

func (e SlurmEventEnded) SlurmJobID() int64 { return e.SlurmID }

// SlurmEventFailed reports any terminal state other than COMPLETED
// or TIMEOUT, such as FAILED, CANCELLED or NODE_FAIL.
type SlurmEventFailed struct {
	SlurmID int64
	State   string
}

func (e SlurmEventFailed) SlurmJobID() int64 { return e.SlurmID }

// SlurmEventTimeout reports that the job exceeded its time limit.
type SlurmEventTimeout struct {
	SlurmID int64
}

func (e SlurmEventTimeout) SlurmJobID() int64 { return e.SlurmID }
