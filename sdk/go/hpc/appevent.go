// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpc

// AppEvent is one step of the job execution event chain. Each event
// carries the full job description so that handlers never need to
// look the job up before acting on it.
//
// Events with remote state (a created working directory, a Slurm
// allocation) also implement RemoteCleanable, which marks whether the
// remote side still needs cleaning if processing fails.
type AppEvent interface {
	JobID() string
	Job() VerifiedJob
}

// RemoteCleanable is implemented by events whose failure leaves state
// behind on the HPC side that must be removed before the job can be
// declared finished.
type RemoteCleanable interface {
	AppEvent
	NeedsRemoteCleaning() bool
}

// EventBase carries the fields shared by every event type.
type EventBase struct {
	SystemID    string      `json:"system_id"`
	VerifiedJob VerifiedJob `json:"job"`
}

func (e EventBase) JobID() string    { return e.SystemID }
func (e EventBase) Job() VerifiedJob { return e.VerifiedJob }

// AppEventValidated is emitted once the user request has been checked
// against the application definition and persisted.
type AppEventValidated struct {
	EventBase
	Files []ValidatedFileForUpload `json:"files"`
	// Script is the rendered batch script, generated during
	// validation and uploaded verbatim during preparation.
	Script string `json:"script"`
}

// AppEventPrepared is emitted when the remote job directory exists
// and all input files and the job script have been uploaded.
type AppEventPrepared struct {
	EventBase
	SSHUser      string `json:"ssh_user"`
	JobDirectory string `json:"job_directory"`
	ScriptPath   string `json:"script_path"`
}

func (e AppEventPrepared) NeedsRemoteCleaning() bool { return true }

// AppEventScheduledAtSlurm is emitted when sbatch has accepted the
// job and returned a Slurm job id.
type AppEventScheduledAtSlurm struct {
	EventBase
	SlurmID          int64  `json:"slurm_id"`
	SSHUser          string `json:"ssh_user"`
	JobDirectory     string `json:"job_directory"`
	WorkingDirectory string `json:"working_directory"`
}

func (e AppEventScheduledAtSlurm) NeedsRemoteCleaning() bool { return true }

// AppEventCompletedInSlurm is emitted when the poll agent observes a
// terminal Slurm state for the job.
type AppEventCompletedInSlurm struct {
	EventBase
	Success     bool   `json:"success"`
	AccessToken string `json:"-"`
	SlurmID     int64  `json:"slurm_id"`
}

func (e AppEventCompletedInSlurm) NeedsRemoteCleaning() bool { return true }

// AppEventExecutionCompleted is emitted once results have been
// shipped back (or shipping was abandoned); remote cleanup follows.
type AppEventExecutionCompleted struct {
	EventBase
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (e AppEventExecutionCompleted) NeedsRemoteCleaning() bool { return true }

// AppEventCompleted terminates the chain. No handler emits a
// successor for it.
type AppEventCompleted struct {
	EventBase
	Success bool   `json:"success"`
	Message string `json:"message"`
}
