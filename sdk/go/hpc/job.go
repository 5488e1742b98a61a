// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpc

import "time"

// JobState is a stage of the job lifecycle. States are totally
// ordered; a job never moves backward in this ordering.
type JobState string

const (
	JobStateValidated = JobState("VALIDATED")
	JobStatePrepared  = JobState("PREPARED")
	JobStateScheduled = JobState("SCHEDULED")
	JobStateRunning   = JobState("RUNNING")
	JobStateSuccess   = JobState("SUCCESS")
	JobStateFailure   = JobState("FAILURE")
)

var jobStateOrder = map[JobState]int{
	JobStateValidated: 0,
	JobStatePrepared:  1,
	JobStateScheduled: 2,
	JobStateRunning:   3,
	JobStateSuccess:   4,
	JobStateFailure:   4,
}

// Order returns the state's position in the lifecycle ordering.
// SUCCESS and FAILURE share the terminal position.
func (s JobState) Order() int {
	return jobStateOrder[s]
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobState) IsTerminal() bool {
	return s == JobStateSuccess || s == JobStateFailure
}

// StartJobRequest is the raw user request to run an application.
type StartJobRequest struct {
	Application   NameAndVersion         `json:"application"`
	Parameters    map[string]interface{} `json:"parameters"`
	NumberOfNodes *int                   `json:"number_of_nodes,omitempty"`
	TasksPerNode  *int                   `json:"tasks_per_node,omitempty"`
	MaxTime       *Duration              `json:"max_time,omitempty"`
	Backend       string                 `json:"backend,omitempty"`
}

// FileInfo is metadata about a file, local to user storage or remote
// on the HPC scratch filesystem.
type FileInfo struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// ValidatedFileForUpload is one input file, resolved and checked at
// validation time, to be staged into the remote working directory.
type ValidatedFileForUpload struct {
	Stat                FileInfo `json:"stat"`
	DestinationFileName string   `json:"destination_file_name"`
	DestinationPath     string   `json:"destination_path"`
	SourcePath          string   `json:"source_path"`
}

// VerifiedJob is the persisted, validated job description. Only
// State, Status and the Slurm placement fields are mutated after
// creation, always through the job store.
type VerifiedJob struct {
	SystemID    string         `json:"system_id"`
	Owner       string         `json:"owner"`
	Application NameAndVersion `json:"application"`
	Backend     string         `json:"backend"`
	State       JobState       `json:"state"`
	Status      string         `json:"status"`

	NumberOfNodes int      `json:"number_of_nodes"`
	TasksPerNode  int      `json:"tasks_per_node"`
	MaxTime       Duration `json:"max_time"`

	// Populated when the job reaches SCHEDULED.
	SSHUser          string `json:"ssh_user,omitempty"`
	JobDirectory     string `json:"job_directory,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	SlurmID          int64  `json:"slurm_id,omitempty"`

	// AccessToken is the owner's token, carried so result shipping
	// can act on the owner's behalf after Slurm completion.
	AccessToken string `json:"-"`

	// ArchiveInCollection names where results should be filed in
	// the owner's storage, when set.
	ArchiveInCollection string `json:"archive_in_collection,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// JobCompletedEvent is the accounting record emitted once per job
// when Slurm reports completion, for downstream billing consumers.
type JobCompletedEvent struct {
	JobID     string    `json:"job_id"`
	JobOwner  string    `json:"job_owner"`
	Duration  Duration  `json:"duration"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}
