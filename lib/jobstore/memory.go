// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
)

// MemoryStore is an in-memory Store for tests and single-node
// development setups.
type MemoryStore struct {
	mtx  sync.Mutex
	jobs map[string]hpc.VerifiedJob
}

func NewMemory() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]hpc.VerifiedJob)}
}

func (ms *MemoryStore) Create(ctx context.Context, job hpc.VerifiedJob) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.jobs[job.SystemID]; ok {
		return fmt.Errorf("job %s already exists", job.SystemID)
	}
	ms.jobs[job.SystemID] = job
	return nil
}

func (ms *MemoryStore) Get(ctx context.Context, systemID string) (hpc.VerifiedJob, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	job, ok := ms.jobs[systemID]
	if !ok {
		return hpc.VerifiedJob{}, ErrNotFound
	}
	return job, nil
}

func (ms *MemoryStore) BySlurmID(ctx context.Context, slurmID int64) (hpc.VerifiedJob, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	for _, job := range ms.jobs {
		if job.SlurmID == slurmID && slurmID > 0 {
			return job, nil
		}
	}
	return hpc.VerifiedJob{}, ErrNotFound
}

func (ms *MemoryStore) UpdateState(ctx context.Context, systemID string, state hpc.JobState, status string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	job, ok := ms.jobs[systemID]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(systemID, job.State, state); err != nil {
		return err
	}
	job.State = state
	job.Status = status
	job.ModifiedAt = time.Now()
	ms.jobs[systemID] = job
	return nil
}

func (ms *MemoryStore) UpdateSlurmInfo(ctx context.Context, systemID, sshUser, jobDirectory, workingDirectory string, slurmID int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	job, ok := ms.jobs[systemID]
	if !ok {
		return ErrNotFound
	}
	job.SSHUser = sshUser
	job.JobDirectory = jobDirectory
	job.WorkingDirectory = workingDirectory
	job.SlurmID = slurmID
	job.ModifiedAt = time.Now()
	ms.jobs[systemID] = job
	return nil
}

func (ms *MemoryStore) CreatedBefore(ctx context.Context, cutoff time.Time) ([]hpc.VerifiedJob, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var jobs []hpc.VerifiedJob
	for _, job := range ms.jobs {
		if job.CreatedAt.Before(cutoff) && !job.State.IsTerminal() {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}
