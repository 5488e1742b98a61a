// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.hpcloud.dev/hpcloud.git/lib/backends"
	"git.hpcloud.dev/hpcloud.git/lib/jobstore"
	"git.hpcloud.dev/hpcloud.git/sdk/go/auth"
	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
)

// slurmResolveAttempts bounds how long HandleSlurmEvent waits for the
// scheduling transition to land in the job store. sbatch returns the
// Slurm id before the SCHEDULED row is written, so the first poll can
// race the persistence write.
const slurmResolveAttempts = 4

// HandleSlurmEvent translates a poll agent notification into the next
// lifecycle transition for the affected job. Running jobs get a state
// refresh; terminal Slurm states synthesize the CompletedInSlurm event
// that resumes the main event chain.
func (o *Orchestrator) HandleSlurmEvent(ctx context.Context, ev hpc.SlurmEvent) error {
	job, err := o.resolveSlurmJob(ctx, ev.SlurmJobID())
	if errors.Is(err, jobstore.ErrNotFound) {
		// Not ours. The cluster runs jobs submitted outside of
		// this service too.
		o.logger.WithField("SlurmID", ev.SlurmJobID()).Info("ignoring Slurm event for unknown job")
		return nil
	} else if err != nil {
		return fmt.Errorf("resolve Slurm job %d: %w", ev.SlurmJobID(), err)
	}
	logger := o.logger.WithField("SystemID", job.SystemID)

	switch ev := ev.(type) {
	case hpc.SlurmEventRunning:
		if err := o.store.UpdateState(ctx, job.SystemID, hpc.JobStateRunning, "Job is now running"); err != nil {
			var regress *jobstore.StateRegressionError
			if errors.As(err, &regress) {
				// Stale poll result after the job already
				// finished. Harmless.
				logger.WithError(err).Debug("ignoring stale running notification")
				return nil
			}
			return fmt.Errorf("persist state %s: %w", hpc.JobStateRunning, err)
		}
		logger.Info("job running at Slurm")
		return nil
	case hpc.SlurmEventEnded:
		return o.completeInSlurm(ctx, job, true)
	case hpc.SlurmEventFailed:
		logger.WithField("State", ev.State).Info("job failed at Slurm")
		return o.completeInSlurm(ctx, job, false)
	case hpc.SlurmEventTimeout:
		logger.Info("job timed out at Slurm")
		return o.completeInSlurm(ctx, job, false)
	default:
		return fmt.Errorf("unhandled Slurm event %T", ev)
	}
}

func (o *Orchestrator) completeInSlurm(ctx context.Context, job hpc.VerifiedJob, success bool) error {
	return o.events.Emit(ctx, hpc.AppEventCompletedInSlurm{
		EventBase:   hpc.EventBase{SystemID: job.SystemID, VerifiedJob: job},
		Success:     success,
		AccessToken: job.AccessToken,
		SlurmID:     job.SlurmID,
	})
}

func (o *Orchestrator) resolveSlurmJob(ctx context.Context, slurmID int64) (hpc.VerifiedJob, error) {
	var job hpc.VerifiedJob
	var err error
	for attempt := 0; attempt < slurmResolveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.resolveRetryDelay):
			case <-ctx.Done():
				return hpc.VerifiedJob{}, ctx.Err()
			}
		}
		job, err = o.store.BySlurmID(ctx, slurmID)
		if !errors.Is(err, jobstore.ErrNotFound) {
			break
		}
	}
	return job, err
}

// VerifyBackendReport authorizes an external computation backend to
// report a completion for a job, then feeds the completion into the
// event chain. The principal must be the backend's own service
// account.
func (o *Orchestrator) VerifyBackendReport(ctx context.Context, principal auth.Principal, backendName, systemID string, success bool) error {
	if _, err := o.backends.GetAndVerifyByName(backendName, &principal); err != nil {
		return err
	}
	job, err := o.store.Get(ctx, systemID)
	if err != nil {
		return err
	}
	if job.Backend != backendName {
		return &backends.UntrustedSourceError{Name: backendName, Principal: principal.Subject}
	}
	return o.events.Emit(ctx, hpc.AppEventCompletedInSlurm{
		EventBase:   hpc.EventBase{SystemID: job.SystemID, VerifiedJob: job},
		Success:     success,
		AccessToken: job.AccessToken,
		SlurmID:     job.SlurmID,
	})
}

// RemoveExpiredJobs fails every job that was created before the
// configured age limit and never reached a terminal state. Expiry
// enters the chain at ExecutionCompleted, so the remote job directory
// is still cleaned up.
func (o *Orchestrator) RemoveExpiredJobs(ctx context.Context) error {
	cutoff := time.Now().Add(-o.cfg.MaxJobAge)
	jobs, err := o.store.CreatedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired jobs: %w", err)
	}
	for _, job := range jobs {
		o.logger.WithFields(map[string]interface{}{
			"SystemID":  job.SystemID,
			"CreatedAt": job.CreatedAt,
		}).Info("expiring job")
		err := o.events.Emit(ctx, hpc.AppEventExecutionCompleted{
			EventBase: hpc.EventBase{SystemID: job.SystemID, VerifiedJob: job},
			Success:   false,
			Message:   "Job did not finish within the allowed time",
		})
		if err != nil {
			return fmt.Errorf("expire job %s: %w", job.SystemID, err)
		}
	}
	return nil
}
