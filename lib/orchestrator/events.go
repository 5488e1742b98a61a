// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	"github.com/sirupsen/logrus"
)

// HandleAppEvent advances one job by one lifecycle stage. Every
// expected failure mode (SSH, Slurm, file transfer) degrades into a
// failure-carrying successor event; only persistence and event
// delivery problems are returned as errors, and those are fatal to
// the caller's delivery loop.
func (o *Orchestrator) HandleAppEvent(ctx context.Context, ev hpc.AppEvent) error {
	logger := o.logger.WithField("SystemID", ev.JobID())
	o.mEvents.WithLabelValues(fmt.Sprintf("%T", ev)).Inc()

	// Persist the stage reached before doing the stage's work, so
	// a crash mid-stage never leaves the record ahead of reality.
	if state, status, ok := stateFor(ev); ok {
		if err := o.store.UpdateState(ctx, ev.JobID(), state, status); err != nil {
			return fmt.Errorf("persist state %s: %w", state, err)
		}
	}

	var successor hpc.AppEvent
	switch ev := ev.(type) {
	case hpc.AppEventValidated:
		successor = o.prepareJob(ctx, logger, ev)
	case hpc.AppEventPrepared:
		successor = o.scheduleJob(ctx, logger, ev)
	case hpc.AppEventScheduledAtSlurm:
		// Progress now waits on the poll agent; no successor.
		o.tracker.TrackJob(ev.SlurmID)
		err := o.store.UpdateSlurmInfo(ctx, ev.JobID(), ev.SSHUser, ev.JobDirectory, ev.WorkingDirectory, ev.SlurmID)
		if err != nil {
			return fmt.Errorf("persist slurm info: %w", err)
		}
		return nil
	case hpc.AppEventCompletedInSlurm:
		successor = o.shipResults(ctx, logger, ev)
	case hpc.AppEventExecutionCompleted:
		successor = o.cleanUp(ctx, logger, ev)
	case hpc.AppEventCompleted:
		// Terminal. State was persisted above.
		logger.WithField("Success", ev.Success).Info("job completed")
		return nil
	default:
		return fmt.Errorf("unknown event type %T", ev)
	}
	return o.events.Emit(ctx, successor)
}

func stateFor(ev hpc.AppEvent) (hpc.JobState, string, bool) {
	switch ev := ev.(type) {
	case hpc.AppEventValidated:
		return hpc.JobStateValidated, "Validated", true
	case hpc.AppEventPrepared:
		return hpc.JobStatePrepared, "Files uploaded to HPC environment", true
	case hpc.AppEventScheduledAtSlurm:
		return hpc.JobStateScheduled, "Scheduled at Slurm", true
	case hpc.AppEventCompleted:
		if ev.Success {
			return hpc.JobStateSuccess, ev.Message, true
		}
		return hpc.JobStateFailure, ev.Message, true
	default:
		return "", "", false
	}
}

// goToCleanup converts a stage failure on an event with remote state
// into the cleanup-bound failure successor.
func goToCleanup(ev hpc.RemoteCleanable, message string) hpc.AppEvent {
	return hpc.AppEventExecutionCompleted{
		EventBase: hpc.EventBase{SystemID: ev.JobID(), VerifiedJob: ev.Job()},
		Success:   false,
		Message:   message,
	}
}

// prepareJob ships everything the job needs to the HPC frontend:
// the job directory, every validated input file, and the batch
// script.
func (o *Orchestrator) prepareJob(ctx context.Context, logger logrus.FieldLogger, ev hpc.AppEventValidated) hpc.AppEvent {
	job := ev.Job()
	base := hpc.EventBase{SystemID: ev.JobID(), VerifiedJob: job}
	fail := func(message string, err error) hpc.AppEvent {
		logger.WithError(err).Warn(message)
		o.mStageFailures.WithLabelValues("prepare").Inc()
		return hpc.AppEventCompleted{EventBase: base, Success: false, Message: message}
	}

	if _, err := o.tokens.Validate(job.AccessToken); err != nil {
		return fail("Unauthorized", err)
	}

	jobDir := o.jobDirectory(ev.JobID())
	workDir := o.workingDirectory(ev.JobID())
	if err := o.fs.Mkdir(ctx, workDir); err != nil {
		return fail("Failed at remote directory creation stage", err)
	}

	for _, upload := range ev.Files {
		logger.WithField("Source", upload.SourcePath).Debug("uploading input file")
		src, err := o.storage.Download(ctx, job.AccessToken, upload.SourcePath)
		if err != nil {
			return fail("Failed at storage download stage", err)
		}
		err = o.fs.Upload(ctx, upload.DestinationPath, 0o600, upload.Stat.Size, src)
		src.Close()
		if err != nil {
			return fail("Failed at file upload stage", err)
		}
	}

	scriptPath := jobDir + "/job.sh"
	err := o.fs.Upload(ctx, scriptPath, 0o600, int64(len(ev.Script)), bytes.NewReader([]byte(ev.Script)))
	if err != nil {
		return fail("Failed at batch script upload stage", err)
	}

	return hpc.AppEventPrepared{
		EventBase:    base,
		SSHUser:      o.cfg.SSHUser,
		JobDirectory: jobDir,
		ScriptPath:   scriptPath,
	}
}

// scheduleJob submits the uploaded script to Slurm.
func (o *Orchestrator) scheduleJob(ctx context.Context, logger logrus.FieldLogger, ev hpc.AppEventPrepared) hpc.AppEvent {
	slurmID, err := o.slurm.Batch(ctx, ev.ScriptPath)
	if err != nil {
		logger.WithError(err).Warn("sbatch submission failed")
		o.mStageFailures.WithLabelValues("schedule").Inc()
		return goToCleanup(ev, "Failed at Slurm scheduling stage")
	}
	logger.WithField("SlurmID", slurmID).Info("job scheduled")
	return hpc.AppEventScheduledAtSlurm{
		EventBase:        hpc.EventBase{SystemID: ev.JobID(), VerifiedJob: ev.Job()},
		SlurmID:          slurmID,
		SSHUser:          ev.SSHUser,
		JobDirectory:     ev.JobDirectory,
		WorkingDirectory: o.workingDirectory(ev.JobID()),
	}
}

// shipResults emits the accounting record, then copies every file
// matching the application's output globs from the working directory
// into user storage. Directories are zipped remotely first. Zero
// matches is success.
func (o *Orchestrator) shipResults(ctx context.Context, logger logrus.FieldLogger, ev hpc.AppEventCompletedInSlurm) hpc.AppEvent {
	job := ev.Job()

	o.emitAccounting(ctx, logger, ev)

	fail := func(message string, err error) hpc.AppEvent {
		logger.WithError(err).Warn(message)
		o.mStageFailures.WithLabelValues("ship-results").Inc()
		return goToCleanup(ev, message)
	}

	app, err := o.registry.FindApplication(job.Application)
	if err != nil {
		return fail("Failed to resolve application for results", err)
	}

	resultsDir := fmt.Sprintf(o.cfg.ResultsDirectory, job.Owner, job.SystemID)
	if err := o.storage.CreateDirectory(ctx, ev.AccessToken, resultsDir); err != nil {
		return fail("Failed at result directory creation stage", err)
	}

	for _, glob := range app.OutputFileGlobs {
		matches, err := o.fs.ListGlob(ctx, job.WorkingDirectory, glob)
		if err != nil {
			return fail("Failed at output listing stage", err)
		}
		for _, match := range matches {
			source := match
			if match.IsDir {
				zipPath := match.Path + ".zip"
				if err := o.fs.ZipDirectory(ctx, zipPath, match.Path); err != nil {
					return fail("Failed at output archiving stage", err)
				}
				source, err = o.fs.Stat(ctx, zipPath)
				if err != nil {
					return fail("Failed at output archiving stage", err)
				}
			}
			data, err := o.fs.Download(ctx, source.Path)
			if err != nil {
				return fail("Failed at output download stage", err)
			}
			dest := resultsDir + "/" + path.Base(source.Path)
			if err := o.storage.Upload(ctx, ev.AccessToken, dest, bytes.NewReader(data)); err != nil {
				return fail("Failed at result upload stage", err)
			}
			logger.WithField("Path", dest).Debug("result shipped")
		}
	}

	return hpc.AppEventExecutionCompleted{
		EventBase: hpc.EventBase{SystemID: ev.JobID(), VerifiedJob: job},
		Success:   ev.Success,
		Message:   "OK",
	}
}

// emitAccounting reports the job's measured duration regardless of
// how result shipping goes.
func (o *Orchestrator) emitAccounting(ctx context.Context, logger logrus.FieldLogger, ev hpc.AppEventCompletedInSlurm) {
	var duration hpc.Duration
	if ev.SlurmID > 0 {
		var err error
		duration, err = o.slurm.Elapsed(ctx, ev.SlurmID)
		if err != nil {
			logger.WithError(err).Warn("cannot read job duration from sacct")
		}
	}
	err := o.accounting.EmitJobCompleted(ctx, hpc.JobCompletedEvent{
		JobID:     ev.JobID(),
		JobOwner:  ev.Job().Owner,
		Duration:  duration,
		Success:   ev.Success,
		Timestamp: time.Now(),
	})
	if err != nil {
		logger.WithError(err).Warn("cannot emit accounting event")
	}
}

// cleanUp removes the remote job directory. Cleanup failure is
// logged, never treated as job failure.
func (o *Orchestrator) cleanUp(ctx context.Context, logger logrus.FieldLogger, ev hpc.AppEventExecutionCompleted) hpc.AppEvent {
	job := ev.Job()
	jobDir := job.JobDirectory
	if jobDir == "" {
		jobDir = o.jobDirectory(ev.JobID())
	}
	if err := o.fs.RemoveDirectory(ctx, jobDir); err != nil {
		o.mStageFailures.WithLabelValues("cleanup").Inc()
		logger.WithError(err).WithField("JobDirectory", jobDir).Warn("could not delete job directory")
	}
	return hpc.AppEventCompleted{
		EventBase: hpc.EventBase{SystemID: ev.JobID(), VerifiedJob: job},
		Success:   ev.Success,
		Message:   ev.Message,
	}
}
