// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package orchestrator owns the job lifecycle state machine. It is
// the only place where job state transitions are decided and
// persisted; all remote work happens in its event handlers.
package orchestrator

import (
	"context"
	"io"
	"os"
	"time"

	"git.hpcloud.dev/hpcloud.git/lib/backends"
	"git.hpcloud.dev/hpcloud.git/lib/jobstore"
	"git.hpcloud.dev/hpcloud.git/lib/registry"
	"git.hpcloud.dev/hpcloud.git/sdk/go/auth"
	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// RemoteFS is the slice of lib/remote the orchestrator needs.
type RemoteFS interface {
	Mkdir(ctx context.Context, dir string) error
	RemoveDirectory(ctx context.Context, dir string) error
	Stat(ctx context.Context, path string) (hpc.FileInfo, error)
	ListGlob(ctx context.Context, dir, pattern string) ([]hpc.FileInfo, error)
	ZipDirectory(ctx context.Context, zipPath, dir string) error
	Upload(ctx context.Context, dest string, mode os.FileMode, size int64, r io.Reader) error
	Download(ctx context.Context, src string) ([]byte, error)
}

// Slurm is the slice of lib/slurm the orchestrator needs.
type Slurm interface {
	Batch(ctx context.Context, scriptPath string) (int64, error)
	Elapsed(ctx context.Context, id int64) (hpc.Duration, error)
}

// Tracker registers Slurm job ids with the poll agent.
type Tracker interface {
	TrackJob(id int64)
}

// Storage is the user-side file service (lib/filegateway).
type Storage interface {
	Stat(ctx context.Context, token, path string) (hpc.FileInfo, error)
	Download(ctx context.Context, token, path string) (io.ReadCloser, error)
	CreateDirectory(ctx context.Context, token, path string) error
	Upload(ctx context.Context, token, path string, content io.Reader) error
}

// TokenValidator checks identity tokens.
type TokenValidator interface {
	Validate(token string) (auth.Principal, error)
}

// EventSink receives lifecycle events for asynchronous delivery back
// into HandleAppEvent (and to any downstream consumers).
type EventSink interface {
	Emit(ctx context.Context, ev hpc.AppEvent) error
}

// AccountingSink receives one completion record per finished job for
// downstream billing.
type AccountingSink interface {
	EmitJobCompleted(ctx context.Context, ev hpc.JobCompletedEvent) error
}

// Config holds the orchestrator's static settings.
type Config struct {
	// Login user on the HPC frontend; recorded per job.
	SSHUser string
	// Directory on the frontend under which per-job directories
	// are created.
	JobsDirectory string
	// Directory template in user storage where results land;
	// "%s" placeholders are owner and system id.
	ResultsDirectory string
	// Jobs older than this that never reached a terminal state
	// are expired by RemoveExpiredJobs.
	MaxJobAge time.Duration
}

type Orchestrator struct {
	cfg        Config
	registry   *registry.Registry
	store      jobstore.Store
	fs         RemoteFS
	slurm      Slurm
	tracker    Tracker
	storage    Storage
	tokens     TokenValidator
	backends   *backends.Service
	events     EventSink
	accounting AccountingSink
	logger     logrus.FieldLogger

	// wait between attempts to resolve a Slurm id to a job, for
	// the race between sbatch returning and the SCHEDULED row
	// being written
	resolveRetryDelay time.Duration

	mEvents        *prometheus.CounterVec
	mStageFailures *prometheus.CounterVec
}

func New(cfg Config, reg *registry.Registry, store jobstore.Store, fs RemoteFS, sl Slurm, tracker Tracker, storage Storage, tokens TokenValidator, backendSvc *backends.Service, events EventSink, accounting AccountingSink, logger logrus.FieldLogger) *Orchestrator {
	if cfg.JobsDirectory == "" {
		cfg.JobsDirectory = "/scratch/hpcloud/projects"
	}
	if cfg.ResultsDirectory == "" {
		cfg.ResultsDirectory = "/home/%s/Jobs/%s"
	}
	if cfg.MaxJobAge == 0 {
		cfg.MaxJobAge = 7 * 24 * time.Hour
	}
	return &Orchestrator{
		cfg:               cfg,
		registry:          reg,
		store:             store,
		fs:                fs,
		slurm:             sl,
		tracker:           tracker,
		storage:           storage,
		tokens:            tokens,
		backends:          backendSvc,
		events:            events,
		accounting:        accounting,
		logger:            logger,
		resolveRetryDelay: 150 * time.Millisecond,
		mEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpcloud",
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Number of lifecycle events handled, by event type.",
		}, []string{"type"}),
		mStageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpcloud",
			Subsystem: "orchestrator",
			Name:      "stage_failures_total",
			Help:      "Number of stage-local failures converted into failure events, by stage.",
		}, []string{"stage"}),
	}
}

// RegisterMetrics registers the orchestrator's counters on reg.
func (o *Orchestrator) RegisterMetrics(reg *prometheus.Registry) {
	reg.MustRegister(o.mEvents, o.mStageFailures)
}

func (o *Orchestrator) jobDirectory(systemID string) string {
	return o.cfg.JobsDirectory + "/" + systemID
}

func (o *Orchestrator) workingDirectory(systemID string) string {
	return o.jobDirectory(systemID) + "/files"
}
