// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

// Daemon that runs HPC jobs: validates start requests, ships input
// files to the cluster frontend over SSH, submits Slurm batch jobs,
// and returns results to user storage.

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"git.hpcloud.dev/hpcloud.git/lib/backends"
	"git.hpcloud.dev/hpcloud.git/lib/filegateway"
	"git.hpcloud.dev/hpcloud.git/lib/jobstore"
	"git.hpcloud.dev/hpcloud.git/lib/orchestrator"
	"git.hpcloud.dev/hpcloud.git/lib/registry"
	"git.hpcloud.dev/hpcloud.git/lib/remote"
	"git.hpcloud.dev/hpcloud.git/lib/slurm"
	"git.hpcloud.dev/hpcloud.git/lib/sshpool"
	"git.hpcloud.dev/hpcloud.git/sdk/go/auth"
	"git.hpcloud.dev/hpcloud.git/sdk/go/config"
	"git.hpcloud.dev/hpcloud.git/sdk/go/ctxlog"
	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	"git.hpcloud.dev/hpcloud.git/sdk/go/version"
	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var defaultConfigPath = "/etc/hpcloud/hpc-orchestrator/hpc-orchestrator.yml"

type Server struct {
	// Address for the management HTTP listener (metrics, health).
	ManagementAddr string `json:"management_addr"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Connection to the HPC frontend.
	SSH sshpool.Config `json:"ssh"`

	// Postgres connection string. Empty runs on the in-memory
	// job store (single-node development only).
	PostgresDSN string `json:"postgres_dsn"`

	// Directory of YAML application/tool catalog files.
	CatalogDirectory string `json:"catalog_directory"`

	// Base URL of the user storage file gateway.
	FileGatewayURL string `json:"file_gateway_url"`

	// HMAC secret for identity token validation.
	TokenSecret string `json:"token_secret"`

	// Recognized computation backend names.
	Backends      []string `json:"backends"`
	CacheBackends bool     `json:"cache_backends"`

	PollPeriod hpc.Duration `json:"poll_period"`
	MaxJobAge  hpc.Duration `json:"max_job_age"`

	JobsDirectory    string `json:"jobs_directory"`
	ResultsDirectory string `json:"results_directory"`

	// Number of concurrent lifecycle event workers. Zero means 8.
	EventWorkers int `json:"event_workers"`

	logger *logrus.Logger
	pool   *sshpool.Pool
	store  jobstore.Store
	agent  *slurm.PollAgent
	orch   *orchestrator.Orchestrator
	queue  *eventQueue
	reg    *prometheus.Registry
}

func main() {
	srv := &Server{}
	err := srv.Run(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
}

func (srv *Server) Run(prog string, args []string) error {
	if err := srv.configure(prog, args); err != nil {
		return err
	}
	if err := srv.setup(); err != nil {
		return err
	}
	return srv.run()
}

// configure() loads the config file. Tests skip this.
func (srv *Server) configure(prog string, args []string) error {
	flags := newFlagSet(prog)
	configPath := flags.String(
		"config",
		defaultConfigPath,
		"`path` to YAML configuration file")
	dumpConfig := flags.Bool(
		"dump-config",
		false,
		"write current configuration to stdout and exit")
	getVersion := flags.Bool(
		"version",
		false,
		"Print version information and exit.")
	flags.Parse(args)

	if *getVersion {
		fmt.Printf("hpc-orchestrator %s\n", version.GetVersion())
		os.Exit(0)
	}

	if err := config.LoadFile(srv, *configPath); err != nil {
		return err
	}

	if *dumpConfig {
		return config.DumpAndExit(srv)
	}
	return nil
}

// setup() initializes private fields after configure().
func (srv *Server) setup() error {
	if srv.LogFormat == "" {
		srv.LogFormat = "json"
	}
	if srv.LogLevel == "" {
		srv.LogLevel = "info"
	}
	srv.logger = ctxlog.New(os.Stderr, srv.LogFormat, srv.LogLevel)
	srv.logger.Printf("hpc-orchestrator %s started", version.GetVersion())
	if srv.ManagementAddr == "" {
		srv.ManagementAddr = ":9510"
	}
	srv.reg = prometheus.NewRegistry()

	pool, err := sshpool.New(srv.SSH)
	if err != nil {
		return fmt.Errorf("ssh pool: %w", err)
	}
	srv.pool = pool
	pool.RegisterMetrics(srv.reg)

	if srv.PostgresDSN == "" {
		srv.logger.Warn("no postgres_dsn configured, using in-memory job store")
		srv.store = jobstore.NewMemory()
	} else {
		store, err := jobstore.NewPostgres(context.Background(), srv.PostgresDSN)
		if err != nil {
			return fmt.Errorf("job store: %w", err)
		}
		srv.store = store
	}

	catalog, err := registry.Load(srv.CatalogDirectory)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	slurmCLI := slurm.NewCLI(pool)
	srv.agent = slurm.NewPollAgent(slurmCLI, srv.PollPeriod.ToDuration(), srv.logger)
	srv.agent.RegisterMetrics(srv.reg)

	// Buffered so a worker emitting a successor event never
	// deadlocks against other workers doing the same.
	srv.queue = &eventQueue{ch: make(chan hpc.AppEvent, 1000)}
	srv.orch = orchestrator.New(
		orchestrator.Config{
			SSHUser:          srv.SSH.User,
			JobsDirectory:    srv.JobsDirectory,
			ResultsDirectory: srv.ResultsDirectory,
			MaxJobAge:        srv.MaxJobAge.ToDuration(),
		},
		catalog,
		srv.store,
		remote.New(pool),
		slurmCLI,
		srv.agent,
		filegateway.New(srv.FileGatewayURL, srv.logger),
		&auth.Validator{Secret: []byte(srv.TokenSecret)},
		backends.New(srv.Backends, srv.CacheBackends),
		srv.queue,
		logAccounting{logger: srv.logger},
		srv.logger,
	)
	srv.orch.RegisterMetrics(srv.reg)
	return nil
}

func (srv *Server) run() error {
	ctx, stop := signal.NotifyContext(ctxlog.Context(context.Background(), srv.logger),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := srv.EventWorkers
	if workers < 1 {
		workers = 8
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-srv.queue.ch:
					if err := srv.orch.HandleAppEvent(ctx, ev); err != nil {
						srv.logger.WithError(err).WithField("SystemID", ev.JobID()).Error("event handling failed")
					}
				}
			}
		}()
	}

	srv.agent.AddListener(func(ev hpc.SlurmEvent) {
		// Listeners run on the poll goroutine; resolution can
		// block on the queue, so hand off.
		go func() {
			if err := srv.orch.HandleSlurmEvent(ctx, ev); err != nil {
				srv.logger.WithError(err).WithField("SlurmID", ev.SlurmJobID()).Error("Slurm event handling failed")
			}
		}()
	})
	if err := srv.agent.Start(); err != nil {
		return err
	}
	defer srv.agent.Stop()

	go srv.expireLoop(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(srv.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"health":"OK"}`)
	})
	httpServer := &http.Server{Addr: srv.ManagementAddr, Handler: mux}
	go func() {
		srv.logger.WithField("Addr", srv.ManagementAddr).Info("management listener up")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			srv.logger.WithError(err).Error("management listener failed")
		}
	}()

	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		srv.logger.WithError(err).Warn("error notifying init daemon")
	}

	<-ctx.Done()
	srv.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	srv.agent.Stop()
	wg.Wait()
	srv.pool.Close()
	if closer, ok := srv.store.(interface{ Close() error }); ok {
		closer.Close()
	}
	return nil
}

func (srv *Server) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := srv.orch.RemoveExpiredJobs(ctx); err != nil {
				srv.logger.WithError(err).Warn("expiry sweep failed")
			}
		}
	}
}

// eventQueue delivers lifecycle events to the worker goroutines.
// Emit blocks while every worker is busy, which bounds how much
// stage work is in flight at once.
type eventQueue struct {
	ch chan hpc.AppEvent
}

func (q *eventQueue) Emit(ctx context.Context, ev hpc.AppEvent) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logAccounting writes completion records to the log stream the
// billing pipeline consumes.
type logAccounting struct {
	logger logrus.FieldLogger
}

func (a logAccounting) EmitJobCompleted(ctx context.Context, ev hpc.JobCompletedEvent) error {
	a.logger.WithFields(logrus.Fields{
		"JobID":    ev.JobID,
		"JobOwner": ev.JobOwner,
		"Duration": ev.Duration.String(),
		"Success":  ev.Success,
	}).Info("accounting: job completed")
	return nil
}
