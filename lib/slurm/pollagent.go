// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrAgentRunning is returned by Start when the agent has already
// been started and not yet stopped.
var ErrAgentRunning = errors.New("poll agent already running")

// maxPollMisses is how many consecutive sacct responses may omit a
// tracked id before the agent gives up on it. Accounting purges make
// a job unknowable; the job itself is handled by the expiry sweep.
const maxPollMisses = 10

// Terminal accounting states, normalized to their first word.
var terminalStates = map[string]bool{
	"COMPLETED":     true,
	"FAILED":        true,
	"CANCELLED":     true,
	"TIMEOUT":       true,
	"NODE_FAIL":     true,
	"PREEMPTED":     true,
	"BOOT_FAIL":     true,
	"DEADLINE":      true,
	"OUT_OF_MEMORY": true,
}

// PollAgent watches the accounting state of tracked Slurm jobs with
// one batched sacct query per tick, and notifies listeners of state
// transitions. A job is dropped from tracking once a terminal state
// has been reported for it.
type PollAgent struct {
	slurm    Slurm
	interval time.Duration
	logger   logrus.FieldLogger

	mtx          sync.Mutex
	tracked      map[int64]string // slurm id -> last seen state
	missing      map[int64]int    // slurm id -> consecutive absent responses
	listeners    map[int]func(hpc.SlurmEvent)
	nextListener int
	running      bool
	stop         chan struct{}
	done         chan struct{}

	mTicks        prometheus.Counter
	mTickFailures prometheus.Counter
	mEvents       prometheus.Counter
}

func NewPollAgent(slurm Slurm, interval time.Duration, logger logrus.FieldLogger) *PollAgent {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &PollAgent{
		slurm:     slurm,
		interval:  interval,
		logger:    logger,
		tracked:   make(map[int64]string),
		missing:   make(map[int64]int),
		listeners: make(map[int]func(hpc.SlurmEvent)),
		mTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpcloud",
			Subsystem: "pollagent",
			Name:      "ticks_total",
			Help:      "Number of sacct poll queries issued.",
		}),
		mTickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpcloud",
			Subsystem: "pollagent",
			Name:      "tick_failures_total",
			Help:      "Number of sacct poll queries that failed.",
		}),
		mEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpcloud",
			Subsystem: "pollagent",
			Name:      "events_total",
			Help:      "Number of Slurm state transition events emitted.",
		}),
	}
}

// RegisterMetrics registers the agent's counters on reg.
func (pa *PollAgent) RegisterMetrics(reg *prometheus.Registry) {
	reg.MustRegister(pa.mTicks, pa.mTickFailures, pa.mEvents)
}

// Start launches the polling goroutine. Starting an agent that is
// already running returns ErrAgentRunning.
func (pa *PollAgent) Start() error {
	pa.mtx.Lock()
	defer pa.mtx.Unlock()
	if pa.running {
		return ErrAgentRunning
	}
	pa.running = true
	pa.stop = make(chan struct{})
	pa.done = make(chan struct{})
	go pa.run(pa.stop, pa.done)
	return nil
}

// Stop terminates the polling goroutine and waits for it to finish.
// The set of tracked jobs survives a Stop/Start cycle.
func (pa *PollAgent) Stop() {
	pa.mtx.Lock()
	if !pa.running {
		pa.mtx.Unlock()
		return
	}
	pa.running = false
	stop, done := pa.stop, pa.done
	pa.mtx.Unlock()
	close(stop)
	<-done
}

// TrackJob adds a Slurm job id to the watch set.
func (pa *PollAgent) TrackJob(id int64) {
	pa.mtx.Lock()
	defer pa.mtx.Unlock()
	if _, ok := pa.tracked[id]; !ok {
		pa.tracked[id] = ""
	}
	delete(pa.missing, id)
}

// AddListener registers fn to be called for every observed state
// transition, and returns a handle for RemoveListener.
func (pa *PollAgent) AddListener(fn func(hpc.SlurmEvent)) int {
	pa.mtx.Lock()
	defer pa.mtx.Unlock()
	id := pa.nextListener
	pa.nextListener++
	pa.listeners[id] = fn
	return id
}

// RemoveListener unregisters a listener added with AddListener.
func (pa *PollAgent) RemoveListener(id int) {
	pa.mtx.Lock()
	defer pa.mtx.Unlock()
	delete(pa.listeners, id)
}

func (pa *PollAgent) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pa.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pa.poll()
		}
	}
}

func (pa *PollAgent) poll() {
	pa.mtx.Lock()
	ids := make([]int64, 0, len(pa.tracked))
	for id := range pa.tracked {
		ids = append(ids, id)
	}
	pa.mtx.Unlock()
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pa.interval)
	defer cancel()
	pa.mTicks.Inc()
	states, err := pa.slurm.States(ctx, ids)
	if err != nil {
		pa.mTickFailures.Inc()
		pa.logger.WithError(err).Warn("sacct poll failed")
		return
	}

	var events []hpc.SlurmEvent
	pa.mtx.Lock()
	for _, id := range ids {
		if _, ok := states[id]; ok {
			delete(pa.missing, id)
			continue
		}
		pa.missing[id]++
		if pa.missing[id] >= maxPollMisses {
			pa.logger.WithField("SlurmID", id).Warn("job gone from accounting, dropping from tracking")
			delete(pa.tracked, id)
			delete(pa.missing, id)
		}
	}
	for id, state := range states {
		prev, ok := pa.tracked[id]
		if !ok || state == prev {
			continue
		}
		pa.tracked[id] = state
		switch {
		case state == "RUNNING":
			events = append(events, hpc.SlurmEventRunning{SlurmID: id})
		case state == "COMPLETED":
			events = append(events, hpc.SlurmEventEnded{SlurmID: id})
			delete(pa.tracked, id)
		case state == "TIMEOUT":
			events = append(events, hpc.SlurmEventTimeout{SlurmID: id})
			delete(pa.tracked, id)
		case terminalStates[state]:
			events = append(events, hpc.SlurmEventFailed{SlurmID: id, State: state})
			delete(pa.tracked, id)
		}
	}
	listeners := make([]func(hpc.SlurmEvent), 0, len(pa.listeners))
	for _, fn := range pa.listeners {
		listeners = append(listeners, fn)
	}
	pa.mtx.Unlock()

	pa.mEvents.Add(float64(len(events)))
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}
