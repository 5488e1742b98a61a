// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"context"
	"sync"
	"time"

	"git.hpcloud.dev/hpcloud.git/sdk/go/ctxlog"
	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PollAgentSuite{})

type PollAgentSuite struct{}

type stubSlurm struct {
	mtx    sync.Mutex
	states map[int64]string
	calls  int
}

func (ss *stubSlurm) Batch(ctx context.Context, scriptPath string) (int64, error) {
	return 0, nil
}

func (ss *stubSlurm) States(ctx context.Context, ids []int64) (map[int64]string, error) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	ss.calls++
	out := make(map[int64]string)
	for _, id := range ids {
		if st, ok := ss.states[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (ss *stubSlurm) Elapsed(ctx context.Context, id int64) (hpc.Duration, error) {
	return hpc.Duration{}, nil
}

func (ss *stubSlurm) set(id int64, state string) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.states == nil {
		ss.states = make(map[int64]string)
	}
	ss.states[id] = state
}

func newTestAgent(c *check.C, ss *stubSlurm) (*PollAgent, chan hpc.SlurmEvent) {
	pa := NewPollAgent(ss, time.Hour, ctxlog.TestLogger(c))
	events := make(chan hpc.SlurmEvent, 100)
	pa.AddListener(func(ev hpc.SlurmEvent) { events <- ev })
	return pa, events
}

func (s *PollAgentSuite) TestDoubleStart(c *check.C) {
	pa, _ := newTestAgent(c, &stubSlurm{})
	c.Assert(pa.Start(), check.IsNil)
	c.Check(pa.Start(), check.Equals, ErrAgentRunning)
	pa.Stop()
	// A stopped agent can be started again.
	c.Check(pa.Start(), check.IsNil)
	pa.Stop()
}

func (s *PollAgentSuite) TestTransitions(c *check.C) {
	ss := &stubSlurm{}
	pa, events := newTestAgent(c, ss)
	pa.TrackJob(123)

	ss.set(123, "PENDING")
	pa.poll()
	select {
	case ev := <-events:
		c.Fatalf("unexpected event for pending job: %#v", ev)
	default:
	}

	ss.set(123, "RUNNING")
	pa.poll()
	c.Check(<-events, check.Equals, hpc.SlurmEvent(hpc.SlurmEventRunning{SlurmID: 123}))

	// Unchanged state emits nothing.
	pa.poll()
	select {
	case ev := <-events:
		c.Fatalf("unexpected event for unchanged state: %#v", ev)
	default:
	}

	ss.set(123, "COMPLETED")
	pa.poll()
	c.Check(<-events, check.Equals, hpc.SlurmEvent(hpc.SlurmEventEnded{SlurmID: 123}))

	// Terminal jobs are dropped from tracking, so no further
	// sacct queries happen once the watch set is empty.
	before := ss.calls
	pa.poll()
	c.Check(ss.calls, check.Equals, before)
}

func (s *PollAgentSuite) TestFailureAndTimeout(c *check.C) {
	ss := &stubSlurm{}
	pa, events := newTestAgent(c, ss)
	pa.TrackJob(1)
	pa.TrackJob(2)
	pa.TrackJob(3)

	ss.set(1, "FAILED")
	ss.set(2, "TIMEOUT")
	ss.set(3, "CANCELLED")
	pa.poll()

	got := map[hpc.SlurmEvent]bool{}
	for i := 0; i < 3; i++ {
		got[<-events] = true
	}
	c.Check(got[hpc.SlurmEventFailed{SlurmID: 1, State: "FAILED"}], check.Equals, true)
	c.Check(got[hpc.SlurmEventTimeout{SlurmID: 2}], check.Equals, true)
	c.Check(got[hpc.SlurmEventFailed{SlurmID: 3, State: "CANCELLED"}], check.Equals, true)
}

func (s *PollAgentSuite) TestTrackingSurvivesRestart(c *check.C) {
	ss := &stubSlurm{}
	pa, events := newTestAgent(c, ss)
	pa.TrackJob(7)

	c.Assert(pa.Start(), check.IsNil)
	pa.Stop()
	c.Assert(pa.Start(), check.IsNil)
	pa.Stop()

	ss.set(7, "RUNNING")
	pa.poll()
	c.Check(<-events, check.Equals, hpc.SlurmEvent(hpc.SlurmEventRunning{SlurmID: 7}))
}

func (s *PollAgentSuite) TestMissingJobDropped(c *check.C) {
	ss := &stubSlurm{}
	pa, events := newTestAgent(c, ss)
	pa.TrackJob(9)

	// sacct never reports the id, e.g. accounting got purged.
	// After enough empty responses the agent stops asking.
	for i := 0; i < maxPollMisses; i++ {
		pa.poll()
	}
	c.Check(ss.calls, check.Equals, maxPollMisses)
	pa.poll()
	c.Check(ss.calls, check.Equals, maxPollMisses)
	select {
	case ev := <-events:
		c.Fatalf("unexpected event for vanished job: %#v", ev)
	default:
	}
}

func (s *PollAgentSuite) TestMissCountResetsWhenReported(c *check.C) {
	ss := &stubSlurm{}
	pa, events := newTestAgent(c, ss)
	pa.TrackJob(9)

	for i := 0; i < maxPollMisses-1; i++ {
		pa.poll()
	}
	ss.set(9, "RUNNING")
	pa.poll()
	c.Check(<-events, check.Equals, hpc.SlurmEvent(hpc.SlurmEventRunning{SlurmID: 9}))

	// Having been reported once, the job gets a fresh allowance.
	delete(ss.states, 9)
	for i := 0; i < maxPollMisses-1; i++ {
		pa.poll()
	}
	before := ss.calls
	pa.poll()
	c.Check(ss.calls, check.Equals, before+1)
}

func (s *PollAgentSuite) TestRemoveListener(c *check.C) {
	ss := &stubSlurm{}
	pa := NewPollAgent(ss, time.Hour, ctxlog.TestLogger(c))
	events := make(chan hpc.SlurmEvent, 10)
	id := pa.AddListener(func(ev hpc.SlurmEvent) { events <- ev })
	pa.RemoveListener(id)

	pa.TrackJob(5)
	ss.set(5, "RUNNING")
	pa.poll()
	select {
	case ev := <-events:
		c.Fatalf("listener called after removal: %#v", ev)
	default:
	}
}
