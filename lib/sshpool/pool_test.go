// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sshpool

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&PoolSuite{})

type PoolSuite struct{}

// stubExec records concurrent use so tests can verify mutual
// exclusion per slot.
type stubExec struct {
	mtx    sync.Mutex
	busy   bool
	calls  int
	closed bool
	block  chan struct{}
}

func (e *stubExec) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	e.mtx.Lock()
	if e.busy {
		e.mtx.Unlock()
		panic("slot used concurrently")
	}
	e.busy = true
	e.calls++
	e.mtx.Unlock()
	if e.block != nil {
		<-e.block
	}
	e.mtx.Lock()
	e.busy = false
	e.mtx.Unlock()
	return []byte("out"), nil, nil
}

func (e *stubExec) Close() {
	e.mtx.Lock()
	e.closed = true
	e.mtx.Unlock()
}

func newStubPool(size int, borrowTimeout time.Duration) (*Pool, []*stubExec) {
	p := newPool(size, borrowTimeout)
	execs := make([]*stubExec, size)
	for i := range p.all {
		execs[i] = &stubExec{}
		p.all[i].exec = execs[i]
	}
	return p, execs
}

func (s *PoolSuite) TestBorrowReturn(c *check.C) {
	p, execs := newStubPool(2, time.Second)
	defer p.Close()

	lease, err := p.Borrow(context.Background())
	c.Assert(err, check.IsNil)
	stdout, _, err := lease.Execute(nil, "echo hi", nil)
	c.Check(err, check.IsNil)
	c.Check(string(stdout), check.Equals, "out")
	lease.Return()

	c.Check(execs[0].calls+execs[1].calls, check.Equals, 1)
}

func (s *PoolSuite) TestExhausted(c *check.C) {
	p, _ := newStubPool(1, 50*time.Millisecond)
	defer p.Close()

	lease, err := p.Borrow(context.Background())
	c.Assert(err, check.IsNil)
	defer lease.Return()

	t0 := time.Now()
	_, err = p.Borrow(context.Background())
	c.Check(err, check.Equals, ErrPoolExhausted)
	c.Check(time.Since(t0) >= 50*time.Millisecond, check.Equals, true)
}

func (s *PoolSuite) TestContextCancel(c *check.C) {
	p, _ := newStubPool(1, time.Minute)
	defer p.Close()

	lease, err := p.Borrow(context.Background())
	c.Assert(err, check.IsNil)
	defer lease.Return()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = p.Borrow(ctx)
	c.Check(err, check.Equals, context.Canceled)
}

func (s *PoolSuite) TestMutualExclusion(c *check.C) {
	p, execs := newStubPool(2, time.Second)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.With(context.Background(), func(cmdr Commander) error {
				_, _, err := cmdr.Execute(nil, "true", nil)
				return err
			})
			c.Check(err, check.IsNil)
		}()
	}
	wg.Wait()
	c.Check(execs[0].calls+execs[1].calls, check.Equals, 20)
}

func (s *PoolSuite) TestBlockedSlotFreesUp(c *check.C) {
	p, execs := newStubPool(1, time.Second)
	defer p.Close()
	execs[0].block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.With(context.Background(), func(cmdr Commander) error {
			_, _, err := cmdr.Execute(nil, "sleep", nil)
			return err
		})
	}()

	// Give the first borrower time to take the slot, then free it
	// and verify a second borrow succeeds.
	time.Sleep(10 * time.Millisecond)
	close(execs[0].block)
	<-done
	execs[0].block = nil

	lease, err := p.Borrow(context.Background())
	c.Assert(err, check.IsNil)
	lease.Return()
}

func (s *PoolSuite) TestClose(c *check.C) {
	p, execs := newStubPool(3, time.Second)
	p.Close()
	for _, e := range execs {
		c.Check(e.closed, check.Equals, true)
	}
}
