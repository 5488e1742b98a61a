// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"context"
	"errors"
	"io"
	"testing"

	"git.hpcloud.dev/hpcloud.git/lib/sshpool"
	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CLISuite{})

type CLISuite struct{}

type stubRunner struct {
	cmds    []string
	respond func(cmd string) ([]byte, []byte, error)
}

func (r *stubRunner) With(ctx context.Context, fn func(sshpool.Commander) error) error {
	return fn(stubCommander{r})
}

type stubCommander struct {
	r *stubRunner
}

func (c stubCommander) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	c.r.cmds = append(c.r.cmds, cmd)
	if c.r.respond == nil {
		return nil, nil, nil
	}
	return c.r.respond(cmd)
}

func (s *CLISuite) TestBatch(c *check.C) {
	r := &stubRunner{respond: func(cmd string) ([]byte, []byte, error) {
		return []byte("Submitted batch job 123\n"), nil, nil
	}}
	scli := &slurmCLI{pool: r}
	id, err := scli.Batch(context.Background(), "/work/job-1/job.sh")
	c.Check(err, check.IsNil)
	c.Check(id, check.Equals, int64(123))
	c.Check(r.cmds, check.DeepEquals, []string{"sbatch /work/job-1/job.sh"})
}

func (s *CLISuite) TestBatchNoJobID(c *check.C) {
	r := &stubRunner{respond: func(cmd string) ([]byte, []byte, error) {
		return []byte("sbatch: error: invalid partition\n"), nil, nil
	}}
	scli := &slurmCLI{pool: r}
	_, err := scli.Batch(context.Background(), "/work/job.sh")
	c.Check(err, check.ErrorMatches, `sbatch output .* contains no job id`)
}

func (s *CLISuite) TestBatchCommandError(c *check.C) {
	r := &stubRunner{respond: func(cmd string) ([]byte, []byte, error) {
		return nil, []byte("Permission denied"), errors.New("exit status 1")
	}}
	scli := &slurmCLI{pool: r}
	_, err := scli.Batch(context.Background(), "/work/job.sh")
	c.Check(err, check.ErrorMatches, `sbatch: exit status 1 .*Permission denied.*`)
}

func (s *CLISuite) TestStates(c *check.C) {
	r := &stubRunner{respond: func(cmd string) ([]byte, []byte, error) {
		return []byte("" +
			"123|RUNNING\n" +
			"123.batch|RUNNING\n" +
			"124|COMPLETED\n" +
			"125|CANCELLED by 1000\n"), nil, nil
	}}
	scli := &slurmCLI{pool: r}
	states, err := scli.States(context.Background(), []int64{123, 124, 125})
	c.Assert(err, check.IsNil)
	c.Check(states, check.DeepEquals, map[int64]string{
		123: "RUNNING",
		124: "COMPLETED",
		125: "CANCELLED",
	})
	c.Check(r.cmds, check.DeepEquals, []string{
		"sacct --jobs 123,124,125 --noheader --parsable2 --format jobid,state",
	})
}

func (s *CLISuite) TestStatesEmpty(c *check.C) {
	r := &stubRunner{}
	scli := &slurmCLI{pool: r}
	states, err := scli.States(context.Background(), nil)
	c.Check(err, check.IsNil)
	c.Check(states, check.HasLen, 0)
	c.Check(r.cmds, check.HasLen, 0)
}

func (s *CLISuite) TestElapsed(c *check.C) {
	r := &stubRunner{respond: func(cmd string) ([]byte, []byte, error) {
		return []byte("01:23:45\n01:23:45\n"), nil, nil
	}}
	scli := &slurmCLI{pool: r}
	d, err := scli.Elapsed(context.Background(), 123)
	c.Check(err, check.IsNil)
	c.Check(d, check.Equals, hpc.Duration{Hours: 1, Minutes: 23, Seconds: 45})
	c.Check(r.cmds, check.DeepEquals, []string{
		"sacct --jobs 123 --noheader --parsable2 --format elapsed",
	})
}

func (s *CLISuite) TestElapsedMultiDay(c *check.C) {
	r := &stubRunner{respond: func(cmd string) ([]byte, []byte, error) {
		return []byte("1-02:03:04\n"), nil, nil
	}}
	scli := &slurmCLI{pool: r}
	d, err := scli.Elapsed(context.Background(), 9)
	c.Check(err, check.IsNil)
	c.Check(d, check.Equals, hpc.Duration{Hours: 26, Minutes: 3, Seconds: 4})
}
