// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurm submits batch scripts to Slurm and reads job state
// back out of its accounting database, using the Slurm command line
// tools on the frontend.
package slurm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"git.hpcloud.dev/hpcloud.git/lib/sshpool"
	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	"github.com/kballard/go-shellquote"
)

type Slurm interface {
	// Batch submits the script at the given remote path and
	// returns the Slurm job id.
	Batch(ctx context.Context, scriptPath string) (int64, error)
	// States returns the current accounting state for each of the
	// given job ids. Jobs unknown to sacct are absent from the
	// result.
	States(ctx context.Context, ids []int64) (map[int64]string, error)
	// Elapsed returns the wall-clock time consumed by the given
	// job.
	Elapsed(ctx context.Context, id int64) (hpc.Duration, error)
}

type runner interface {
	With(ctx context.Context, fn func(sshpool.Commander) error) error
}

// NewCLI returns a Slurm implementation that runs sbatch and sacct
// over pooled SSH connections.
func NewCLI(pool *sshpool.Pool) Slurm {
	return &slurmCLI{pool: pool}
}

type slurmCLI struct {
	pool runner
}

var submitRe = regexp.MustCompile(`Submitted batch job (\d+)`)

func (scli *slurmCLI) Batch(ctx context.Context, scriptPath string) (int64, error) {
	stdout, err := scli.run(ctx, "sbatch", scriptPath)
	if err != nil {
		return 0, err
	}
	m := submitRe.FindSubmatch(stdout)
	if m == nil {
		return 0, fmt.Errorf("sbatch output %q contains no job id", strings.TrimSpace(string(stdout)))
	}
	id, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sbatch output %q contains no job id", strings.TrimSpace(string(stdout)))
	}
	return id, nil
}

func (scli *slurmCLI) States(ctx context.Context, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idArgs := make([]string, len(ids))
	for i, id := range ids {
		idArgs[i] = strconv.FormatInt(id, 10)
	}
	stdout, err := scli.run(ctx,
		"sacct", "--jobs", strings.Join(idArgs, ","),
		"--noheader", "--parsable2", "--format", "jobid,state")
	if err != nil {
		return nil, err
	}
	states := make(map[int64]string)
	for _, line := range strings.Split(string(stdout), "\n") {
		jobid, state, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		// Skip job steps such as "123.batch".
		id, err := strconv.ParseInt(jobid, 10, 64)
		if err != nil {
			continue
		}
		// "CANCELLED by 1000" and friends
		if f := strings.Fields(state); len(f) > 0 {
			state = f[0]
		}
		states[id] = state
	}
	return states, nil
}

func (scli *slurmCLI) Elapsed(ctx context.Context, id int64) (hpc.Duration, error) {
	stdout, err := scli.run(ctx,
		"sacct", "--jobs", strconv.FormatInt(id, 10),
		"--noheader", "--parsable2", "--format", "elapsed")
	if err != nil {
		return hpc.Duration{}, err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(stdout)), "\n")
	d, err := hpc.ParseDuration(strings.TrimSpace(line))
	if err != nil {
		return hpc.Duration{}, fmt.Errorf("sacct elapsed for job %d: %w", id, err)
	}
	return d, nil
}

func (scli *slurmCLI) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := shellquote.Join(args...)
	var stdout []byte
	err := scli.pool.With(ctx, func(cmdr sshpool.Commander) error {
		var stderr []byte
		var err error
		stdout, stderr, err = cmdr.Execute(nil, cmd, nil)
		if err != nil {
			return fmt.Errorf("%s: %w (%q)", args[0], err, strings.TrimSpace(string(stderr)))
		}
		return nil
	})
	return stdout, err
}
