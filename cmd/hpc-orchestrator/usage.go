// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"flag"
	"fmt"
	"os"
)

func newFlagSet(prog string) *flag.FlagSet {
	flags := flag.NewFlagSet(prog, flag.ExitOnError)
	flags.Usage = func() { usage(flags) }
	return flags
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `
hpc-orchestrator runs user-submitted applications on an HPC cluster
by shipping input files over SSH and submitting Slurm batch jobs.

Options:
`)
	fs.PrintDefaults()
}
