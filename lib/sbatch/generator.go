// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sbatch renders Slurm batch scripts from validated job
// descriptions. Generation is pure: no I/O, no randomness, identical
// inputs produce byte-identical scripts.
package sbatch

import (
	"fmt"
	"strings"

	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
)

// Job is the resolved input to Generate. Resource fields must
// already have tool defaults applied where the user supplied none.
type Job struct {
	Application      hpc.Application
	Tool             hpc.Tool
	Parameters       map[string]interface{}
	NumberOfNodes    int
	TasksPerNode     int
	MaxTime          hpc.Duration
	WorkingDirectory string
}

// Generate renders the batch script: resource directives, module
// loads for the tool's required modules, and exactly one srun line
// invoking the container backend with the expanded invocation.
func Generate(job Job) (string, error) {
	binary, err := job.Tool.Backend.Binary()
	if err != nil {
		return "", err
	}
	invocation, err := expandInvocation(job.Application, job.Parameters)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --nodes %d\n", job.NumberOfNodes)
	fmt.Fprintf(&b, "#SBATCH --ntasks-per-node %d\n", job.TasksPerNode)
	fmt.Fprintf(&b, "#SBATCH --time %s\n", job.MaxTime)
	if job.WorkingDirectory != "" {
		fmt.Fprintf(&b, "#SBATCH --chdir %s\n", quote(job.WorkingDirectory))
	}
	b.WriteString("\n")
	for _, mod := range job.Tool.RequiredModules {
		fmt.Fprintf(&b, "module add %s\n", quote(mod))
	}
	if len(job.Tool.RequiredModules) > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "srun %s %s", binary, quote(job.Tool.Container))
	if invocation != "" {
		b.WriteString(" ")
		b.WriteString(invocation)
	}
	b.WriteString("\n")
	return b.String(), nil
}

// expandInvocation concatenates the application's invocation
// fragments in declaration order, separated by single spaces. Word
// fragments pass through untouched; variable fragments render their
// optional prefix followed by each referenced parameter's bound
// value, quoted. A variable fragment whose parameters are all
// optional and unbound is skipped.
func expandInvocation(app hpc.Application, params map[string]interface{}) (string, error) {
	var parts []string
	for _, frag := range app.Invocation {
		if frag.IsWord() {
			parts = append(parts, frag.Word)
			continue
		}
		var values []string
		skip := false
		for _, name := range frag.Variables {
			decl, ok := app.Parameter(name)
			if !ok {
				return "", fmt.Errorf("invocation references undeclared parameter %q", name)
			}
			bound, err := decl.Bind(params[name])
			if err != nil {
				if _, missing := err.(*hpc.ValueMissingError); missing && decl.Optional {
					skip = true
					break
				}
				return "", err
			}
			values = append(values, quote(bound))
		}
		if skip {
			continue
		}
		rendered := strings.Join(values, " ")
		if frag.Prefix != "" {
			rendered = frag.Prefix + rendered
		}
		parts = append(parts, rendered)
	}
	return strings.Join(parts, " "), nil
}

var quoteEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"$", `\$`,
	"`", "\\`",
)

// quote wraps s in double quotes, escaping the characters the shell
// treats specially inside them.
func quote(s string) string {
	return `"` + quoteEscaper.Replace(s) + `"`
}
