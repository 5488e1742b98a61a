// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sbatch

import (
	"strings"
	"testing"

	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&GeneratorSuite{})

type GeneratorSuite struct{}

func figletTool() hpc.Tool {
	return hpc.Tool{
		Info:                 hpc.NameAndVersion{Name: "figlet", Version: "1.0.0"},
		Container:            "figlet.simg",
		Backend:              hpc.ToolBackendSingularity,
		DefaultNumberOfNodes: 1,
		DefaultTasksPerNode:  1,
		DefaultMaxTime:       hpc.Duration{Hours: 1},
		RequiredModules:      []string{"singularity"},
	}
}

func figletJob() Job {
	return Job{
		Application: hpc.Application{
			Info: hpc.NameAndVersion{Name: "figlet", Version: "1.0.0"},
			Tool: hpc.NameAndVersion{Name: "figlet", Version: "1.0.0"},
			Invocation: []hpc.InvocationFragment{
				{Word: "figlet"},
				{Variables: []string{"greeting"}, Prefix: "--greeting "},
				{Variables: []string{"infile"}},
			},
			Parameters: []hpc.ApplicationParameter{
				{Name: "greeting", Type: hpc.ParameterTypeText},
				{Name: "infile", Type: hpc.ParameterTypeInputFile},
			},
		},
		Tool: figletTool(),
		Parameters: map[string]interface{}{
			"greeting": "test",
			"infile": map[string]interface{}{
				"source":      "/home/user/afile.txt",
				"destination": "files/afile.txt",
			},
		},
		NumberOfNodes:    1,
		TasksPerNode:     1,
		MaxTime:          hpc.Duration{Hours: 1},
		WorkingDirectory: "/scratch/projects/job-1/files",
	}
}

func (s *GeneratorSuite) TestIdempotent(c *check.C) {
	first, err := Generate(figletJob())
	c.Assert(err, check.IsNil)
	second, err := Generate(figletJob())
	c.Assert(err, check.IsNil)
	c.Check(first, check.Equals, second)
}

func (s *GeneratorSuite) TestResourceHeaders(c *check.C) {
	script, err := Generate(figletJob())
	c.Assert(err, check.IsNil)
	c.Check(strings.HasPrefix(script, "#!/bin/bash\n"), check.Equals, true)
	c.Check(script, check.Matches, `(?s).*#SBATCH --nodes 1\n.*`)
	c.Check(script, check.Matches, `(?s).*#SBATCH --ntasks-per-node 1\n.*`)
	c.Check(script, check.Matches, `(?s).*#SBATCH --time 01:00:00\n.*`)
}

func (s *GeneratorSuite) TestWorkingDirectoryDirective(c *check.C) {
	script, err := Generate(figletJob())
	c.Assert(err, check.IsNil)
	c.Check(script, check.Matches, `(?s).*#SBATCH --chdir "/scratch/projects/job-1/files"\n.*`)

	job := figletJob()
	job.WorkingDirectory = ""
	script, err = Generate(job)
	c.Assert(err, check.IsNil)
	c.Check(strings.Contains(script, "--chdir"), check.Equals, false)
}

func (s *GeneratorSuite) TestModuleDirectives(c *check.C) {
	script, err := Generate(figletJob())
	c.Assert(err, check.IsNil)
	c.Check(script, check.Matches, `(?s).*module add "singularity"\n.*`)
}

func (s *GeneratorSuite) TestInvocationExpansion(c *check.C) {
	script, err := Generate(figletJob())
	c.Assert(err, check.IsNil)
	srun := srunLine(c, script)
	c.Check(srun, check.Equals, `srun singularity "figlet.simg" figlet --greeting "test" "files/afile.txt"`)
}

func (s *GeneratorSuite) TestBooleanSubstitution(c *check.C) {
	job := figletJob()
	job.Application.Invocation = []hpc.InvocationFragment{
		{Word: "figlet"},
		{Variables: []string{"flag"}},
	}
	job.Application.Parameters = []hpc.ApplicationParameter{
		{Name: "flag", Type: hpc.ParameterTypeBool, TrueValue: "yes", FalseValue: "no"},
	}
	job.Parameters = map[string]interface{}{"flag": true}

	script, err := Generate(job)
	c.Assert(err, check.IsNil)
	srun := srunLine(c, script)
	c.Check(strings.Contains(srun, `"yes"`), check.Equals, true)
	c.Check(strings.Contains(srun, "true"), check.Equals, false)
}

func (s *GeneratorSuite) TestOptionalParameterSkipped(c *check.C) {
	job := figletJob()
	job.Application.Invocation = []hpc.InvocationFragment{
		{Word: "figlet"},
		{Variables: []string{"width"}, Prefix: "-w "},
	}
	job.Application.Parameters = []hpc.ApplicationParameter{
		{Name: "width", Type: hpc.ParameterTypeInteger, Optional: true},
	}
	job.Parameters = nil

	script, err := Generate(job)
	c.Assert(err, check.IsNil)
	c.Check(srunLine(c, script), check.Equals, `srun singularity "figlet.simg" figlet`)
}

func (s *GeneratorSuite) TestMissingRequiredParameter(c *check.C) {
	job := figletJob()
	delete(job.Parameters, "greeting")
	_, err := Generate(job)
	c.Check(err, check.FitsTypeOf, &hpc.ValueMissingError{})
}

func (s *GeneratorSuite) TestUndeclaredParameter(c *check.C) {
	job := figletJob()
	job.Application.Invocation = append(job.Application.Invocation, hpc.InvocationFragment{Variables: []string{"mystery"}})
	_, err := Generate(job)
	c.Check(err, check.ErrorMatches, `invocation references undeclared parameter "mystery"`)
}

func (s *GeneratorSuite) TestUnsupportedBackend(c *check.C) {
	job := figletJob()
	job.Tool.Backend = hpc.ToolBackend("hyperdrive")
	_, err := Generate(job)
	c.Check(err, check.ErrorMatches, `unsupported tool backend "hyperdrive"`)
}

func (s *GeneratorSuite) TestQuoting(c *check.C) {
	job := figletJob()
	job.Parameters["greeting"] = `he said "hi" for $5`
	script, err := Generate(job)
	c.Assert(err, check.IsNil)
	c.Check(strings.Contains(srunLine(c, script), `--greeting "he said \"hi\" for \$5"`), check.Equals, true)
}

func (s *GeneratorSuite) TestExactlyOneSrunLine(c *check.C) {
	script, err := Generate(figletJob())
	c.Assert(err, check.IsNil)
	c.Check(strings.Count(script, "srun "), check.Equals, 1)
}

func srunLine(c *check.C, script string) string {
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(line, "srun ") {
			return line
		}
	}
	c.Fatalf("no srun line in script:\n%s", script)
	return ""
}
