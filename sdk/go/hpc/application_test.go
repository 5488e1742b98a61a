// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpc

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ApplicationSuite{})

type ApplicationSuite struct{}

func (s *ApplicationSuite) TestBindText(c *check.C) {
	p := ApplicationParameter{Name: "greeting", Type: ParameterTypeText}
	v, err := p.Bind("hello")
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, "hello")

	_, err = p.Bind(nil)
	c.Check(err, check.FitsTypeOf, &ValueMissingError{})

	p.DefaultValue = "hi"
	v, err = p.Bind(nil)
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, "hi")
}

func (s *ApplicationSuite) TestBindInteger(c *check.C) {
	p := ApplicationParameter{Name: "n", Type: ParameterTypeInteger}
	v, err := p.Bind(42)
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, "42")

	// JSON decoding hands integers over as float64.
	v, err = p.Bind(float64(7))
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, "7")

	_, err = p.Bind(7.5)
	c.Check(err, check.FitsTypeOf, &ValueTypeError{})
	_, err = p.Bind("seven")
	c.Check(err, check.FitsTypeOf, &ValueTypeError{})
}

func (s *ApplicationSuite) TestBindBool(c *check.C) {
	p := ApplicationParameter{
		Name:       "verbose",
		Type:       ParameterTypeBool,
		TrueValue:  "--verbose",
		FalseValue: "--quiet",
	}
	v, err := p.Bind(true)
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, "--verbose")

	v, err = p.Bind(false)
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, "--quiet")

	v, err = p.Bind("true")
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, "--verbose")

	_, err = p.Bind("yes")
	c.Check(err, check.FitsTypeOf, &ValueTypeError{})
}

func (s *ApplicationSuite) TestBindInputFile(c *check.C) {
	p := ApplicationParameter{Name: "infile", Type: ParameterTypeInputFile}
	v, err := p.Bind(map[string]interface{}{
		"source":      "/home/user/data.csv",
		"destination": "files/data.csv",
	})
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, "files/data.csv")

	_, err = p.Bind(map[string]interface{}{"destination": "files/data.csv"})
	c.Check(err, check.FitsTypeOf, &ValueTypeError{})
	_, err = p.Bind("just-a-string")
	c.Check(err, check.FitsTypeOf, &ValueTypeError{})

	ft, err := p.BindFile(FileTransfer{Source: "a", Destination: "b"})
	c.Check(err, check.IsNil)
	c.Check(ft, check.Equals, FileTransfer{Source: "a", Destination: "b"})
}

func (s *ApplicationSuite) TestParameterLookup(c *check.C) {
	app := Application{
		Info: NameAndVersion{Name: "figlet", Version: "1.0.0"},
		Parameters: []ApplicationParameter{
			{Name: "greeting", Type: ParameterTypeText},
		},
	}
	p, ok := app.Parameter("greeting")
	c.Check(ok, check.Equals, true)
	c.Check(p.Name, check.Equals, "greeting")
	_, ok = app.Parameter("missing")
	c.Check(ok, check.Equals, false)
}

func (s *ApplicationSuite) TestJobStateOrdering(c *check.C) {
	c.Check(JobStateValidated.Order() < JobStatePrepared.Order(), check.Equals, true)
	c.Check(JobStatePrepared.Order() < JobStateScheduled.Order(), check.Equals, true)
	c.Check(JobStateScheduled.Order() < JobStateRunning.Order(), check.Equals, true)
	c.Check(JobStateRunning.Order() < JobStateSuccess.Order(), check.Equals, true)
	c.Check(JobStateSuccess.Order(), check.Equals, JobStateFailure.Order())
	c.Check(JobStateSuccess.IsTerminal(), check.Equals, true)
	c.Check(JobStateFailure.IsTerminal(), check.Equals, true)
	c.Check(JobStateRunning.IsTerminal(), check.Equals, false)
}
