// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpc

import (
	"encoding/json"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestString(c *check.C) {
	for _, trial := range []struct {
		d   Duration
		out string
	}{
		{Duration{}, "00:00:00"},
		{Duration{Minutes: 1}, "00:01:00"},
		{Duration{Hours: 2, Minutes: 30, Seconds: 5}, "02:30:05"},
		{Duration{Hours: 120}, "120:00:00"},
	} {
		c.Check(trial.d.String(), check.Equals, trial.out)
	}
}

func (s *DurationSuite) TestParse(c *check.C) {
	d, err := ParseDuration("01:02:03")
	c.Check(err, check.IsNil)
	c.Check(d, check.Equals, Duration{Hours: 1, Minutes: 2, Seconds: 3})

	d, err = ParseDuration("2-03:04:05")
	c.Check(err, check.IsNil)
	c.Check(d, check.Equals, Duration{Hours: 51, Minutes: 4, Seconds: 5})

	for _, bad := range []string{"", "01:02", "1:2:3:4", "aa:bb:cc", "-01:02:03", "00:61:00", "00:00:99"} {
		_, err := ParseDuration(bad)
		c.Check(err, check.NotNil, check.Commentf("input %q", bad))
	}
}

func (s *DurationSuite) TestFromMillis(c *check.C) {
	c.Check(DurationFromMillis(0), check.Equals, Duration{})
	c.Check(DurationFromMillis(999), check.Equals, Duration{})
	c.Check(DurationFromMillis(61000), check.Equals, Duration{Minutes: 1, Seconds: 1})
	c.Check(DurationFromMillis(3661000), check.Equals, Duration{Hours: 1, Minutes: 1, Seconds: 1})
}

func (s *DurationSuite) TestToDuration(c *check.C) {
	c.Check(Duration{Hours: 1, Minutes: 30}.ToDuration(), check.Equals, 90*time.Minute)
}

func (s *DurationSuite) TestMarshalJSON(c *check.C) {
	buf, err := json.Marshal(Duration{Hours: 1, Minutes: 2, Seconds: 3})
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `"01:02:03"`)

	var d struct {
		D Duration
	}
	err = json.Unmarshal([]byte(`{"D":"12:00:30"}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D, check.Equals, Duration{Hours: 12, Seconds: 30})

	err = json.Unmarshal([]byte(`{"D":1234}`), &d)
	c.Check(err, check.ErrorMatches, `.*must be given as a string.*`)
	err = json.Unmarshal([]byte(`{"D":"forever"}`), &d)
	c.Check(err, check.ErrorMatches, `malformed duration "forever"`)
}
