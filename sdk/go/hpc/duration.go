// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a wall-clock allocation expressed the way Slurm
// expresses it: hours, minutes, seconds. It renders as "HH:MM:SS" in
// batch scripts, JSON, and YAML.
type Duration struct {
	Hours   int
	Minutes int
	Seconds int
}

// String implements fmt.Stringer. Components are zero-padded to two
// digits; hours may exceed two digits.
func (d Duration) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", d.Hours, d.Minutes, d.Seconds)
}

// ToDuration converts to a time.Duration.
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Seconds)*time.Second
}

// DurationFromMillis builds a Duration from a millisecond count,
// truncating sub-second precision.
func DurationFromMillis(ms int64) Duration {
	secs := ms / 1000
	return Duration{
		Hours:   int(secs / 3600),
		Minutes: int(secs % 3600 / 60),
		Seconds: int(secs % 60),
	}
}

// ParseDuration parses "HH:MM:SS", or "D-HH:MM:SS" as reported by
// sacct for jobs that ran longer than a day.
func ParseDuration(s string) (Duration, error) {
	var days int
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		d, err := strconv.Atoi(s[:idx])
		if err != nil {
			return Duration{}, fmt.Errorf("malformed duration %q", s)
		}
		days = d
		s = s[idx+1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Duration{}, fmt.Errorf("malformed duration %q", s)
	}
	var hms [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Duration{}, fmt.Errorf("malformed duration %q", s)
		}
		hms[i] = n
	}
	if hms[1] > 59 || hms[2] > 59 {
		return Duration{}, fmt.Errorf("malformed duration %q: minutes and seconds must be in 0..59", s)
	}
	return Duration{Hours: days*24 + hms[0], Minutes: hms[1], Seconds: hms[2]}, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be given as a string like \"01:30:00\"")
	}
	dur, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = dur
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
