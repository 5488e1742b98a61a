// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ValidatorSuite{})

type ValidatorSuite struct {
	v *Validator
}

func (s *ValidatorSuite) SetUpTest(c *check.C) {
	s.v = &Validator{Secret: []byte("test-secret")}
}

func (s *ValidatorSuite) TestRoundTrip(c *check.C) {
	tok, err := s.v.Sign("alice", time.Minute)
	c.Assert(err, check.IsNil)
	p, err := s.v.Validate(tok)
	c.Check(err, check.IsNil)
	c.Check(p.Subject, check.Equals, "alice")
	c.Check(p.Token, check.Equals, tok)
	c.Check(p.IsService(), check.Equals, false)
}

func (s *ValidatorSuite) TestServicePrincipal(c *check.C) {
	tok, err := s.v.Sign("_app-computation-backend", time.Minute)
	c.Assert(err, check.IsNil)
	p, err := s.v.Validate(tok)
	c.Check(err, check.IsNil)
	c.Check(p.IsService(), check.Equals, true)
}

func (s *ValidatorSuite) TestExpired(c *check.C) {
	tok, err := s.v.Sign("alice", -time.Minute)
	c.Assert(err, check.IsNil)
	_, err = s.v.Validate(tok)
	c.Check(err, check.ErrorMatches, `invalid token: .*expired.*`)
}

func (s *ValidatorSuite) TestWrongSecret(c *check.C) {
	other := &Validator{Secret: []byte("other-secret")}
	tok, err := other.Sign("alice", time.Minute)
	c.Assert(err, check.IsNil)
	_, err = s.v.Validate(tok)
	c.Check(err, check.NotNil)
}

func (s *ValidatorSuite) TestMissingExpiry(c *check.C) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "alice"})
	tok, err := t.SignedString(s.v.Secret)
	c.Assert(err, check.IsNil)
	_, err = s.v.Validate(tok)
	c.Check(err, check.NotNil)
}

func (s *ValidatorSuite) TestMissingSubject(c *check.C) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	tok, err := t.SignedString(s.v.Secret)
	c.Assert(err, check.IsNil)
	_, err = s.v.Validate(tok)
	c.Check(err, check.ErrorMatches, `invalid token: missing subject`)
}

func (s *ValidatorSuite) TestGarbage(c *check.C) {
	_, err := s.v.Validate("not-a-token")
	c.Check(err, check.NotNil)
}
