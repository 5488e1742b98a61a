// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is an authenticated caller: an end user, or a service
// account (subjects starting with "_app-").
type Principal struct {
	// Subject is the username or service account name from the
	// token's "sub" claim.
	Subject string
	// Role is the value of the token's "role" claim, if any.
	Role string
	// Token is the raw serialized token, kept so work done on the
	// principal's behalf can present it downstream.
	Token string
}

// IsService reports whether the principal is a service account
// rather than an end user.
func (p Principal) IsService() bool {
	return strings.HasPrefix(p.Subject, "_app-")
}

var ErrInvalidToken = errors.New("invalid token")

// Validator checks bearer tokens signed with a shared HMAC secret
// and extracts the calling principal.
type Validator struct {
	Secret []byte
}

// Validate parses and verifies the given serialized token. It
// accepts only HMAC signatures, requires an expiry claim, and
// returns ErrInvalidToken (wrapped) on any failure.
func (v *Validator) Validate(token string) (Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Name,
			jwt.SigningMethodHS512.Name,
		}),
		jwt.WithExpirationRequired(),
	)
	t, err := parser.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return v.Secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, _ := claims["role"].(string)
	return Principal{Subject: sub, Role: role, Token: token}, nil
}

// Sign issues a token for the given subject, expiring after ttl.
// Used by tests and by services acting on their own behalf.
func (v *Validator) Sign(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return t.SignedString(v.Secret)
}

type principalCtxKeyType struct{}

var principalCtxKey principalCtxKeyType

// NewContext returns a child context carrying the given principal.
func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// FromContext returns the principal attached by NewContext, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey).(Principal)
	return p, ok
}
