// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package backends authorizes external computation backends: services
// that are allowed to report job lifecycle events under a given
// backend name.
package backends

import (
	"fmt"

	"git.hpcloud.dev/hpcloud.git/sdk/go/auth"
	lru "github.com/hashicorp/golang-lru"
)

// Backend is a recognized computation backend and the service
// principal it must authenticate as.
type Backend struct {
	Name          string
	PrincipalName string
}

// UnrecognizedBackendError reports a backend name missing from the
// configured list.
type UnrecognizedBackendError struct {
	Name string
}

func (e *UnrecognizedBackendError) Error() string {
	return fmt.Sprintf("unrecognized backend %q", e.Name)
}

// UntrustedSourceError reports a caller claiming a backend identity
// it does not hold. Not retryable.
type UntrustedSourceError struct {
	Name      string
	Principal string
}

func (e *UntrustedSourceError) Error() string {
	return fmt.Sprintf("principal %q is not trusted to act as backend %q", e.Principal, e.Name)
}

// Service resolves and verifies backend names.
type Service struct {
	recognized map[string]bool
	cache      *lru.Cache // nil when caching is disabled
}

// New returns a Service recognizing exactly the given names. When
// cacheEnabled is set, repeated lookups of the same name return a
// pointer-identical Backend.
func New(names []string, cacheEnabled bool) *Service {
	svc := &Service{recognized: make(map[string]bool, len(names))}
	for _, name := range names {
		svc.recognized[name] = true
	}
	if cacheEnabled {
		// Size bounds memory if the configured list is ever
		// large; lookups beyond it just recompute.
		svc.cache, _ = lru.New(128)
	}
	return svc
}

// PrincipalName returns the service-account identity expected from
// the named backend.
func (svc *Service) PrincipalName(name string) string {
	return "_app-" + name
}

// GetAndVerifyByName resolves the named backend. With a non-nil
// principal, the principal's subject must equal the backend's
// service-account identity.
func (svc *Service) GetAndVerifyByName(name string, principal *auth.Principal) (*Backend, error) {
	if !svc.recognized[name] {
		return nil, &UnrecognizedBackendError{Name: name}
	}
	backend := svc.lookup(name)
	if principal != nil && principal.Subject != backend.PrincipalName {
		return nil, &UntrustedSourceError{Name: name, Principal: principal.Subject}
	}
	return backend, nil
}

func (svc *Service) lookup(name string) *Backend {
	if svc.cache != nil {
		if cached, ok := svc.cache.Get(name); ok {
			return cached.(*Backend)
		}
	}
	backend := &Backend{Name: name, PrincipalName: svc.PrincipalName(name)}
	if svc.cache != nil {
		svc.cache.Add(name, backend)
	}
	return backend
}
