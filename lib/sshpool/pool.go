// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshpool maintains a fixed-size pool of multiplexed SSH
// connections to an HPC frontend. Borrowers get exclusive use of one
// connection at a time; when all connections are in use, Borrow
// waits up to a configurable limit before giving up.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"
)

// ErrPoolExhausted is returned by Borrow when every connection stays
// busy for the whole wait limit.
var ErrPoolExhausted = errors.New("ssh pool exhausted")

// A Commander runs a shell command on the remote target and returns
// its standard output and standard error.
type Commander interface {
	Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error)
}

// Config describes the remote target and the pool dimensions.
type Config struct {
	Host string `json:"host"`
	Port string `json:"port"`
	User string `json:"user"`

	// PEM-encoded private key used to authenticate.
	PrivateKey string `json:"private_key"`

	// Expected host public key in authorized_keys format. When
	// empty, any host key is accepted.
	HostKey string `json:"host_key"`

	// Number of concurrent connections. Zero means 4.
	Size int `json:"size"`

	// How long Borrow waits for a free connection before
	// returning ErrPoolExhausted. Zero means 10s.
	BorrowTimeout time.Duration `json:"borrow_timeout"`

	// Dial timeout for new connections.
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

type slot struct {
	exec interface {
		Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error)
		Close()
	}
}

// Pool is a fixed-size SSH connection pool.
type Pool struct {
	free          chan *slot
	all           []*slot
	borrowTimeout time.Duration

	mBorrows   prometheus.Counter
	mExhausted prometheus.Counter
	mInUse     prometheus.Gauge
}

// New builds a pool per cfg. Connections are established lazily, on
// first use of each slot.
func New(cfg Config) (*Pool, error) {
	signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	var expectedKey ssh.PublicKey
	if cfg.HostKey != "" {
		expectedKey, _, _, _, err = ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
	}
	size := cfg.Size
	if size < 1 {
		size = 4
	}
	p := newPool(size, cfg.BorrowTimeout)
	for i := range p.all {
		p.all[i].exec = newExecutor(cfg.Host, cfg.Port, cfg.User, []ssh.Signer{signer}, expectedKey, cfg.ConnectTimeout)
	}
	return p, nil
}

func newPool(size int, borrowTimeout time.Duration) *Pool {
	if borrowTimeout == 0 {
		borrowTimeout = 10 * time.Second
	}
	p := &Pool{
		free:          make(chan *slot, size),
		all:           make([]*slot, size),
		borrowTimeout: borrowTimeout,
		mBorrows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpcloud",
			Subsystem: "sshpool",
			Name:      "borrows_total",
			Help:      "Number of successful connection borrows.",
		}),
		mExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpcloud",
			Subsystem: "sshpool",
			Name:      "exhausted_total",
			Help:      "Number of borrows that timed out waiting for a free connection.",
		}),
		mInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hpcloud",
			Subsystem: "sshpool",
			Name:      "connections_in_use",
			Help:      "Number of connections currently borrowed.",
		}),
	}
	for i := range p.all {
		p.all[i] = &slot{}
		p.free <- p.all[i]
	}
	return p
}

// RegisterMetrics registers the pool's metrics with reg.
func (p *Pool) RegisterMetrics(reg *prometheus.Registry) {
	reg.MustRegister(p.mBorrows, p.mExhausted, p.mInUse)
}

// Lease is a borrowed connection. The holder has exclusive use of it
// until Return.
type Lease struct {
	pool *Pool
	slot *slot
}

// Execute runs cmd on the leased connection.
func (l *Lease) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	return l.slot.exec.Execute(env, cmd, stdin)
}

// Return gives the connection back to the pool. A Lease must be
// returned exactly once.
func (l *Lease) Return() {
	l.pool.mInUse.Dec()
	l.pool.free <- l.slot
}

// Borrow acquires a free connection, waiting up to the configured
// borrow timeout. It returns ErrPoolExhausted if no connection frees
// up in time, or ctx.Err() if the context is done first.
func (p *Pool) Borrow(ctx context.Context) (*Lease, error) {
	timer := time.NewTimer(p.borrowTimeout)
	defer timer.Stop()
	select {
	case s := <-p.free:
		p.mBorrows.Inc()
		p.mInUse.Inc()
		return &Lease{pool: p, slot: s}, nil
	case <-timer.C:
		p.mExhausted.Inc()
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// With borrows a connection, calls fn with it, and returns it.
func (p *Pool) With(ctx context.Context, fn func(Commander) error) error {
	lease, err := p.Borrow(ctx)
	if err != nil {
		return err
	}
	defer lease.Return()
	return fn(lease)
}

// Close shuts down every connection. Slots currently on loan are
// closed too; their holders will get errors from in-flight commands.
func (p *Pool) Close() {
	for _, s := range p.all {
		if s.exec != nil {
			s.exec.Close()
		}
	}
}
