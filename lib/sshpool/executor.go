// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sshpool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

var ErrNoAddress = errors.New("target has no address")

// An executor runs shell commands on one remote target over a
// multiplexed SSH connection. It connects lazily and reconnects
// automatically after errors.
//
// When setting up a connection, the executor accepts whatever host
// key is provided by the remote server; if an expected host key was
// configured, the received key must match it before any command is
// executed on the connection.
type executor struct {
	host        string
	port        string
	user        string
	signers     []ssh.Signer
	expectedKey ssh.PublicKey
	timeout     time.Duration

	client      *ssh.Client
	clientErr   error
	clientSetup chan bool // len>0 while client setup is in progress
}

func newExecutor(host, port, user string, signers []ssh.Signer, expectedKey ssh.PublicKey, timeout time.Duration) *executor {
	if port == "" {
		port = "22"
	}
	if timeout == 0 {
		timeout = time.Minute
	}
	exr := &executor{
		host:        host,
		port:        port,
		user:        user,
		signers:     signers,
		expectedKey: expectedKey,
		timeout:     timeout,
		clientErr:   errors.New("client not yet created"),
		clientSetup: make(chan bool, 1),
	}
	return exr
}

// Execute runs cmd on the target. If an existing connection is not
// usable, it sets up a new connection first.
func (exr *executor) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	for k, v := range env {
		err = session.Setenv(k, v)
		if err != nil {
			return nil, nil, err
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	return stdout.Bytes(), stderr.Bytes(), err
}

// Close shuts down any active connection.
func (exr *executor) Close() {
	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been set up yet, set up a new SSH client and try again.
func (exr *executor) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully set up client, if it fails).
func (exr *executor) sshClient(create bool) (*ssh.Client, error) {
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case. Wait for
		// it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

// Create a new SSH client.
func (exr *executor) setupSSHClient() (*ssh.Client, error) {
	if exr.host == "" {
		return nil, ErrNoAddress
	}
	addr := net.JoinHostPort(exr.host, exr.port)
	var receivedKey ssh.PublicKey
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: exr.user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(exr.signers...),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			receivedKey = key
			return nil
		},
		Timeout: exr.timeout,
	})
	if err != nil {
		return nil, err
	} else if receivedKey == nil {
		return nil, errors.New("BUG: key was never provided to HostKeyCallback")
	}

	if exr.expectedKey != nil && !bytes.Equal(exr.expectedKey.Marshal(), receivedKey.Marshal()) {
		client.Close()
		return nil, fmt.Errorf("host key mismatch: remote offered %s key %s",
			receivedKey.Type(), ssh.FingerprintSHA256(receivedKey))
	}
	return client, nil
}
