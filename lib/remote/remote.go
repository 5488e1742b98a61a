// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package remote implements filesystem operations on the HPC
// frontend, executed as shell commands over pooled SSH connections.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"git.hpcloud.dev/hpcloud.git/lib/sshpool"
	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/kballard/go-shellquote"
)

// A runner borrows a pooled connection for the duration of one
// operation. *sshpool.Pool satisfies it.
type runner interface {
	With(ctx context.Context, fn func(sshpool.Commander) error) error
}

// FS performs filesystem operations on the remote frontend.
type FS struct {
	pool runner
}

func New(pool *sshpool.Pool) *FS {
	return &FS{pool: pool}
}

// CommandError reports a remote command that exited nonzero.
type CommandError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("remote command %q: %v (stderr: %s)", e.Cmd, e.Err, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error {
	if strings.Contains(e.Stderr, "No such file or directory") {
		return os.ErrNotExist
	}
	return e.Err
}

func (fs *FS) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	cmd := shellquote.Join(args...)
	var stdout []byte
	err := fs.pool.With(ctx, func(cmdr sshpool.Commander) error {
		var stderr []byte
		var err error
		stdout, stderr, err = cmdr.Execute(nil, cmd, stdin)
		if err != nil {
			return &CommandError{Cmd: cmd, Stderr: string(stderr), Err: err}
		}
		return nil
	})
	return stdout, err
}

// Mkdir creates dir on the frontend, including missing parents.
func (fs *FS) Mkdir(ctx context.Context, dir string) error {
	_, err := fs.run(ctx, nil, "mkdir", "-p", dir)
	return err
}

// RemoveDirectory removes dir and everything below it. Removing a
// directory that does not exist is not an error.
func (fs *FS) RemoveDirectory(ctx context.Context, dir string) error {
	_, err := fs.run(ctx, nil, "rm", "-rf", "--", dir)
	return err
}

// Stat returns metadata for the named file. The error wraps
// os.ErrNotExist when the file is missing.
func (fs *FS) Stat(ctx context.Context, p string) (hpc.FileInfo, error) {
	stdout, err := fs.run(ctx, nil, "stat", "-c", "%F;%s", "--", p)
	if err != nil {
		return hpc.FileInfo{}, err
	}
	line := strings.TrimSpace(string(stdout))
	ftype, sizeStr, ok := strings.Cut(line, ";")
	if !ok {
		return hpc.FileInfo{}, fmt.Errorf("unexpected stat output %q for %q", line, p)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return hpc.FileInfo{}, fmt.Errorf("unexpected stat output %q for %q", line, p)
	}
	return hpc.FileInfo{
		Path:  p,
		Size:  size,
		IsDir: ftype == "directory",
	}, nil
}

// ListGlob returns the files under dir whose path relative to dir
// matches the given glob pattern. Matching happens on this side, so
// pattern syntax does not depend on the remote shell; "**" matches
// across directory separators.
func (fs *FS) ListGlob(ctx context.Context, dir, pattern string) ([]hpc.FileInfo, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}
	stdout, err := fs.run(ctx, nil, "find", dir, "-mindepth", "1", "-printf", `%y;%s;%p\n`)
	if err != nil {
		return nil, err
	}
	var matches []hpc.FileInfo
	for _, line := range strings.Split(string(stdout), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ";", 3)
		if len(parts) != 3 {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(parts[2], dir), "/")
		ok, err := doublestar.Match(pattern, rel)
		if err != nil || !ok {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		matches = append(matches, hpc.FileInfo{
			Path:  parts[2],
			Size:  size,
			IsDir: parts[0] == "d",
		})
	}
	return matches, nil
}

// ZipDirectory archives dir recursively into the zip file at
// zipPath.
func (fs *FS) ZipDirectory(ctx context.Context, zipPath, dir string) error {
	_, err := fs.run(ctx, nil, "zip", "-q", "-r", "--", zipPath, dir)
	return err
}

// Upload writes size bytes from r to the remote path dest with the
// given permission bits, using the scp sink protocol.
func (fs *FS) Upload(ctx context.Context, dest string, mode os.FileMode, size int64, r io.Reader) error {
	dir, name := path.Split(dest)
	if dir == "" {
		dir = "."
	}
	header := fmt.Sprintf("C%04o %d %s\n", mode.Perm(), size, name)
	stdin := io.MultiReader(
		strings.NewReader(header),
		io.LimitReader(r, size),
		bytes.NewReader([]byte{0}),
	)
	_, err := fs.run(ctx, stdin, "scp", "-qt", dir)
	return err
}

// Download fetches the file at src using the scp source protocol and
// returns its contents.
func (fs *FS) Download(ctx context.Context, src string) ([]byte, error) {
	// The remote source waits for a zero-byte ack before the
	// header, the data, and after the data.
	stdout, err := fs.run(ctx, bytes.NewReader([]byte{0, 0, 0}), "scp", "-qf", src)
	if err != nil {
		return nil, err
	}
	return parseSCPSource(stdout, src)
}

func parseSCPSource(stdout []byte, src string) ([]byte, error) {
	nl := bytes.IndexByte(stdout, '\n')
	if nl < 0 {
		return nil, fmt.Errorf("short scp response for %q", src)
	}
	header := string(stdout[:nl])
	if len(header) < 1 || header[0] != 'C' {
		return nil, fmt.Errorf("unexpected scp header %q for %q", header, src)
	}
	fields := strings.SplitN(header[1:], " ", 3)
	if len(fields) != 3 {
		return nil, fmt.Errorf("unexpected scp header %q for %q", header, src)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unexpected scp header %q for %q", header, src)
	}
	body := stdout[nl+1:]
	if int64(len(body)) < size {
		return nil, fmt.Errorf("short scp payload for %q: got %d of %d bytes", src, len(body), size)
	}
	return body[:size], nil
}
