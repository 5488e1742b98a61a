// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package filegateway is the HTTP client for the user storage
// service: stat and download of job inputs, directory creation and
// multipart upload of job results. All calls act on behalf of a
// user, identified by the bearer token passed per call.
package filegateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned for paths the storage service does not
// know.
var ErrNotFound = errors.New("file not found in storage")

type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

func New(baseURL string, logger logrus.FieldLogger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	if logger != nil {
		rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				logger.WithFields(logrus.Fields{
					"url":     req.URL.String(),
					"attempt": attempt,
				}).Info("retrying storage request")
			}
		}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    rc,
	}
}

// Stat returns metadata for the given storage path.
func (client *Client) Stat(ctx context.Context, token, path string) (hpc.FileInfo, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET",
		client.baseURL+"/api/files/stat?path="+url.QueryEscape(path), nil)
	if err != nil {
		return hpc.FileInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.http.Do(req)
	if err != nil {
		return hpc.FileInfo{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, path); err != nil {
		return hpc.FileInfo{}, err
	}
	var fi hpc.FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&fi); err != nil {
		return hpc.FileInfo{}, fmt.Errorf("decode stat response for %q: %w", path, err)
	}
	return fi, nil
}

// Download opens the given storage path for reading. The caller must
// close the returned reader.
func (client *Client) Download(ctx context.Context, token, path string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET",
		client.baseURL+"/api/files/download?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.http.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, path); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// CreateDirectory makes a directory (and missing parents) in user
// storage.
func (client *Client) CreateDirectory(ctx context.Context, token, path string) error {
	body, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST",
		client.baseURL+"/api/files/directory", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, path)
}

// Upload stores content at the given path via a multipart POST.
func (client *Client) Upload(ctx context.Context, token, path string, content io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("path", path); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", path[strings.LastIndex(path, "/")+1:])
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST",
		client.baseURL+"/api/files/upload", buf.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := client.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, path)
}

func checkStatus(resp *http.Response, path string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%q: %w", path, ErrNotFound)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("storage request for %q failed: %s (%s)",
			path, resp.Status, strings.TrimSpace(string(body)))
	default:
		return nil
	}
}
