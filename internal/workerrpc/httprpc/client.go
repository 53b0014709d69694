// Copyright 2025 The Helmsman Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httprpc implements the worker fleet interfaces over HTTP with
// JSON bodies. The event stream is newline-delimited JSON on a single
// long-lived response.
package httprpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/helmsman-dev/helmsman/internal/workerrpc"
)

// Client talks to a fleet gateway. Implements workerrpc.Client and
// workerrpc.Runtime.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a fleet client for the gateway base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

var (
	_ workerrpc.Client  = (*Client)(nil)
	_ workerrpc.Runtime = (*Client)(nil)
)

// DispatchJob implements workerrpc.Client.
func (c *Client) DispatchJob(ctx context.Context, workerID string, req *workerrpc.DispatchRequest) (*workerrpc.DispatchResult, error) {
	var result workerrpc.DispatchResult
	err := c.post(ctx, "/v1/workers/"+url.PathEscape(workerID)+"/dispatch", req, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelJob implements workerrpc.Client.
func (c *Client) CancelJob(ctx context.Context, runID string) error {
	return c.post(ctx, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// KillContainer implements workerrpc.Client.
func (c *Client) KillContainer(ctx context.Context, runID, reason string, force bool) (*workerrpc.KillResult, error) {
	body := map[string]any{"reason": reason, "force": force}
	var result workerrpc.KillResult
	if err := c.post(ctx, "/v1/runs/"+url.PathEscape(runID)+"/kill", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReconcileOrphanedContainers implements workerrpc.Client.
func (c *Client) ReconcileOrphanedContainers(ctx context.Context, activeRunIDs []string) (*workerrpc.ReconcileResult, error) {
	body := map[string]any{"active_run_ids": activeRunIDs}
	var result workerrpc.ReconcileResult
	if err := c.post(ctx, "/v1/containers/reconcile", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubscribeEvents implements workerrpc.Client. The stream stays open until
// the context is cancelled or the gateway closes it.
func (c *Client) SubscribeEvents(ctx context.Context) (workerrpc.EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	// The stream client must not time out the response body.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe events: gateway returned %s", resp.Status)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &eventStream{body: resp.Body, scanner: scanner}, nil
}

type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Recv implements workerrpc.EventStream.
func (s *eventStream) Recv(ctx context.Context) (*workerrpc.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev workerrpc.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("malformed event line: %w", err)
		}
		return &ev, nil
	}
}

// Close implements workerrpc.EventStream.
func (s *eventStream) Close() error {
	return s.body.Close()
}

// StartWorker implements workerrpc.Runtime.
func (c *Client) StartWorker(ctx context.Context, workerID, imageRef string) (string, string, error) {
	body := map[string]any{"worker_id": workerID, "image_ref": imageRef}
	var result struct {
		ContainerID string `json:"container_id"`
		Endpoint    string `json:"endpoint"`
	}
	if err := c.post(ctx, "/v1/workers", body, &result); err != nil {
		return "", "", err
	}
	return result.ContainerID, result.Endpoint, nil
}

// StopWorker implements workerrpc.Runtime.
func (c *Client) StopWorker(ctx context.Context, workerID string) error {
	return c.post(ctx, "/v1/workers/"+url.PathEscape(workerID)+"/stop", nil, nil)
}

// ResolveImage implements workerrpc.Runtime.
func (c *Client) ResolveImage(ctx context.Context, imageRef string) (string, error) {
	body := map[string]any{"image_ref": imageRef}
	var result struct {
		Digest string `json:"digest"`
	}
	if err := c.post(ctx, "/v1/images/resolve", body, &result); err != nil {
		return "", err
	}
	return result.Digest, nil
}

// ListRunningWorkerIDs implements workerrpc.Runtime.
func (c *Client) ListRunningWorkerIDs(ctx context.Context) ([]string, error) {
	var result struct {
		WorkerIDs []string `json:"worker_ids"`
	}
	if err := c.get(ctx, "/v1/workers", &result); err != nil {
		return nil, err
	}
	return result.WorkerIDs, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: gateway returned %s: %s", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(raw))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
