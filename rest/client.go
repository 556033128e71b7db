// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package rest

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"github.com/gdamore/devvisor"
)

// Client talks to the API of a running session.  It caches the process
// list, so that WatchProcesses can long-poll for changes.
type Client struct {
	r *resty.Client

	// Cached data
	etag      string
	processes []devvisor.ChildStatus
	lock      sync.Mutex
}

// NewClient returns a client for the API rooted at baseURI, for example
// "http://127.0.0.1:7070".
func NewClient(baseURI string) *Client {
	r := resty.New().
		SetBaseURL(baseURI).
		SetHeader("Accept", mimeJson).
		SetTimeout(MaxPollTime + 10*time.Second)
	r.SetJSONMarshaler(json.Marshal)
	r.SetJSONUnmarshaler(json.Unmarshal)
	return &Client{r: r}
}

func (c *Client) SetAuth(user string, pass string) {
	c.r.SetBasicAuth(user, pass)
}

// get fetches path into v.  With a non-empty etag it may wait up to wait
// for a change; an unchanged value is reported as an empty etag.
func (c *Client) get(ctx context.Context, path, etag string, wait time.Duration, v any) (string, error) {
	req := c.r.R().SetContext(ctx).SetResult(v).SetError(&Error{})
	if etag != "" {
		req.SetHeader("If-None-Match", etag)
		if secs := int(wait / time.Second); secs > 0 {
			req.SetHeader(PollTimeHeader, strconv.Itoa(secs))
		}
	}
	res, err := req.Get(path)
	if err != nil {
		return "", err
	}
	if res.StatusCode() == http.StatusNotModified {
		return "", nil
	}
	if res.IsError() {
		return "", responseError(res)
	}
	return res.Header().Get("Etag"), nil
}

func responseError(res *resty.Response) error {
	if e, ok := res.Error().(*Error); ok && e.Code != 0 {
		return e
	}
	return &Error{Code: res.StatusCode(), Message: res.Status()}
}

func (c *Client) post(ctx context.Context, name, action string) error {
	res, err := c.r.R().
		SetContext(ctx).
		SetError(&Error{}).
		SetPathParam("process", name).
		Post("/processes/{process}/" + action)
	if err != nil {
		return err
	}
	if res.IsError() {
		return responseError(res)
	}
	return nil
}

func (c *Client) Info(ctx context.Context) (*devvisor.ManagerInfo, error) {
	info := &devvisor.ManagerInfo{}
	if _, err := c.get(ctx, "/info", "", 0, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Processes returns the status of every process.
func (c *Client) Processes(ctx context.Context) ([]devvisor.ChildStatus, error) {
	list, _, err := c.WatchProcesses(ctx, "", 0)
	return list, err
}

// WatchProcesses waits up to wait for the process list to differ from
// the one identified by etag, and returns the current list and its etag.
// An empty etag returns at once.
func (c *Client) WatchProcesses(ctx context.Context, etag string, wait time.Duration) ([]devvisor.ChildStatus, string, error) {
	var list []devvisor.ChildStatus
	ntag, err := c.get(ctx, "/processes", etag, wait, &list)
	if err != nil {
		return nil, "", err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if ntag == "" {
		// Not modified; the cache holds the list for etag.
		if c.etag == etag {
			return c.processes, etag, nil
		}
		return c.refresh(ctx)
	}
	c.etag = ntag
	c.processes = list
	return list, ntag, nil
}

// refresh refetches the list unconditionally.  Call with the lock held.
func (c *Client) refresh(ctx context.Context) ([]devvisor.ChildStatus, string, error) {
	var list []devvisor.ChildStatus
	ntag, err := c.get(ctx, "/processes", "", 0, &list)
	if err != nil {
		return nil, "", err
	}
	c.etag = ntag
	c.processes = list
	return list, ntag, nil
}

func (c *Client) Process(ctx context.Context, name string) (*devvisor.ChildStatus, error) {
	st := &devvisor.ChildStatus{}
	res, err := c.r.R().
		SetContext(ctx).
		SetResult(st).
		SetError(&Error{}).
		SetPathParam("process", name).
		Get("/processes/{process}")
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, responseError(res)
	}
	return st, nil
}

func (c *Client) Kill(ctx context.Context, name string) error {
	return c.post(ctx, name, "kill")
}

func (c *Client) Restart(ctx context.Context, name string) error {
	return c.post(ctx, name, "restart")
}

func (c *Client) Revive(ctx context.Context, name string) error {
	return c.post(ctx, name, "revive")
}

// Log returns the session log.
func (c *Client) Log(ctx context.Context) ([]devvisor.LogRecord, error) {
	var recs []devvisor.LogRecord
	if _, err := c.get(ctx, "/log", "", 0, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}
