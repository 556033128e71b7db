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


// Package rest implements the HTTP status and control API of a running
// devvisor session, and a client for it.
//
// Read endpoints answer with an Etag.  A request carrying If-None-Match
// and PollTimeHeader waits up to that many seconds for the data to
// change before answering 304 Not Modified.
package rest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollTimeHeader is the number of seconds a read may wait for a
	// change of the Etag given in If-None-Match.
	PollTimeHeader = "X-Devvisor-Poll-Time"

	MaxPollTime = 300 * time.Second
)

var ok struct{}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func formatEtag(v int64) string {
	return `"` + strconv.FormatInt(v, 16) + `"`
}

func parseEtag(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "W/")
	v, err := strconv.ParseInt(strings.Trim(s, `"`), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("Bad etag %q", s)
	}
	return v, nil
}
