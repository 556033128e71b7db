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

package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/gdamore/devvisor/chain"
)

func storedText(e *chain.Event, key string) (string, error) {
	v, ok := e.Lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", chain.ErrMissingKey, key)
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", fmt.Errorf("%w: %q holds %T, want text", chain.ErrTypeMismatch, key, v)
}

// JSONParse decodes the JSON text stored under key and stores the result
// under saveTo, or back under key if saveTo is empty.  Objects become
// map[string]any and numbers float64.
func JSONParse(env Env, key, saveTo string) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		announce(env, e, "json.parse %q", key)
		text, err := storedText(e, key)
		if err != nil {
			return err
		}
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return err
		}
		dst := saveTo
		if dst == "" {
			dst = key
		}
		e.Set(dst, v)
		return nil
	})
}

// JSONStringify encodes the value stored under key as JSON text, indented
// with indent when it is not empty.
func JSONStringify(env Env, key, saveTo, indent string) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		announce(env, e, "json.stringify %q", key)
		v, ok := e.Lookup(key)
		if !ok {
			return fmt.Errorf("%w: %q", chain.ErrMissingKey, key)
		}
		var b []byte
		var err error
		if indent != "" {
			b, err = json.MarshalIndent(v, "", indent)
		} else {
			b, err = json.Marshal(v)
		}
		if err != nil {
			return err
		}
		dst := saveTo
		if dst == "" {
			dst = key
		}
		e.Set(dst, string(b))
		return nil
	})
}

// JSONGet extracts one value from the JSON text stored under key, using a
// gjson path such as "items.0.name", and stores it under saveTo.
func JSONGet(env Env, key string, path chain.Value[string], saveTo string) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		p, err := path.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "json.get %q %s", key, p)
		text, err := storedText(e, key)
		if err != nil {
			return err
		}
		if !gjson.Valid(text) {
			return fmt.Errorf("Invalid JSON under %q", key)
		}
		res := gjson.Get(text, p)
		if !res.Exists() {
			return fmt.Errorf("%w: %q has nothing at %q", chain.ErrMissingKey, key, p)
		}
		e.Set(saveTo, res.Value())
		return nil
	})
}

// FetchOptions configures Fetch.
type FetchOptions struct {
	Method  string
	Headers map[string]string
	// Body is sent when set.
	Body *chain.Value[string]
	// SaveTo receives the response body as text.
	SaveTo string
	// StatusTo receives the status code.
	StatusTo string
	// FailOnStatus makes 4xx and 5xx responses a failure.
	FailOnStatus bool
	Timeout      time.Duration
}

// Fetch makes an HTTP request.
func Fetch(env Env, url chain.Value[string], opts FetchOptions) chain.Handler {
	client := resty.New()
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	method := opts.Method
	if method == "" {
		method = resty.MethodGet
	}
	return chain.Handle(func(ctx context.Context, e *chain.Event) error {
		u, err := url.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "fetch %s %s", method, u)
		req := client.R().SetContext(ctx)
		for k, v := range opts.Headers {
			req.SetHeader(k, chain.Expand(e, v))
		}
		if opts.Body != nil {
			body, err := opts.Body.Resolve(e)
			if err != nil {
				return err
			}
			req.SetBody(body)
		}
		resp, err := req.Execute(method, u)
		if err != nil {
			return err
		}
		if opts.StatusTo != "" {
			e.Set(opts.StatusTo, resp.StatusCode())
		}
		if opts.SaveTo != "" {
			e.Set(opts.SaveTo, resp.String())
		}
		if opts.FailOnStatus && resp.IsError() {
			return errors.New("Request failed: " + resp.Status())
		}
		return nil
	})
}
