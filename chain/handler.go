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

package chain

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Handler is a single step of a chain.  It returns nil on success, or the
// failure otherwise.  Handlers must not panic across the chain boundary;
// the constructors in this package recover panics and convert them.
type Handler interface {
	Handle(ctx context.Context, e *Event) error
}

// HandlerFunc adapts a function to the Handler interface.  Unlike Handle,
// it does not recover panics.
type HandlerFunc func(ctx context.Context, e *Event) error

func (f HandlerFunc) Handle(ctx context.Context, e *Event) error {
	return f(ctx, e)
}

// Meta is descriptive data attached to a handler.  It is consumed by the
// help command and has no effect on execution.
type Meta struct {
	Category    string
	Usage       string
	Description string
}

// Described is implemented by handlers that carry Meta.
type Described interface {
	Meta() (Meta, bool)
}

// MetaOf returns the Meta attached to h, if any.
func MetaOf(h Handler) (Meta, bool) {
	if d, ok := h.(Described); ok {
		return d.Meta()
	}
	return Meta{}, false
}

type leaf struct {
	fn   HandlerFunc
	meta *Meta
}

func (l *leaf) Handle(ctx context.Context, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return l.fn(ctx, e)
}

func (l *leaf) Meta() (Meta, bool) {
	if l.meta == nil {
		return Meta{}, false
	}
	return *l.meta, true
}

// Handle wraps fn as a leaf handler.  A panic inside fn is returned as an
// error wrapping ErrPanic.  The optional meta is kept for introspection.
func Handle(fn HandlerFunc, meta ...Meta) Handler {
	l := &leaf{fn: fn}
	if len(meta) > 0 {
		m := meta[0]
		l.meta = &m
	}
	return l
}

type group []Handler

func (g group) Handle(ctx context.Context, e *Event) error {
	for _, h := range g {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.Handle(ctx, e); err != nil {
			return err
		}
		if e.interrupted() {
			return nil
		}
	}
	return nil
}

// Group returns a handler running handlers strictly in order, each one
// settling before the next starts.  The first failure stops the group and
// is returned as is.  StopPropagation and Break end the group early
// without a failure.
func Group(handlers ...Handler) Handler {
	return group(append([]Handler{}, handlers...))
}

// Wait returns a handler that succeeds after d has elapsed.
func Wait(d time.Duration) Handler {
	return HandlerFunc(func(ctx context.Context, _ *Event) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Set returns a handler storing the resolved value under key.
func Set[T any](key string, v Value[T]) Handler {
	return Handle(func(_ context.Context, e *Event) error {
		val, err := v.Resolve(e)
		if err != nil {
			return err
		}
		e.Set(key, val)
		return nil
	})
}

// Update returns a handler replacing the value under key with fn's result.
func Update(key string, fn func(old any) any) Handler {
	return Handle(func(_ context.Context, e *Event) error {
		e.Update(key, fn)
		return nil
	})
}

// UpdateContext is the failing, blocking counterpart of Update.
func UpdateContext(key string, fn func(ctx context.Context, old any) (any, error)) Handler {
	return Handle(func(ctx context.Context, e *Event) error {
		return e.UpdateContext(ctx, key, fn)
	})
}

// Delete returns a handler removing key from the store.
func Delete(key string) Handler {
	return Handle(func(_ context.Context, e *Event) error {
		e.Delete(key)
		return nil
	})
}

// Stop returns a handler that ends the chain without failure.
func Stop() Handler {
	return HandlerFunc(func(_ context.Context, e *Event) error {
		e.StopPropagation()
		return nil
	})
}

// Break returns a handler breaking out of the loop with the given label,
// or of the innermost loop if label is empty.
func Break(label string) Handler {
	return HandlerFunc(func(_ context.Context, e *Event) error {
		return e.Break(label)
	})
}

// Platform returns a handler running h only when the current GOOS is one
// of the names in platforms, separated by '|'.  For example "linux|darwin".
func Platform(platforms string, h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, e *Event) error {
		for _, p := range strings.Split(platforms, "|") {
			if strings.TrimSpace(p) == runtime.GOOS {
				return h.Handle(ctx, e)
			}
		}
		return nil
	})
}
