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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies what caused a chain to be invoked.
type Source int

const (
	SourceGeneric Source = iota
	SourceTerminal
	SourceLaunch
	SourceWatch
	SourceInterval
	SourceChildProcess
)

func (s Source) String() string {
	switch s {
	case SourceTerminal:
		return "terminal"
	case SourceLaunch:
		return "launch"
	case SourceWatch:
		return "watch"
	case SourceInterval:
		return "interval"
	case SourceChildProcess:
		return "child-process"
	}
	return "generic"
}

// IsRoutine reports whether the source is one of the supervisor triggered
// routines, as opposed to direct user input.
func (s Source) IsRoutine() bool {
	return s == SourceLaunch || s == SourceWatch || s == SourceInterval
}

// TerminalInfo carries the arguments of a command typed in the terminal.
// The command name itself is not part of Argv.
type TerminalInfo struct {
	Argv    []string
	ArgvRaw string
}

// WatchInfo describes the file system change that triggered a watch routine.
type WatchInfo struct {
	Path string
	Op   string
}

// IntervalInfo describes the tick that triggered an interval routine.
type IntervalInfo struct {
	Tick  int64
	Every time.Duration
}

// ProcessInfo describes the child process a lifecycle event refers to.
type ProcessInfo struct {
	Name     string
	ExitCode int
}

// Event is the object passed through every handler of a single chain
// invocation.  Besides the source specific fields it carries a private
// key/value store that handlers use to pass data to each other.  An Event
// must never be shared between two invocations; create a fresh one for
// each run.
type Event struct {
	ID       uuid.UUID
	Source   Source
	Time     time.Time
	Terminal TerminalInfo
	Watch    WatchInfo
	Interval IntervalInfo
	Process  ProcessInfo

	store    map[string]any
	loops    []*Iteration
	breaking bool
	breakAt  int
	stopped  bool
}

// NewEvent returns an empty event for the given source.
func NewEvent(src Source) *Event {
	return &Event{
		ID:     uuid.New(),
		Source: src,
		Time:   time.Now(),
		store:  make(map[string]any),
	}
}

// NewTerminalEvent returns an event for a terminal command invoked with
// the given arguments.
func NewTerminalEvent(argv []string) *Event {
	e := NewEvent(SourceTerminal)
	e.Terminal.Argv = append([]string{}, argv...)
	e.Terminal.ArgvRaw = strings.Join(argv, " ")
	return e
}

// NewWatchEvent returns an event for a watch routine trigger.
func NewWatchEvent(path, op string) *Event {
	e := NewEvent(SourceWatch)
	e.Watch = WatchInfo{Path: path, Op: op}
	return e
}

// NewIntervalEvent returns an event for an interval routine tick.
func NewIntervalEvent(tick int64, every time.Duration) *Event {
	e := NewEvent(SourceInterval)
	e.Interval = IntervalInfo{Tick: tick, Every: every}
	return e
}

// NewProcessEvent returns an event describing a child process.
func NewProcessEvent(name string, exitCode int) *Event {
	e := NewEvent(SourceChildProcess)
	e.Process = ProcessInfo{Name: name, ExitCode: exitCode}
	return e
}

func (e *Event) lazyInit() {
	if e.store == nil {
		e.store = make(map[string]any)
	}
}

// Set stores a value under key.
func (e *Event) Set(key string, v any) {
	e.lazyInit()
	e.store[key] = v
}

// Get returns the value stored under key.
func (e *Event) Get(key string) (any, bool) {
	v, ok := e.store[key]
	return v, ok
}

// Lookup resolves key against the store.  Keys starting with '$' are not
// stored but derived from the event itself:
//
//	$value $index $key   fields of the innermost loop iteration
//	$args                the raw terminal arguments
//	$1 .. $N             one terminal argument
//	$path $op            the watch trigger
//	$tick                the interval tick counter
//	$process $exit_code  the child process of a lifecycle event
//	$source $id          provenance of the event
func (e *Event) Lookup(key string) (any, bool) {
	if !strings.HasPrefix(key, "$") {
		return e.Get(key)
	}
	name := key[1:]
	switch name {
	case "value", "index", "key":
		it := e.Iteration()
		if it == nil {
			return nil, false
		}
		switch name {
		case "value":
			return it.Value, true
		case "index":
			return it.Index, true
		}
		return it.Key, true
	case "args":
		return e.Terminal.ArgvRaw, true
	case "path":
		return e.Watch.Path, true
	case "op":
		return e.Watch.Op, true
	case "tick":
		return e.Interval.Tick, true
	case "process":
		return e.Process.Name, true
	case "exit_code":
		return e.Process.ExitCode, true
	case "source":
		return e.Source.String(), true
	case "id":
		return e.ID.String(), true
	}
	if n, err := strconv.Atoi(name); err == nil && n > 0 {
		if n <= len(e.Terminal.Argv) {
			return e.Terminal.Argv[n-1], true
		}
	}
	return nil, false
}

// Delete removes key from the store.
func (e *Event) Delete(key string) {
	delete(e.store, key)
}

// Has reports whether key is present in the store.
func (e *Event) Has(key string) bool {
	_, ok := e.store[key]
	return ok
}

// Keys returns the stored keys in no particular order.
func (e *Event) Keys() []string {
	keys := make([]string, 0, len(e.store))
	for k := range e.store {
		keys = append(keys, k)
	}
	return keys
}

// Update replaces the value under key with the result of fn, which is
// given the current value (nil if absent).
func (e *Event) Update(key string, fn func(old any) any) {
	e.lazyInit()
	e.store[key] = fn(e.store[key])
}

// UpdateContext is like Update, but fn may block and fail.  On failure the
// stored value is left untouched.
func (e *Event) UpdateContext(ctx context.Context, key string,
	fn func(ctx context.Context, old any) (any, error)) error {

	e.lazyInit()
	v, err := fn(ctx, e.store[key])
	if err != nil {
		return err
	}
	e.store[key] = v
	return nil
}

// GetAs returns the value under key converted to T.
func GetAs[T any](e *Event, key string) (T, bool) {
	var zero T
	v, ok := e.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// StopPropagation ends the chain early without signaling a failure.  Every
// group and loop that is currently running returns as soon as the handler
// calling this returns.
func (e *Event) StopPropagation() {
	e.stopped = true
}

// Stopped reports whether StopPropagation was called.
func (e *Event) Stopped() bool {
	return e.stopped
}

// Break stops a running loop.  Without a label the innermost loop stops.
// With a label, the loop carrying that label stops, together with every
// loop nested within it.
func (e *Event) Break(label ...string) error {
	if len(e.loops) == 0 {
		return ErrNoSuchLoop
	}
	target := len(e.loops) - 1
	if len(label) > 0 && label[0] != "" {
		target = -1
		for i := len(e.loops) - 1; i >= 0; i-- {
			if e.loops[i].Label == label[0] {
				target = i
				break
			}
		}
		if target < 0 {
			return fmt.Errorf("%w: %q", ErrNoSuchLoop, label[0])
		}
	}
	e.breaking = true
	e.breakAt = target
	return nil
}

// Iteration returns the state of the innermost running loop, or nil when
// no loop is running.
func (e *Event) Iteration() *Iteration {
	if len(e.loops) == 0 {
		return nil
	}
	return e.loops[len(e.loops)-1]
}

// IterationOf returns the state of the running loop labeled label.
func (e *Event) IterationOf(label string) *Iteration {
	for i := len(e.loops) - 1; i >= 0; i-- {
		if e.loops[i].Label == label {
			return e.loops[i]
		}
	}
	return nil
}

// interrupted is true when the remaining members of a group must not run.
func (e *Event) interrupted() bool {
	return e.stopped || e.breaking
}
