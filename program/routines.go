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


package program

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/gdamore/devvisor/chain"
)

const (
	// IntervalErrorLimit is the number of consecutive failures after
	// which an interval routine pauses.
	IntervalErrorLimit = 5

	// IntervalCooldown is the shortest pause of a failing interval
	// routine.
	IntervalCooldown = 10 * time.Second
)

// Directories never watched, wherever they appear.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// watchRoutine runs its chain when a file matching one of its patterns
// changes.  Triggers closer together than the debounce interval are
// dropped.  Runs never overlap: events arriving while the chain runs are
// handled afterwards, subject to the same limit.
type watchRoutine struct {
	s        *Session
	name     string
	root     string
	patterns []string
	debounce time.Duration
	h        chain.Handler
}

func newWatchRoutine(s *Session, name, root string, patterns []string, debounce time.Duration, h chain.Handler) *watchRoutine {
	pats := make([]string, 0, len(patterns))
	for _, p := range patterns {
		pats = append(pats, filepath.ToSlash(filepath.Clean(p)))
	}
	return &watchRoutine{
		s:        s,
		name:     name,
		root:     root,
		patterns: pats,
		debounce: debounce,
		h:        h,
	}
}

func (w *watchRoutine) String() string {
	return "watch " + w.name
}

// bases returns the existing directories under which the patterns can
// match.
func (w *watchRoutine) bases() []string {
	seen := map[string]bool{}
	var dirs []string
	for _, p := range w.patterns {
		base, _ := doublestar.SplitPattern(p)
		dir := filepath.FromSlash(base)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(w.root, dir)
		}
		// A pattern naming a single file watches its directory.
		if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
			dir = filepath.Dir(dir)
		}
		if seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return dirs
}

func (w *watchRoutine) addTree(watcher *fsnotify.Watcher, dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != dir && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			w.s.logger.Warn().Err(err).Str("routine", w.name).Str("dir", path).Msg("Cannot watch directory")
		}
		return nil
	})
}

// match reports whether path matches a pattern, and returns the path as
// the routine sees it: relative to the root, with forward slashes.
func (w *watchRoutine) match(path string) (string, bool) {
	rel := filepath.ToSlash(path)
	if r, err := filepath.Rel(w.root, path); err == nil && !filepath.IsAbs(r) {
		rel = filepath.ToSlash(r)
	}
	abs := filepath.ToSlash(path)
	for _, p := range w.patterns {
		target := rel
		if filepath.IsAbs(filepath.FromSlash(p)) {
			target = abs
		}
		if ok, _ := doublestar.Match(p, target); ok {
			return rel, true
		}
	}
	return "", false
}

func (w *watchRoutine) Serve(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	for _, dir := range w.bases() {
		w.addTree(watcher, dir)
	}
	limiter := rate.NewLimiter(rate.Every(w.debounce), 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && !skipDirs[filepath.Base(ev.Name)] {
					w.addTree(watcher, ev.Name)
				}
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			rel, ok := w.match(ev.Name)
			if !ok || !limiter.Allow() {
				continue
			}
			e := chain.NewWatchEvent(rel, ev.Op.String())
			if err := w.s.invoke(ctx, "watch", w.name, w.h, e); err != nil && ctx.Err() == nil {
				w.s.console.Error(err, "Watch routine %q failed for %s:", w.name, rel)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.s.logger.Warn().Err(err).Str("routine", w.name).Msg("Watcher error")
		}
	}
}

// intervalRoutine runs its chain every period.  A circuit breaker counts
// failures: after IntervalErrorLimit consecutive ones, ticks are skipped
// for the cooldown, after which a single trial run decides whether the
// routine resumes.
type intervalRoutine struct {
	s         *Session
	name      string
	every     time.Duration
	immediate bool
	h         chain.Handler
	cb        *gobreaker.CircuitBreaker[struct{}]
	tick      atomic.Int64
}

func newIntervalRoutine(s *Session, name string, every time.Duration, immediate bool, h chain.Handler) *intervalRoutine {
	r := &intervalRoutine{
		s:         s,
		name:      name,
		every:     every,
		immediate: immediate,
		h:         h,
	}
	r.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    name,
		Timeout: max(every, IntervalCooldown),
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= IntervalErrorLimit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				s.console.Warn("Interval routine %q failed %d times in a row, pausing it.", name, IntervalErrorLimit)
			case gobreaker.StateClosed:
				s.console.Info("Interval routine %q has recovered.", name)
			}
			s.logger.Info().Str("routine", name).Str("from", from.String()).Str("to", to.String()).Msg("Breaker state changed")
		},
	})
	return r
}

func (r *intervalRoutine) String() string {
	return "interval " + r.name
}

// Breaker returns the state of the routine's failure breaker.
func (r *intervalRoutine) Breaker() gobreaker.State {
	return r.cb.State()
}

func (r *intervalRoutine) run(ctx context.Context) {
	tick := r.tick.Add(1)
	_, err := r.cb.Execute(func() (struct{}, error) {
		e := chain.NewIntervalEvent(tick, r.every)
		return struct{}{}, r.s.invoke(ctx, "interval", r.name, r.h, e)
	})
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.s.logger.Debug().Str("routine", r.name).Int64("tick", tick).Msg("Tick skipped")
	default:
		r.s.console.Error(err, "Interval routine %q failed:", r.name)
	}
}

func (r *intervalRoutine) Serve(ctx context.Context) error {
	if r.immediate {
		r.run(ctx)
	}
	t := time.NewTicker(r.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.run(ctx)
		}
	}
}
