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
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/devvisor/chain"
)

// ErrBadStep is returned by Build for malformed step lists.
var ErrBadStep = errors.New("Bad step")

type stepFunc func(b *builder, arg any) (chain.Handler, error)

var stepTable map[string]stepFunc

func init() {
	stepTable = map[string]stepFunc{
		"print":          (*builder).print,
		"group":          (*builder).group,
		"wait":           (*builder).wait,
		"set":            (*builder).set,
		"delete":         (*builder).delete,
		"stop":           func(*builder, any) (chain.Handler, error) { return chain.Stop(), nil },
		"break":          (*builder).brk,
		"for_each":       loopStep(chain.ForEach),
		"for_of":         loopStep(chain.ForOf),
		"for_in":         loopStep(chain.ForIn),
		"platform":       (*builder).platform,
		"kill":           valueStep(Kill),
		"restart":        valueStep(Restart),
		"revive":         valueStep(Revive),
		"spawn":          (*builder).spawn,
		"mkdir":          valueStep(Mkdir),
		"rmdir":          valueStep(Rmdir),
		"rm":             (*builder).rm,
		"read_file":      (*builder).readFile,
		"write_file":     (*builder).writeFile,
		"copy_file":      (*builder).copyFile,
		"chmod":          (*builder).chmod,
		"json_parse":     (*builder).jsonParse,
		"json_stringify": (*builder).jsonStringify,
		"json_get":       (*builder).jsonGet,
		"fetch":          (*builder).fetch,
	}
}

// Steps returns the names of all known steps, sorted.
func Steps() []string {
	names := make([]string, 0, len(stepTable))
	for n := range stepTable {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type builder struct {
	env Env
}

// Build turns a list of steps into a handler running them in order.  Each
// step is a map with a single key, the step name, whose value is the
// step's argument.
func Build(env Env, steps []any) (chain.Handler, error) {
	b := &builder{env: env}
	return b.list("steps", steps)
}

func (b *builder) list(where string, steps []any) (chain.Handler, error) {
	hs := make([]chain.Handler, 0, len(steps))
	for i, s := range steps {
		h, err := b.step(s)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", where, i, err)
		}
		hs = append(hs, h)
	}
	return chain.Group(hs...), nil
}

func (b *builder) step(s any) (chain.Handler, error) {
	var name string
	var arg any
	switch s := s.(type) {
	case string:
		// Argument-less steps may be written as a bare name.
		name = s
	case map[string]any:
		if len(s) != 1 {
			return nil, fmt.Errorf("%w: a step must have exactly one key", ErrBadStep)
		}
		for k, v := range s {
			name, arg = k, v
		}
	default:
		return nil, fmt.Errorf("%w: unexpected %T", ErrBadStep, s)
	}
	fn, ok := stepTable[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown step %q", ErrBadStep, name)
	}
	h, err := fn(b, arg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return h, nil
}

// Argument decoding.

func isRef(arg any) (string, bool) {
	m, ok := arg.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	k, ok := m["ref"].(string)
	return k, ok
}

func strVal(arg any) (chain.Value[string], error) {
	if k, ok := isRef(arg); ok {
		return chain.Ref[string](k), nil
	}
	switch v := arg.(type) {
	case string:
		return chain.Tmpl(v), nil
	case int, int64, float64, bool:
		return chain.Lit(fmt.Sprint(v)), nil
	}
	return chain.Value[string]{}, fmt.Errorf("%w: want a string or {ref: key}, got %T", ErrBadStep, arg)
}

func anyVal(arg any) chain.Value[any] {
	if k, ok := isRef(arg); ok {
		return chain.Ref[any](k)
	}
	if s, ok := arg.(string); ok {
		return chain.TmplAny(s)
	}
	return chain.Lit(arg)
}

func fields(arg any) (map[string]any, error) {
	m, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: want a map, got %T", ErrBadStep, arg)
	}
	return m, nil
}

func str(m map[string]any, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%w: missing %q", ErrBadStep, key)
		}
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func list(arg any) ([]any, error) {
	if arg == nil {
		return nil, nil
	}
	l, ok := arg.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: want a list, got %T", ErrBadStep, arg)
	}
	return l, nil
}

// duration accepts Go durations such as "1.5s", or plain numbers of
// milliseconds.
func duration(arg any) (time.Duration, error) {
	switch v := arg.(type) {
	case string:
		return time.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("%w: want a duration, got %T", ErrBadStep, arg)
}

// Steps.

func (b *builder) print(arg any) (chain.Handler, error) {
	v, err := strVal(arg)
	if err != nil {
		return nil, err
	}
	return Print(b.env, v), nil
}

func (b *builder) group(arg any) (chain.Handler, error) {
	steps, err := list(arg)
	if err != nil {
		return nil, err
	}
	return b.list("group", steps)
}

func (b *builder) wait(arg any) (chain.Handler, error) {
	d, err := duration(arg)
	if err != nil {
		return nil, err
	}
	return chain.Wait(d), nil
}

func (b *builder) set(arg any) (chain.Handler, error) {
	m, err := fields(arg)
	if err != nil {
		return nil, err
	}
	key, err := str(m, "key", true)
	if err != nil {
		return nil, err
	}
	return chain.Set(key, anyVal(m["value"])), nil
}

func (b *builder) delete(arg any) (chain.Handler, error) {
	key, ok := arg.(string)
	if !ok || key == "" {
		return nil, fmt.Errorf("%w: want a key", ErrBadStep)
	}
	return chain.Delete(key), nil
}

func (b *builder) brk(arg any) (chain.Handler, error) {
	label, _ := arg.(string)
	return chain.Break(label), nil
}

func loopStep(mk func(chain.Value[any], string, chain.Handler) chain.Handler) stepFunc {
	return func(b *builder, arg any) (chain.Handler, error) {
		m, err := fields(arg)
		if err != nil {
			return nil, err
		}
		if _, ok := m["items"]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrBadStep, "items")
		}
		label, err := str(m, "label", false)
		if err != nil {
			return nil, err
		}
		steps, err := list(m["steps"])
		if err != nil {
			return nil, err
		}
		body, err := b.list("steps", steps)
		if err != nil {
			return nil, err
		}
		return mk(anyVal(m["items"]), label, body), nil
	}
}

func (b *builder) platform(arg any) (chain.Handler, error) {
	m, err := fields(arg)
	if err != nil {
		return nil, err
	}
	platforms, err := str(m, "os", true)
	if err != nil {
		return nil, err
	}
	steps, err := list(m["steps"])
	if err != nil {
		return nil, err
	}
	body, err := b.list("steps", steps)
	if err != nil {
		return nil, err
	}
	return chain.Platform(platforms, body), nil
}

// valueStep builds steps whose argument is a single string value.
func valueStep(mk func(Env, chain.Value[string]) chain.Handler) stepFunc {
	return func(b *builder, arg any) (chain.Handler, error) {
		v, err := strVal(arg)
		if err != nil {
			return nil, err
		}
		return mk(b.env, v), nil
	}
}

func command(arg any) ([]chain.Value[string], error) {
	if l, ok := arg.([]any); ok {
		vals := make([]chain.Value[string], 0, len(l))
		for _, a := range l {
			v, err := strVal(a)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return vals, nil
	}
	v, err := strVal(arg)
	if err != nil {
		return nil, err
	}
	return []chain.Value[string]{v}, nil
}

func (b *builder) spawn(arg any) (chain.Handler, error) {
	var opts SpawnOptions
	cmdArg := arg
	if m, ok := arg.(map[string]any); ok {
		if _, ref := isRef(arg); !ref {
			var err error
			cmdArg = m["command"]
			if opts.Stdio, err = str(m, "stdio", false); err != nil {
				return nil, err
			}
			if opts.Dir, err = str(m, "cwd", false); err != nil {
				return nil, err
			}
			if env, ok := m["env"].(map[string]any); ok {
				keys := make([]string, 0, len(env))
				for k := range env {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					opts.Env = append(opts.Env, k+"="+fmt.Sprint(env[k]))
				}
			}
		}
	}
	switch opts.Stdio {
	case "", StdioAll, StdioNone, StdioTakeover:
	default:
		return nil, fmt.Errorf("%w: stdio must be one of %s", ErrBadStep,
			strings.Join([]string{StdioAll, StdioNone, StdioTakeover}, ", "))
	}
	argv, err := command(cmdArg)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrBadStep)
	}
	return Spawn(b.env, argv, opts), nil
}

func (b *builder) rm(arg any) (chain.Handler, error) {
	if m, ok := arg.(map[string]any); ok {
		if _, ref := isRef(arg); !ref {
			p, err := strVal(m["path"])
			if err != nil {
				return nil, err
			}
			return Rm(b.env, p, boolean(m, "recursive"), boolean(m, "force")), nil
		}
	}
	p, err := strVal(arg)
	if err != nil {
		return nil, err
	}
	return Rm(b.env, p, false, false), nil
}

func (b *builder) readFile(arg any) (chain.Handler, error) {
	m, err := fields(arg)
	if err != nil {
		return nil, err
	}
	p, err := strVal(m["path"])
	if err != nil {
		return nil, err
	}
	saveTo, err := str(m, "save_to", true)
	if err != nil {
		return nil, err
	}
	return ReadFile(b.env, p, saveTo), nil
}

func (b *builder) writeFile(arg any) (chain.Handler, error) {
	m, err := fields(arg)
	if err != nil {
		return nil, err
	}
	p, err := strVal(m["path"])
	if err != nil {
		return nil, err
	}
	c, err := strVal(m["content"])
	if err != nil {
		return nil, err
	}
	return WriteFile(b.env, p, c), nil
}

func (b *builder) copyFile(arg any) (chain.Handler, error) {
	m, err := fields(arg)
	if err != nil {
		return nil, err
	}
	src, err := strVal(m["from"])
	if err != nil {
		return nil, err
	}
	dst, err := strVal(m["to"])
	if err != nil {
		return nil, err
	}
	return CopyFile(b.env, src, dst), nil
}

func (b *builder) chmod(arg any) (chain.Handler, error) {
	m, err := fields(arg)
	if err != nil {
		return nil, err
	}
	p, err := strVal(m["path"])
	if err != nil {
		return nil, err
	}
	mode, err := strVal(m["mode"])
	if err != nil {
		return nil, err
	}
	return Chmod(b.env, p, mode), nil
}

// keyAndTarget accepts either a bare key or a map with key and save_to.
func keyAndTarget(arg any) (string, string, map[string]any, error) {
	if k, ok := arg.(string); ok && k != "" {
		return k, "", nil, nil
	}
	m, err := fields(arg)
	if err != nil {
		return "", "", nil, err
	}
	key, err := str(m, "key", true)
	if err != nil {
		return "", "", nil, err
	}
	saveTo, err := str(m, "save_to", false)
	return key, saveTo, m, err
}

func (b *builder) jsonParse(arg any) (chain.Handler, error) {
	key, saveTo, _, err := keyAndTarget(arg)
	if err != nil {
		return nil, err
	}
	return JSONParse(b.env, key, saveTo), nil
}

func (b *builder) jsonStringify(arg any) (chain.Handler, error) {
	key, saveTo, m, err := keyAndTarget(arg)
	if err != nil {
		return nil, err
	}
	var indent string
	if m != nil {
		switch v := m["indent"].(type) {
		case int:
			indent = strings.Repeat(" ", v)
		case string:
			indent = v
		}
	}
	return JSONStringify(b.env, key, saveTo, indent), nil
}

func (b *builder) jsonGet(arg any) (chain.Handler, error) {
	key, saveTo, m, err := keyAndTarget(arg)
	if err != nil {
		return nil, err
	}
	if m == nil || saveTo == "" {
		return nil, fmt.Errorf("%w: json_get needs key, path and save_to", ErrBadStep)
	}
	p, err := strVal(m["path"])
	if err != nil {
		return nil, err
	}
	return JSONGet(b.env, key, p, saveTo), nil
}

func (b *builder) fetch(arg any) (chain.Handler, error) {
	var opts FetchOptions
	urlArg := arg
	if m, ok := arg.(map[string]any); ok {
		if _, ref := isRef(arg); !ref {
			var err error
			urlArg = m["url"]
			if opts.Method, err = str(m, "method", false); err != nil {
				return nil, err
			}
			opts.Method = strings.ToUpper(opts.Method)
			if opts.SaveTo, err = str(m, "save_to", false); err != nil {
				return nil, err
			}
			if opts.StatusTo, err = str(m, "status_to", false); err != nil {
				return nil, err
			}
			opts.FailOnStatus = boolean(m, "fail_on_status")
			if opts.Timeout, err = duration(m["timeout"]); err != nil {
				return nil, err
			}
			if h, ok := m["headers"].(map[string]any); ok {
				opts.Headers = make(map[string]string, len(h))
				for k, v := range h {
					opts.Headers[k] = fmt.Sprint(v)
				}
			}
			if body, ok := m["body"]; ok {
				v, err := strVal(body)
				if err != nil {
					return nil, err
				}
				opts.Body = &v
			}
		}
	}
	u, err := strVal(urlArg)
	if err != nil {
		return nil, err
	}
	return Fetch(b.env, u, opts), nil
}
