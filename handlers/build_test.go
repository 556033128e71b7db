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
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/rs/zerolog"
	"github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/devvisor"
	"github.com/gdamore/devvisor/chain"
	"github.com/gdamore/devvisor/terminal"
)

type syncBuffer struct {
	buf bytes.Buffer
	mx  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.String()
}

type testEnv struct {
	m   *devvisor.Manager
	c   *terminal.Console
	out *syncBuffer
}

func newTestEnv() *testEnv {
	out := &syncBuffer{}
	return &testEnv{
		m:   devvisor.NewManager("test"),
		c:   terminal.NewConsole(out, zerolog.Nop()),
		out: out,
	}
}

func (te *testEnv) Manager() *devvisor.Manager     { return te.m }
func (te *testEnv) Console() *terminal.Console     { return te.c }
func (te *testEnv) Terminal() *terminal.Terminal   { return nil }
func (te *testEnv) Output() (io.Writer, io.Writer) { return te.out, te.out }

// steps parses a YAML document holding a "steps" list.
func steps(doc string) []any {
	m, err := yaml.Parser().Unmarshal([]byte(doc))
	convey.So(err, convey.ShouldBeNil)
	l, ok := m["steps"].([]any)
	convey.So(ok, convey.ShouldBeTrue)
	return l
}

func run(env Env, doc string, e *chain.Event) error {
	h, err := Build(env, steps(doc))
	convey.So(err, convey.ShouldBeNil)
	return h.Handle(context.Background(), e)
}

func TestBuild(t *testing.T) {
	convey.Convey("Given a test environment", t, func() {
		env := newTestEnv()
		e := chain.NewEvent(chain.SourceGeneric)

		convey.Convey("Steps run in order with templates", func() {
			err := run(env, `
steps:
  - set: { key: name, value: world }
  - print: "hello {{ name }}"
`, e)
			convey.So(err, convey.ShouldBeNil)
			convey.So(env.out.String(), convey.ShouldContainSubstring, "INFO hello world")
		})

		convey.Convey("References read earlier results", func() {
			err := run(env, `
steps:
  - set: { key: items, value: [a, b, c] }
  - set: { key: copy, value: { ref: items } }
  - for_of:
      items: { ref: copy }
      steps:
        - set: { key: last, value: "{{ $index }}={{ $value }}" }
`, e)
			convey.So(err, convey.ShouldBeNil)
			v, _ := e.Get("last")
			convey.So(v, convey.ShouldEqual, "2=c")
		})

		convey.Convey("Break and stop end loops and chains", func() {
			err := run(env, `
steps:
  - for_each:
      items: [1, 2, 3]
      label: outer
      steps:
        - set: { key: seen, value: "{{ $value }}" }
        - break: outer
  - set: { key: after, value: yes }
  - stop
  - set: { key: never, value: yes }
`, e)
			convey.So(err, convey.ShouldBeNil)
			v, _ := e.Get("seen")
			convey.So(v, convey.ShouldEqual, "1")
			convey.So(e.Has("after"), convey.ShouldBeTrue)
			convey.So(e.Has("never"), convey.ShouldBeFalse)
		})

		convey.Convey("Groups nest", func() {
			err := run(env, `
steps:
  - group:
      - set: { key: a, value: 1 }
      - group:
          - delete: a
  - wait: 1
`, e)
			convey.So(err, convey.ShouldBeNil)
			convey.So(e.Has("a"), convey.ShouldBeFalse)
		})

		convey.Convey("Unknown steps are rejected with their position", func() {
			_, err := Build(env, steps(`
steps:
  - print: hi
  - group:
      - launch_rockets: now
`))
			convey.So(errors.Is(err, ErrBadStep), convey.ShouldBeTrue)
			convey.So(err.Error(), convey.ShouldContainSubstring, "steps[1]: group: group[0]")
			convey.So(err.Error(), convey.ShouldContainSubstring, `"launch_rockets"`)
		})

		convey.Convey("Steps need exactly one key", func() {
			_, err := Build(env, []any{map[string]any{"print": "a", "wait": 1}})
			convey.So(errors.Is(err, ErrBadStep), convey.ShouldBeTrue)
		})

		convey.Convey("Bad spawn modes are rejected", func() {
			_, err := Build(env, steps(`
steps:
  - spawn: { command: "true", stdio: loud }
`))
			convey.So(errors.Is(err, ErrBadStep), convey.ShouldBeTrue)
		})

		convey.Convey("A platform step only runs on matching systems", func() {
			err := run(env, `
steps:
  - platform:
      os: "plan9|aix"
      steps:
        - set: { key: ran, value: yes }
`, e)
			convey.So(err, convey.ShouldBeNil)
			convey.So(e.Has("ran"), convey.ShouldBeFalse)
		})

		convey.Convey("Every step name is listed", func() {
			convey.So(Steps(), convey.ShouldContain, "json_get")
			convey.So(Steps(), convey.ShouldContain, "for_in")
		})
	})
}

func TestFileSteps(t *testing.T) {
	convey.Convey("Given a scratch directory", t, func() {
		env := newTestEnv()
		e := chain.NewEvent(chain.SourceInterval)
		e.Set("dir", t.TempDir())

		convey.Convey("Files can be created, copied, read and removed", func() {
			err := run(env, `
steps:
  - mkdir: "{{ dir }}/a/b"
  - write_file: { path: "{{ dir }}/a/b/one.txt", content: "payload" }
  - copy_file: { from: "{{ dir }}/a/b/one.txt", to: "{{ dir }}/two.txt" }
  - chmod: { path: "{{ dir }}/two.txt", mode: "0600" }
  - read_file: { path: "{{ dir }}/two.txt", save_to: text }
  - rm: { path: "{{ dir }}/a", recursive: true }
  - rm: { path: "{{ dir }}/missing", force: true }
`, e)
			convey.So(err, convey.ShouldBeNil)
			v, _ := e.Get("text")
			convey.So(v, convey.ShouldResemble, []byte("payload"))
			dir, _ := chain.GetAs[string](e, "dir")
			_, err = os.Stat(filepath.Join(dir, "a"))
			convey.So(os.IsNotExist(err), convey.ShouldBeTrue)
			info, err := os.Stat(filepath.Join(dir, "two.txt"))
			convey.So(err, convey.ShouldBeNil)
			convey.So(info.Mode().Perm(), convey.ShouldEqual, os.FileMode(0600))
			convey.So(env.out.String(), convey.ShouldContainSubstring, "TASK mkdir")
		})

		convey.Convey("Removing a file that is missing fails", func() {
			err := run(env, `
steps:
  - rm: "{{ dir }}/missing"
`, e)
			convey.So(os.IsNotExist(err), convey.ShouldBeTrue)
		})

		convey.Convey("Rmdir refuses files", func() {
			err := run(env, `
steps:
  - write_file: { path: "{{ dir }}/f", content: x }
  - rmdir: "{{ dir }}/f"
`, e)
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(err.Error(), convey.ShouldContainSubstring, "Not a directory")
		})
	})
}

func TestJSONSteps(t *testing.T) {
	convey.Convey("Given JSON text in the store", t, func() {
		env := newTestEnv()
		e := chain.NewEvent(chain.SourceGeneric)
		e.Set("raw", []byte(`{"name":"web","ports":[80,443]}`))

		convey.Convey("It can be parsed, queried and encoded again", func() {
			err := run(env, `
steps:
  - json_parse: { key: raw, save_to: doc }
  - json_get: { key: raw, path: ports.1, save_to: port }
  - json_stringify: { key: doc, save_to: text }
`, e)
			convey.So(err, convey.ShouldBeNil)
			doc, ok := chain.GetAs[map[string]any](e, "doc")
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(doc["name"], convey.ShouldEqual, "web")
			port, _ := e.Get("port")
			convey.So(port, convey.ShouldEqual, float64(443))
			text, _ := e.Get("text")
			convey.So(text, convey.ShouldEqual, `{"name":"web","ports":[80,443]}`)
		})

		convey.Convey("Missing paths fail", func() {
			err := run(env, `
steps:
  - json_get: { key: raw, path: nothing.here, save_to: x }
`, e)
			convey.So(errors.Is(err, chain.ErrMissingKey), convey.ShouldBeTrue)
		})

		convey.Convey("Invalid text fails to parse", func() {
			e.Set("raw", "{nope")
			err := run(env, `
steps:
  - json_parse: raw
`, e)
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestFetchStep(t *testing.T) {
	convey.Convey("Given an HTTP server", t, func() {
		env := newTestEnv()
		e := chain.NewEvent(chain.SourceGeneric)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/missing" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"method":"` + r.Method + `","token":"` + r.Header.Get("X-Token") + `"}`))
		}))
		defer srv.Close()
		e.Set("base", srv.URL)
		e.Set("token", "s3cret")

		convey.Convey("The response body and status are stored", func() {
			err := run(env, `
steps:
  - fetch:
      url: "{{ base }}/info"
      method: post
      headers: { X-Token: "{{ token }}" }
      body: "{}"
      save_to: body
      status_to: status
  - json_get: { key: body, path: token, save_to: token_seen }
  - json_get: { key: body, path: method, save_to: method }
`, e)
			convey.So(err, convey.ShouldBeNil)
			status, _ := e.Get("status")
			convey.So(status, convey.ShouldEqual, 200)
			v, _ := e.Get("token_seen")
			convey.So(v, convey.ShouldEqual, "s3cret")
			v, _ = e.Get("method")
			convey.So(v, convey.ShouldEqual, "POST")
		})

		convey.Convey("Error statuses fail only when asked to", func() {
			err := run(env, `
steps:
  - fetch: "{{ base }}/missing"
`, e)
			convey.So(err, convey.ShouldBeNil)
			err = run(env, `
steps:
  - fetch: { url: "{{ base }}/missing", fail_on_status: true }
`, e)
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(err.Error(), convey.ShouldContainSubstring, "404")
		})
	})
}
