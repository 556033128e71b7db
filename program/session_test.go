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


//go:build !windows

package program

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/devvisor"
	"github.com/gdamore/devvisor/config"
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

func waitFor(buf *syncBuffer, s string) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), s) {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func loadConfig(dir, doc string) *config.Config {
	path := filepath.Join(dir, config.DefaultFile)
	So(os.WriteFile(path, []byte(doc), 0644), ShouldBeNil)
	cfg, err := config.Load(path)
	So(err, ShouldBeNil)
	return cfg
}

func eventually(fn func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

type session struct {
	*Session
	out  *syncBuffer
	in   *io.PipeWriter
	done chan error
}

func startSession(dir, doc string, interactive bool) *session {
	cfg := loadConfig(dir, doc)
	out := &syncBuffer{}
	pr, pw := io.Pipe()
	s, err := New(cfg, Options{
		Stdin:       pr,
		Stdout:      out,
		Stderr:      out,
		Interactive: interactive,
		Columns:     func() int { return 200 },
		Dir:         dir,
	})
	So(err, ShouldBeNil)
	ts := &session{Session: s, out: out, in: pw, done: make(chan error, 1)}
	go func() { ts.done <- s.Run(context.Background()) }()
	return ts
}

func (ts *session) stop() error {
	ts.Quit()
	defer ts.in.Close()
	select {
	case err := <-ts.done:
		return err
	case <-time.After(10 * time.Second):
		return errors.New("session did not stop")
	}
}

func (ts *session) typeLine(s string) {
	ts.in.Write([]byte(s + "\r"))
}

const sleeperConfig = `
version: "1.0"
processes:
  - name: web
    command: ["sleep", "30"]
    stdout: none
    defer_next: 0s
    stop_timeout: 2s
`

func TestFormatUptime(t *testing.T) {
	Convey("Uptimes leave out zero units", t, func() {
		So(FormatUptime(0), ShouldEqual, "")
		So(FormatUptime(900*time.Millisecond), ShouldEqual, "")
		So(FormatUptime(65*time.Second), ShouldEqual, "01m 05s")
		So(FormatUptime(3725*time.Second), ShouldEqual, "1h 02m 05s")
		So(FormatUptime(time.Hour), ShouldEqual, "1h")
		So(FormatUptime(26*time.Hour+10*time.Second), ShouldEqual, "26h 10s")
	})
}

func TestSessionLifecycle(t *testing.T) {
	Convey("A session starts and stops its processes", t, func() {
		dir := t.TempDir()
		ts := startSession(dir, sleeperConfig+`
routines:
  launch:
    - name: hello
      steps:
        - print: "launched from {{ $source }}"
`, false)

		So(waitFor(ts.out, `Starting "web"`), ShouldBeTrue)
		So(waitFor(ts.out, `Process "web" is running.`), ShouldBeTrue)
		So(waitFor(ts.out, "launched from launch"), ShouldBeTrue)
		So(ts.Terminal(), ShouldBeNil)

		c, err := ts.Manager().Child("web")
		So(err, ShouldBeNil)
		So(c.Status(), ShouldEqual, devvisor.StatusAlive)
		spawns := ts.Metrics().childEvents.WithLabelValues("web", "spawn")
		So(testutil.ToFloat64(spawns), ShouldEqual, 1)

		So(ts.stop(), ShouldBeNil)
		So(c.Status(), ShouldEqual, devvisor.StatusKilled)
		So(ts.out.String(), ShouldNotContainSubstring, "closed with exit code")
	})

	Convey("A failing launch routine stops everything", t, func() {
		dir := t.TempDir()
		ts := startSession(dir, sleeperConfig+`
routines:
  launch:
    - name: broken
      steps:
        - spawn:
            command: "exit 2"
            stdio: none
`, false)
		var err error
		select {
		case err = <-ts.done:
		case <-time.After(10 * time.Second):
		}
		ts.in.Close()
		So(errors.Is(err, ErrLaunch), ShouldBeTrue)
		So(err.Error(), ShouldContainSubstring, "broken")
		So(ts.out.String(), ShouldContainSubstring, `Launch routine "broken" failed`)
		c, _ := ts.Manager().Child("web")
		So(c.Status(), ShouldEqual, devvisor.StatusKilled)
	})

	Convey("Processes that exit run the on_close steps", t, func() {
		dir := t.TempDir()
		ts := startSession(dir, `
version: "1.0"
processes:
  - name: brief
    command: "sleep 0.1; exit 4"
    stdout: none
on_close:
  - print: "closed {{ $process }} with {{ $exit_code }}"
`, false)
		So(waitFor(ts.out, `Process "brief" closed with exit code 4.`), ShouldBeTrue)
		So(waitFor(ts.out, "closed brief with 4"), ShouldBeTrue)
		So(ts.stop(), ShouldBeNil)
	})
}

func TestSessionConfig(t *testing.T) {
	Convey("Building a session", t, func() {
		dir := t.TempDir()

		Convey("Commands may not shadow built-ins", func() {
			cfg := loadConfig(dir, sleeperConfig+`
terminal:
  commands:
    kl:
      steps: [stop]
`)
			_, err := New(cfg, Options{Stdout: io.Discard, Dir: dir})
			So(errors.Is(err, ErrReservedCommand), ShouldBeTrue)
		})

		Convey("Bad steps are reported with their location", func() {
			cfg := loadConfig(dir, sleeperConfig+`
routines:
  interval:
    - every: 1s
      steps:
        - bogus: 1
`)
			_, err := New(cfg, Options{Stdout: io.Discard, Dir: dir})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "routines.interval[0]")
		})

		Convey("The log level and file are honored", func() {
			logFile := filepath.Join(dir, "devvisor.log")
			cfg := loadConfig(dir, sleeperConfig+`
log:
  level: debug
  file: `+logFile+`
`)
			s, err := New(cfg, Options{Stdout: io.Discard, Dir: dir})
			So(err, ShouldBeNil)
			s.logger.Debug().Msg("debugging")
			s.closeLog()
			b, err := os.ReadFile(logFile)
			So(err, ShouldBeNil)
			So(string(b), ShouldContainSubstring, `"message":"debugging"`)
			So(string(b), ShouldContainSubstring, s.ID)
		})
	})
}

func TestTerminalCommands(t *testing.T) {
	Convey("With an interactive session", t, func() {
		dir := t.TempDir()
		history := filepath.Join(dir, "history")
		ts := startSession(dir, sleeperConfig+`
terminal:
  keep_history: 10
  history_file: `+history+`
  commands:
    greet:
      usage: greet <name>
      description: Says hello.
      steps:
        - print: "hello {{ $1 }}"
    fail:
      steps:
        - spawn:
            command: "exit 9"
            stdio: none
`, true)
		So(waitFor(ts.out, `Process "web" is running.`), ShouldBeTrue)
		So(ts.Terminal(), ShouldNotBeNil)

		Convey("pcs lists the processes", func() {
			ts.typeLine("pcs")
			So(waitFor(ts.out, "spawnargs"), ShouldBeTrue)
			So(waitFor(ts.out, "sleep 30"), ShouldBeTrue)
			So(ts.out.String(), ShouldContainSubstring, "alive")
			So(ts.stop(), ShouldBeNil)
		})

		Convey("kl and rv control a process", func() {
			ts.typeLine("kl")
			So(waitFor(ts.out, "Unspecified process name."), ShouldBeTrue)
			ts.typeLine("kl nope")
			So(waitFor(ts.out, `Could not find process "nope".`), ShouldBeTrue)
			ts.typeLine("rv web")
			So(waitFor(ts.out, `Process "web" is not dead.`), ShouldBeTrue)
			ts.typeLine("kl web")
			So(waitFor(ts.out, `Killed process "web".`), ShouldBeTrue)
			ts.typeLine("kl web")
			So(waitFor(ts.out, `Process "web" is not alive.`), ShouldBeTrue)
			ts.typeLine("rv web")
			So(waitFor(ts.out, "Reviving process..."), ShouldBeTrue)
			c, _ := ts.Manager().Child("web")
			So(eventually(func() bool {
				return c.Generation() == 2 && c.Status() == devvisor.StatusAlive
			}), ShouldBeTrue)
			ts.typeLine("rs web")
			So(waitFor(ts.out, `Restarted process "web".`), ShouldBeTrue)
			So(ts.stop(), ShouldBeNil)
		})

		Convey("help describes the commands", func() {
			ts.typeLine("help")
			So(waitFor(ts.out, "─── Controls ───"), ShouldBeTrue)
			So(waitFor(ts.out, "User-specified:"), ShouldBeTrue)
			So(ts.out.String(), ShouldContainSubstring, "fail, greet")
			So(ts.out.String(), ShouldContainSubstring, "Process management")
			ts.typeLine("help greet")
			So(waitFor(ts.out, "- Says hello."), ShouldBeTrue)
			ts.typeLine("help nope")
			So(waitFor(ts.out, `Command "nope" does not exist.`), ShouldBeTrue)
			So(ts.stop(), ShouldBeNil)
		})

		Convey("User commands run their steps", func() {
			ts.typeLine("greet bob")
			So(waitFor(ts.out, "hello bob"), ShouldBeTrue)
			ts.typeLine("fail")
			So(waitFor(ts.out, `An error had occurred after calling the command handler for "fail"`), ShouldBeTrue)
			So(ts.stop(), ShouldBeNil)
		})

		Convey("quit ends the session and saves the history", func() {
			ts.typeLine("greet amy")
			So(waitFor(ts.out, "hello amy"), ShouldBeTrue)
			ts.typeLine("quit")
			select {
			case err := <-ts.done:
				So(err, ShouldBeNil)
			case <-time.After(10 * time.Second):
				So("session did not quit", ShouldBeEmpty)
			}
			ts.in.Close()
			b, err := os.ReadFile(history)
			So(err, ShouldBeNil)
			So(string(b), ShouldEqual, "greet amy\nquit\n")
		})
	})
}
