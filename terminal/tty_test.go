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

package terminal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	. "github.com/smartystreets/goconvey/convey"
)

// readUntil collects output from r until it contains want or the
// timeout expires.
func readUntil(r *os.File, want string, timeout time.Duration) string {
	got := make(chan string, 1)
	go func() {
		var all []byte
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			all = append(all, buf[:n]...)
			if strings.Contains(string(all), want) || err != nil {
				got <- string(all)
				return
			}
		}
	}()
	select {
	case s := <-got:
		return s
	case <-time.After(timeout):
		return ""
	}
}

func TestRawModeOutput(t *testing.T) {
	Convey("Given a terminal reading from a pty", t, func() {
		ptmx, tty, err := pty.Open()
		So(err, ShouldBeNil)
		defer ptmx.Close()
		defer tty.Close()

		out := &syncBuffer{}
		term := newTestTerminal(t.TempDir(), out, Options{Input: tty})
		So(term.Start(context.Background()), ShouldBeNil)
		defer term.Stop()

		Convey("Line feeds written by other processes still return the carriage", func() {
			_, err := tty.WriteString("line1\nline2\n")
			So(err, ShouldBeNil)
			So(readUntil(ptmx, "line2", 3*time.Second), ShouldContainSubstring, "line1\r\nline2\r\n")
		})

		Convey("The console does not double the carriage return", func() {
			term.Console().Println("hello")
			So(out.String(), ShouldContainSubstring, "hello\n")
			So(out.String(), ShouldNotContainSubstring, "hello\r\n")
		})
	})
}

func TestShellBlocked(t *testing.T) {
	Convey("Given a shell that never reads its input", t, func() {
		dir := t.TempDir()
		script := filepath.Join(dir, "deaf.sh")
		So(os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 1000\n"), 0755), ShouldBeNil)
		out := &syncBuffer{}
		sh := NewShell(script, out, out)
		So(sh.Start(), ShouldBeNil)
		defer sh.Close()

		sent := make(chan error, 1)
		go func() {
			sent <- sh.Send(strings.Repeat("x", 256*1024))
		}()
		time.Sleep(100 * time.Millisecond)

		Convey("Restart does not wait for the stuck write", func() {
			restarted := make(chan error, 1)
			go func() {
				restarted <- sh.Restart()
			}()
			var err error
			select {
			case err = <-restarted:
			case <-time.After(5 * time.Second):
				err = context.DeadlineExceeded
			}
			So(err, ShouldBeNil)
			So(sh.Running(), ShouldBeTrue)

			var sendErr error
			select {
			case sendErr = <-sent:
			case <-time.After(5 * time.Second):
			}
			So(sendErr, ShouldNotBeNil)
		})

		Convey("Close does not wait for the stuck write", func() {
			closed := make(chan error, 1)
			go func() {
				closed <- sh.Close()
			}()
			var err error
			select {
			case err = <-closed:
			case <-time.After(5 * time.Second):
				err = context.DeadlineExceeded
			}
			So(err, ShouldBeNil)
			So(sh.Running(), ShouldBeFalse)
		})
	})
}
