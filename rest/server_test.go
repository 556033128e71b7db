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

package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/crypto/bcrypt"

	"github.com/gdamore/devvisor"
)

func testManager() *devvisor.Manager {
	m := devvisor.NewManager("rest")
	m.CreateChildInstances([]devvisor.ChildDef{
		{Name: "web", Config: devvisor.SpawnConfig{
			Command:     []string{"sleep", "30"},
			Stdout:      devvisor.StdioNone,
			StopTimeout: 2 * time.Second,
		}},
		{Name: "db", Config: devvisor.SpawnConfig{
			Command:     []string{"sleep", "30"},
			Stdout:      devvisor.StdioNone,
			StopTimeout: 2 * time.Second,
		}},
	})
	m.StartEach(context.Background(), nil)
	return m
}

func apiError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func TestHandler(t *testing.T) {
	Convey("With a running manager behind the API", t, func() {
		m := testManager()
		reg := prometheus.NewRegistry()
		hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_hits_total", Help: "Hits."})
		reg.MustRegister(hits)
		hits.Inc()
		srv := httptest.NewServer(NewHandler(m, HandlerOptions{Gatherer: reg, Logger: zerolog.Nop()}))
		Reset(func() {
			srv.Close()
			m.CloseAll()
		})
		c := NewClient(srv.URL)
		ctx := context.Background()

		Convey("Info reports the manager", func() {
			info, err := c.Info(ctx)
			So(err, ShouldBeNil)
			So(info.Name, ShouldEqual, "rest")
			So(info.Children, ShouldEqual, 2)
		})

		Convey("Processes are listed in order", func() {
			list, err := c.Processes(ctx)
			So(err, ShouldBeNil)
			So(len(list), ShouldEqual, 2)
			So(list[0].Name, ShouldEqual, "web")
			So(list[0].Status, ShouldEqual, devvisor.StatusAlive)
			So(list[0].Pid, ShouldBeGreaterThan, 0)
			So(list[1].Name, ShouldEqual, "db")
		})

		Convey("A single process can be fetched", func() {
			st, err := c.Process(ctx, "db")
			So(err, ShouldBeNil)
			So(st.Name, ShouldEqual, "db")
			So(st.Args, ShouldResemble, []string{"sleep", "30"})

			_, err = c.Process(ctx, "nope")
			So(apiError(err), ShouldNotBeNil)
			So(apiError(err).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Kill, revive and restart", func() {
			So(c.Kill(ctx, "web"), ShouldBeNil)
			st, err := c.Process(ctx, "web")
			So(err, ShouldBeNil)
			So(st.Status, ShouldEqual, devvisor.StatusKilled)

			err = c.Kill(ctx, "web")
			So(apiError(err), ShouldNotBeNil)
			So(apiError(err).Code, ShouldEqual, http.StatusConflict)

			So(c.Revive(ctx, "web"), ShouldBeNil)
			st, _ = c.Process(ctx, "web")
			So(st.Status, ShouldEqual, devvisor.StatusAlive)

			So(c.Restart(ctx, "db"), ShouldBeNil)
			st, _ = c.Process(ctx, "db")
			So(st.Status, ShouldEqual, devvisor.StatusAlive)
			So(st.Restarts, ShouldEqual, 1)

			err = c.Restart(ctx, "nope")
			So(apiError(err).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Unchanged data is not sent again", func() {
			list, etag, err := c.WatchProcesses(ctx, "", 0)
			So(err, ShouldBeNil)
			So(etag, ShouldNotBeEmpty)

			again, etag2, err := c.WatchProcesses(ctx, etag, 0)
			So(err, ShouldBeNil)
			So(etag2, ShouldEqual, etag)
			So(again, ShouldResemble, list)
		})

		Convey("A long poll returns when a process changes", func() {
			_, etag, err := c.WatchProcesses(ctx, "", 0)
			So(err, ShouldBeNil)

			go func() {
				time.Sleep(200 * time.Millisecond)
				m.Children()[1].Kill(true)
			}()
			start := time.Now()
			list, etag2, err := c.WatchProcesses(ctx, etag, 10*time.Second)
			So(err, ShouldBeNil)
			So(etag2, ShouldNotEqual, etag)
			So(time.Since(start), ShouldBeLessThan, 5*time.Second)
			So(list[1].Status, ShouldEqual, devvisor.StatusKilled)
		})

		Convey("The log is served", func() {
			l := m.Logger()
			l.Info().Msg("hello from the log")
			recs, err := c.Log(ctx)
			So(err, ShouldBeNil)
			texts := []string{}
			for _, r := range recs {
				texts = append(texts, r.Text)
			}
			So(texts, ShouldContain, "hello from the log")
		})

		Convey("Metrics are served", func() {
			res, err := http.Get(srv.URL + "/metrics")
			So(err, ShouldBeNil)
			body, _ := io.ReadAll(res.Body)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusOK)
			So(string(body), ShouldContainSubstring, "test_hits_total 1")
		})
	})
}

func TestAuth(t *testing.T) {
	Convey("With basic authentication enabled", t, func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
		So(err, ShouldBeNil)
		m := devvisor.NewManager("auth")
		srv := httptest.NewServer(NewHandler(m, HandlerOptions{
			Auth: Auth{User: "admin", PasswordHash: string(hash)},
		}))
		Reset(srv.Close)
		c := NewClient(srv.URL)

		Convey("Anonymous requests are rejected", func() {
			_, err := c.Info(context.Background())
			So(apiError(err), ShouldNotBeNil)
			So(apiError(err).Code, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("A wrong password is rejected", func() {
			c.SetAuth("admin", "guess")
			_, err := c.Info(context.Background())
			So(apiError(err).Code, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("The right password is accepted", func() {
			c.SetAuth("admin", "secret")
			info, err := c.Info(context.Background())
			So(err, ShouldBeNil)
			So(info.Name, ShouldEqual, "auth")
		})
	})
}

func TestServer(t *testing.T) {
	Convey("The server runs until its context ends", t, func() {
		m := devvisor.NewManager("server")
		s := NewServer("127.0.0.1:0", NewHandler(m, HandlerOptions{}), zerolog.Nop())
		So(s.String(), ShouldEqual, "http 127.0.0.1:0")
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Serve(ctx) }()

		select {
		case <-s.Ready():
		case <-time.After(5 * time.Second):
			So("server not ready", ShouldBeEmpty)
		}
		info, err := NewClient("http://" + s.Addr()).Info(context.Background())
		So(err, ShouldBeNil)
		So(info.Name, ShouldEqual, "server")

		cancel()
		select {
		case err := <-done:
			So(err, ShouldBeNil)
		case <-time.After(5 * time.Second):
			So("server did not stop", ShouldBeEmpty)
		}
	})

	Convey("Etags round trip", t, func() {
		v, err := parseEtag(formatEtag(1234567))
		So(err, ShouldBeNil)
		So(v, ShouldEqual, 1234567)
		_, err = parseEtag(`"zz"`)
		So(err, ShouldNotBeNil)
	})
}
