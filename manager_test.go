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

package devvisor

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func WithManager(t *testing.T, name string, fn func(m *Manager)) func() {
	return func() {
		m := NewManager(name)
		So(m, ShouldNotBeNil)
		Reset(func() {
			m.CloseAll()
		})
		fn(m)
	}
}

func sleepDef(name string, delay time.Duration) ChildDef {
	return ChildDef{Name: name, Config: SpawnConfig{
		Command:     []string{"sleep", "30"},
		Stdout:      StdioNone,
		DeferNext:   delay,
		StopTimeout: 2 * time.Second,
	}}
}

func TestCreateChildInstances(t *testing.T) {
	Convey("Creating children", t,
		WithManager(t, "create", func(m *Manager) {
			err := m.CreateChildInstances([]ChildDef{
				sleepDef("web server", 0),
				sleepDef("db", 0),
			})
			So(err, ShouldBeNil)

			Convey("Names with spaces are normalized", func() {
				c, err := m.Child("web_server")
				So(err, ShouldBeNil)
				So(c.Name(), ShouldEqual, "web_server")
				_, err = m.Child("web server")
				So(errors.Is(err, ErrNotFound), ShouldBeTrue)
			})

			Convey("Configuration order is kept", func() {
				names := []string{}
				for _, st := range m.StatusList() {
					names = append(names, st.Name)
					So(st.Status, ShouldEqual, StatusAwaiting)
					So(st.IPC, ShouldBeFalse)
					So(st.ExitCode, ShouldBeNil)
				}
				So(names, ShouldResemble, []string{"web_server", "db"})
			})

			Convey("Duplicates are rejected", func() {
				err := m.CreateChildInstances([]ChildDef{sleepDef("db", 0)})
				So(errors.Is(err, ErrDuplicateName), ShouldBeTrue)
			})
		}))
}

func TestStartEach(t *testing.T) {
	Convey("Starting children", t,
		WithManager(t, "start", func(m *Manager) {
			delay := DefaultDeferNext
			So(m.CreateChildInstances([]ChildDef{
				sleepDef("a", delay),
				sleepDef("b", delay),
				sleepDef("c", delay),
			}), ShouldBeNil)

			Convey("They start in order with a delay in between", func() {
				var order []string
				var stamps []time.Time
				err := m.StartEach(context.Background(), func(c *Child) {
					order = append(order, c.Name())
					stamps = append(stamps, time.Now())
				})
				So(err, ShouldBeNil)
				So(order, ShouldResemble, []string{"a", "b", "c"})
				So(stamps[2].Sub(stamps[0]), ShouldBeGreaterThanOrEqualTo, 2*delay)
				for _, st := range m.StatusList() {
					So(st.Status, ShouldEqual, StatusAlive)
					So(st.Pid, ShouldBeGreaterThan, 0)
				}

				Convey("CloseAll kills them all", func() {
					So(m.CloseAll(), ShouldBeNil)
					for _, st := range m.StatusList() {
						So(st.Status, ShouldEqual, StatusKilled)
						So(st.ExitCode, ShouldNotBeNil)
					}
				})
			})

			Convey("Killed children are skipped", func() {
				b, _ := m.Child("b")
				So(b.Kill(true), ShouldBeNil)
				var order []string
				So(m.StartEach(context.Background(), func(c *Child) {
					order = append(order, c.Name())
				}), ShouldBeNil)
				So(order, ShouldResemble, []string{"a", "c"})
				So(b.Status(), ShouldEqual, StatusKilled)
			})
		}))
}

func TestManagerSerial(t *testing.T) {
	Convey("State changes bump the serial", t,
		WithManager(t, "serial", func(m *Manager) {
			So(m.CreateChildInstances([]ChildDef{sleepDef("s", 0)}), ShouldBeNil)
			old := m.Serial()
			So(m.WatchSerial(old, 0), ShouldEqual, old)

			c, _ := m.Child("s")
			So(c.Spawn(), ShouldBeNil)
			So(m.WatchSerial(old, time.Second), ShouldNotEqual, old)
			So(m.GetInfo().Children, ShouldEqual, 1)
		}))
}

func TestManagerListeners(t *testing.T) {
	Convey("Manager listeners reach every child", t,
		WithManager(t, "listen", func(m *Manager) {
			r := &recorder{}
			m.AddListener(r, ChanSpawn)
			So(m.CreateChildInstances([]ChildDef{sleepDef("x", 0)}), ShouldBeNil)
			c, _ := m.Child("x")
			So(c.Spawn(), ShouldBeNil)
			So(r.seen(), ShouldResemble, []Channel{ChanSpawn})
		}))
}
