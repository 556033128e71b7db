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
	"errors"
	"runtime"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func record(trace *[]string, name string, err error) Handler {
	return Handle(func(ctx context.Context, e *Event) error {
		*trace = append(*trace, name)
		return err
	})
}

func TestGroup(t *testing.T) {
	Convey("Given a group of handlers", t, func() {
		var trace []string
		ctx := context.Background()
		injected := errors.New("Injected failure")

		Convey("All members run in order", func() {
			g := Group(record(&trace, "a", nil), record(&trace, "b", nil),
				record(&trace, "c", nil))
			So(g.Handle(ctx, NewEvent(SourceGeneric)), ShouldBeNil)
			So(trace, ShouldResemble, []string{"a", "b", "c"})
		})

		Convey("The first failure short-circuits", func() {
			g := Group(record(&trace, "a", nil), record(&trace, "b", injected),
				record(&trace, "c", nil))
			err := g.Handle(ctx, NewEvent(SourceGeneric))
			So(err, ShouldEqual, injected)
			So(trace, ShouldResemble, []string{"a", "b"})
		})

		Convey("A nested failure is returned unmodified", func() {
			g := Group(record(&trace, "a", nil),
				Group(record(&trace, "b", nil), record(&trace, "c", injected)),
				record(&trace, "d", nil))
			err := g.Handle(ctx, NewEvent(SourceGeneric))
			So(err, ShouldEqual, injected)
			So(trace, ShouldResemble, []string{"a", "b", "c"})
		})

		Convey("StopPropagation ends the chain without failure", func() {
			g := Group(record(&trace, "a", nil),
				Group(record(&trace, "b", nil), Stop(), record(&trace, "c", nil)),
				record(&trace, "d", nil))
			e := NewEvent(SourceGeneric)
			So(g.Handle(ctx, e), ShouldBeNil)
			So(e.Stopped(), ShouldBeTrue)
			So(trace, ShouldResemble, []string{"a", "b"})
		})

		Convey("A cancelled context prevents further members", func() {
			cctx, cancel := context.WithCancel(ctx)
			g := Group(record(&trace, "a", nil),
				Handle(func(context.Context, *Event) error {
					cancel()
					return nil
				}),
				record(&trace, "b", nil))
			err := g.Handle(cctx, NewEvent(SourceGeneric))
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(trace, ShouldResemble, []string{"a"})
		})
	})
}

func TestHandlePanics(t *testing.T) {
	Convey("A panicking leaf handler returns a failure", t, func() {
		h := Handle(func(context.Context, *Event) error {
			panic("boom")
		})
		err := h.Handle(context.Background(), NewEvent(SourceGeneric))
		So(errors.Is(err, ErrPanic), ShouldBeTrue)
		So(err.Error(), ShouldContainSubstring, "boom")
	})
}

func TestMeta(t *testing.T) {
	Convey("Metadata is kept for introspection", t, func() {
		h := Handle(func(context.Context, *Event) error { return nil },
			Meta{Category: "test", Usage: "x <arg>", Description: "does x"})
		m, ok := MetaOf(h)
		So(ok, ShouldBeTrue)
		So(m.Usage, ShouldEqual, "x <arg>")

		_, ok = MetaOf(Group())
		So(ok, ShouldBeFalse)
	})
}

func TestStore(t *testing.T) {
	Convey("Given an event", t, func() {
		e := NewEvent(SourceGeneric)
		ctx := context.Background()

		Convey("Set, Get and Delete work", func() {
			e.Set("k", 1)
			v, ok := e.Get("k")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 1)
			e.Delete("k")
			So(e.Has("k"), ShouldBeFalse)
		})

		Convey("Update reads, modifies and writes", func() {
			e.Set("n", 1)
			e.Update("n", func(old any) any { return old.(int) + 1 })
			n, ok := GetAs[int](e, "n")
			So(ok, ShouldBeTrue)
			So(n, ShouldEqual, 2)
		})

		Convey("UpdateContext keeps the old value on failure", func() {
			e.Set("n", 1)
			err := e.UpdateContext(ctx, "n", func(context.Context, any) (any, error) {
				return nil, errors.New("nope")
			})
			So(err, ShouldNotBeNil)
			n, _ := GetAs[int](e, "n")
			So(n, ShouldEqual, 1)
		})

		Convey("Set resolves references at execution time", func() {
			g := Group(
				Set("src", Lit("hello")),
				Set("dst", Ref[string]("src")),
				Set("msg", Tmpl("{{ dst }} {{src}}!")),
			)
			So(g.Handle(ctx, e), ShouldBeNil)
			msg, _ := GetAs[string](e, "msg")
			So(msg, ShouldEqual, "hello hello!")
		})

		Convey("Missing references fail", func() {
			err := Set("dst", Ref[string]("nothing")).Handle(ctx, e)
			So(errors.Is(err, ErrMissingKey), ShouldBeTrue)
		})

		Convey("Mismatched references fail", func() {
			e.Set("n", 42)
			err := Set("dst", Ref[string]("n")).Handle(ctx, e)
			So(errors.Is(err, ErrTypeMismatch), ShouldBeTrue)
		})

		Convey("Byte values resolve as strings", func() {
			e.Set("raw", []byte("text"))
			s, err := Ref[string]("raw").Resolve(e)
			So(err, ShouldBeNil)
			So(s, ShouldEqual, "text")
		})

		Convey("Derived keys come from the event", func() {
			te := NewTerminalEvent([]string{"one", "two"})
			So(Expand(te, "{{ $2 }}/{{ $args }}/{{ $3 }}"), ShouldEqual, "two/one two/")
			So(Expand(te, "{{ $source }}"), ShouldEqual, "terminal")
		})
	})
}

func TestWait(t *testing.T) {
	Convey("Wait delays and honours cancellation", t, func() {
		start := time.Now()
		So(Wait(20*time.Millisecond).Handle(context.Background(), nil), ShouldBeNil)
		So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 20*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Wait(time.Hour).Handle(ctx, nil)
		So(err, ShouldEqual, context.Canceled)
	})
}

func TestPlatform(t *testing.T) {
	Convey("Platform only runs on matching systems", t, func() {
		var trace []string
		ctx := context.Background()
		e := NewEvent(SourceGeneric)
		So(Platform("plan9x|"+runtime.GOOS, record(&trace, "yes", nil)).Handle(ctx, e), ShouldBeNil)
		So(Platform("plan9x", record(&trace, "no", nil)).Handle(ctx, e), ShouldBeNil)
		So(trace, ShouldResemble, []string{"yes"})
	})
}
