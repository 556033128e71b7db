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
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoops(t *testing.T) {
	Convey("Given an event", t, func() {
		ctx := context.Background()
		e := NewEvent(SourceGeneric)
		var seen []string

		collect := Handle(func(_ context.Context, e *Event) error {
			it := e.Iteration()
			seen = append(seen, fmt.Sprintf("%v:%v", it.Key, it.Value))
			return nil
		})

		Convey("ForEach visits values with their index", func() {
			h := ForEach(Lit[any]([]string{"a", "b"}), "",
				Handle(func(_ context.Context, e *Event) error {
					it := e.Iteration()
					seen = append(seen, fmt.Sprintf("%d=%v", it.Index, it.Value))
					return nil
				}))
			So(h.Handle(ctx, e), ShouldBeNil)
			So(seen, ShouldResemble, []string{"0=a", "1=b"})
			So(e.Iteration(), ShouldBeNil)
		})

		Convey("ForEach reads stored collections", func() {
			e.Set("items", []int{1, 2, 3})
			So(ForEach(Ref[any]("items"), "", collect).Handle(ctx, e), ShouldBeNil)
			So(seen, ShouldResemble, []string{"0:1", "1:2", "2:3"})
		})

		Convey("ForEach rejects maps", func() {
			err := ForEach(Lit[any](map[string]int{}), "", collect).Handle(ctx, e)
			So(errors.Is(err, ErrNotIterable), ShouldBeTrue)
		})

		Convey("ForIn visits map keys in sorted order", func() {
			m := map[string]int{"b": 2, "a": 1, "c": 3}
			So(ForIn(Lit[any](m), "", collect).Handle(ctx, e), ShouldBeNil)
			So(seen, ShouldResemble, []string{"a:1", "b:2", "c:3"})
		})

		Convey("ForOf visits the runes of a string", func() {
			So(ForOf(Lit[any]("hé"), "", collect).Handle(ctx, e), ShouldBeNil)
			So(seen, ShouldResemble, []string{"0:h", "1:é"})
		})

		Convey("Unlabeled break stops after the first iteration", func() {
			count := 0
			h := ForEach(Lit[any]([]int{1, 2, 3}), "",
				Handle(func(_ context.Context, e *Event) error {
					count++
					return e.Break()
				}))
			So(h.Handle(ctx, e), ShouldBeNil)
			So(count, ShouldEqual, 1)
		})

		Convey("Unlabeled break only stops the innermost loop", func() {
			outer := 0
			inner := 0
			h := ForEach(Lit[any]([]int{1, 2, 3}), "",
				Group(
					Handle(func(context.Context, *Event) error {
						outer++
						return nil
					}),
					ForEach(Lit[any]([]int{1, 2, 3}), "",
						Handle(func(_ context.Context, e *Event) error {
							inner++
							return e.Break()
						})),
				))
			So(h.Handle(ctx, e), ShouldBeNil)
			So(outer, ShouldEqual, 3)
			So(inner, ShouldEqual, 3)
		})

		Convey("Labeled break stops the labeled loop and its children", func() {
			outer := 0
			inner := 0
			h := ForEach(Lit[any]([]int{1, 2, 3}), "L1",
				Group(
					ForEach(Lit[any]([]int{1, 2, 3}), "",
						Handle(func(_ context.Context, e *Event) error {
							inner++
							return e.Break("L1")
						})),
					Handle(func(context.Context, *Event) error {
						outer++
						return nil
					}),
				))
			So(h.Handle(ctx, e), ShouldBeNil)
			So(inner, ShouldEqual, 1)
			So(outer, ShouldEqual, 0)
		})

		Convey("Breaking to an unknown label fails", func() {
			h := ForEach(Lit[any]([]int{1}), "L1", Break("nope"))
			err := h.Handle(ctx, e)
			So(errors.Is(err, ErrNoSuchLoop), ShouldBeTrue)
			So(errors.Is(e.Break(), ErrNoSuchLoop), ShouldBeTrue)
		})

		Convey("Duplicate labels are rejected", func() {
			h := ForEach(Lit[any]([]int{1}), "L1",
				ForEach(Lit[any]([]int{1}), "L1", collect))
			err := h.Handle(ctx, e)
			So(errors.Is(err, ErrDuplicateLabel), ShouldBeTrue)
		})

		Convey("A label may be reused by sequential loops", func() {
			l := ForEach(Lit[any]([]int{1}), "L1", collect)
			So(Group(l, l).Handle(ctx, e), ShouldBeNil)
			So(len(seen), ShouldEqual, 2)
		})

		Convey("A failing body aborts the loop", func() {
			injected := errors.New("Injected failure")
			count := 0
			h := ForEach(Lit[any]([]int{1, 2, 3}), "",
				Handle(func(context.Context, *Event) error {
					count++
					if count == 2 {
						return injected
					}
					return nil
				}))
			So(h.Handle(ctx, e), ShouldEqual, injected)
			So(count, ShouldEqual, 2)
			So(e.Iteration(), ShouldBeNil)
		})

		Convey("Loop values are available as derived keys", func() {
			h := ForEach(Lit[any]([]string{"x"}), "",
				Set("out", Tmpl("{{ $index }}-{{ $value }}")))
			So(h.Handle(ctx, e), ShouldBeNil)
			out, _ := GetAs[string](e, "out")
			So(out, ShouldEqual, "0-x")
		})
	})
}
