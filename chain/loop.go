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
	"reflect"
	"sort"
)

// Iteration is the per-iteration state of a running loop.  The fields are
// only valid while the loop body runs; they are cleared between
// iterations.
type Iteration struct {
	Label     string
	Index     int
	Key       any
	Value     any
	Container any
}

func (it *Iteration) clear() {
	it.Index = 0
	it.Key = nil
	it.Value = nil
	it.Container = nil
}

type loopKind int

const (
	loopEach loopKind = iota
	loopOf
	loopIn
)

type item struct {
	index int
	key   any
	value any
}

type loop struct {
	kind  loopKind
	items Value[any]
	label string
	body  Handler
}

// ForEach runs h once per element of a slice or array, exposing the element
// as Iteration().Value and its position as Iteration().Index.  An empty
// label leaves the loop anonymous.
func ForEach(items Value[any], label string, h Handler) Handler {
	return &loop{kind: loopEach, items: items, label: label, body: h}
}

// ForOf runs h once per value of a slice, array, map or string.  Maps are
// visited in sorted key order, and strings rune by rune.
func ForOf(items Value[any], label string, h Handler) Handler {
	return &loop{kind: loopOf, items: items, label: label, body: h}
}

// ForIn runs h once per key of a map (in sorted order) or index of a slice,
// exposing it as Iteration().Key with the matching Iteration().Value.
func ForIn(items Value[any], label string, h Handler) Handler {
	return &loop{kind: loopIn, items: items, label: label, body: h}
}

func (l *loop) Handle(ctx context.Context, e *Event) error {
	container, err := l.items.Resolve(e)
	if err != nil {
		return err
	}
	items, err := l.enumerate(container)
	if err != nil {
		return err
	}
	if l.label != "" && e.IterationOf(l.label) != nil {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, l.label)
	}

	it := &Iteration{Label: l.label}
	depth := len(e.loops)
	e.loops = append(e.loops, it)
	defer func() {
		e.loops = e.loops[:depth]
	}()

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		it.Index = item.index
		it.Key = item.key
		it.Value = item.value
		it.Container = container
		if l.kind == loopEach {
			it.Index = i
		}

		err := l.body.Handle(ctx, e)
		it.clear()
		if err != nil {
			return err
		}
		if e.stopped {
			return nil
		}
		if e.breaking {
			if e.breakAt == depth {
				e.breaking = false
			}
			return nil
		}
	}
	return nil
}

func (l *loop) enumerate(container any) ([]item, error) {
	v := reflect.ValueOf(container)
	if !v.IsValid() {
		return nil, fmt.Errorf("%w: nil", ErrNotIterable)
	}
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	var items []item
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			items = append(items, item{index: i, key: i, value: v.Index(i).Interface()})
		}
		return items, nil
	case reflect.Map:
		if l.kind == loopEach {
			break
		}
		for i, k := range sortedKeys(v) {
			items = append(items, item{index: i, key: k.Interface(), value: v.MapIndex(k).Interface()})
		}
		return items, nil
	case reflect.String:
		if l.kind != loopOf {
			break
		}
		for i, r := range []rune(v.String()) {
			items = append(items, item{index: i, key: i, value: string(r)})
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrNotIterable, container)
}

func sortedKeys(m reflect.Value) []reflect.Value {
	keys := m.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch a.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return a.Int() < b.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return a.Uint() < b.Uint()
		case reflect.Float32, reflect.Float64:
			return a.Float() < b.Float()
		case reflect.String:
			return a.String() < b.String()
		}
		return fmt.Sprint(a.Interface()) < fmt.Sprint(b.Interface())
	})
	return keys
}
