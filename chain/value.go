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
	"fmt"
	"regexp"
	"strings"
)

type valueKind int

const (
	kindLiteral valueKind = iota
	kindRef
	kindTemplate
)

// Value is a handler argument that is either a literal or a reference to
// a key of the event store.  References are resolved when the handler
// runs, so a handler can consume what an earlier handler produced.
type Value[T any] struct {
	lit  T
	key  string
	kind valueKind
}

// Lit returns a literal value.
func Lit[T any](v T) Value[T] {
	return Value[T]{lit: v, kind: kindLiteral}
}

// Ref returns a value read from the event store under key.
func Ref[T any](key string) Value[T] {
	return Value[T]{key: key, kind: kindRef}
}

// Tmpl returns a string literal in which every {{ key }} is replaced with
// the stored value of key at execution time.
func Tmpl(s string) Value[string] {
	return Value[string]{lit: s, kind: kindTemplate}
}

// TmplAny is Tmpl for arguments that may hold values of any type.
func TmplAny(s string) Value[any] {
	return Value[any]{lit: s, kind: kindTemplate}
}

// IsRef reports whether v reads from the store.
func (v Value[T]) IsRef() bool {
	return v.kind == kindRef
}

// Key returns the referenced key, or "" for literals.
func (v Value[T]) Key() string {
	return v.key
}

func (v Value[T]) String() string {
	if v.kind == kindRef {
		return "ref:" + v.key
	}
	return fmt.Sprint(v.lit)
}

// Resolve returns the concrete value for the event e.
func (v Value[T]) Resolve(e *Event) (T, error) {
	switch v.kind {
	case kindTemplate:
		if s, ok := any(v.lit).(string); ok {
			if out, ok := any(Expand(e, s)).(T); ok {
				return out, nil
			}
		}
		return v.lit, nil
	case kindRef:
		var zero T
		raw, ok := e.Lookup(v.key)
		if !ok {
			return zero, fmt.Errorf("%w: %q", ErrMissingKey, v.key)
		}
		if t, ok := raw.(T); ok {
			return t, nil
		}
		// Stored file contents are bytes, but are often wanted as text.
		var out T
		switch p := any(&out).(type) {
		case *string:
			if b, ok := raw.([]byte); ok {
				*p = string(b)
				return out, nil
			}
		case *[]byte:
			if s, ok := raw.(string); ok {
				*p = []byte(s)
				return out, nil
			}
		}
		return zero, fmt.Errorf("%w: %q holds %T, want %T",
			ErrTypeMismatch, v.key, raw, zero)
	}
	return v.lit, nil
}

var templateRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Expand replaces {{ key }} occurrences in s with the values Event.Lookup
// finds for them.  Missing keys expand to the empty string.
func Expand(e *Event, s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return templateRe.ReplaceAllStringFunc(s, func(m string) string {
		key := strings.TrimSpace(templateRe.FindStringSubmatch(m)[1])
		v, ok := e.Lookup(key)
		if !ok || v == nil {
			return ""
		}
		if b, ok := v.([]byte); ok {
			return string(b)
		}
		return fmt.Sprint(v)
	})
}
