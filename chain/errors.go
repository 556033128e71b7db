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
	"errors"
)

var (
	ErrPanic          = errors.New("Handler panicked")
	ErrMissingKey     = errors.New("No value stored for key")
	ErrTypeMismatch   = errors.New("Stored value has the wrong type")
	ErrNoSuchLoop     = errors.New("No running loop to break")
	ErrDuplicateLabel = errors.New("Loop label already in use")
	ErrNotIterable    = errors.New("Value cannot be iterated")
)
