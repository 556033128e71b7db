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

// Package devvisor supervises the processes of a development environment.
//
// A Manager owns a set of named Child processes, created from
// configuration and started one after another, so that services which
// depend on each other come up in a predictable order.  Each Child can be
// killed, restarted and revived individually, and reports its lifecycle
// through listeners on a set of channels (spawn, close, kill, restart and
// their error variants).  Channels can be paused, which drops the
// notification but never the state change.
//
// The interactive side lives in the terminal and program packages; the
// handler pipelines run by commands and routines live in chain and
// handlers.
package devvisor
