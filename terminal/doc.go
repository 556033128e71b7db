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

// Package terminal implements the interactive console of devvisor.
//
// A Terminal reads raw keystrokes, edits a single prompt line and keeps a
// history of submitted commands, optionally persisted to a file shared
// between sessions.  A submitted line runs a registered chain.Handler when
// its first word names one.  Otherwise it is sent to the passthrough Shell
// if one is configured, and reported as unknown if not.  A line starting
// with "/" always goes to the shell.
//
// All output goes through a Console, which keeps the prompt line intact
// while commands, routines and children print above it.
package terminal
