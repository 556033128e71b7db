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

// Package handlers provides the built-in leaf handlers of devvisor and
// builds handler chains from declarative step lists.
//
// Every handler takes its arguments as chain.Value, so that they can be
// literals, references to stored keys, or strings with {{ key }}
// templates.  Handlers that touch the session (processes, the console,
// the terminal) reach it through an Env.
//
// A step list, as found in the configuration file, is a sequence of
// single key maps:
//
//	- print: "Building {{ $path }}"
//	- spawn: { command: [go, build, ./...], stdio: all }
//	- restart: web
//
// Build turns such a list into a chain.Handler.
package handlers
