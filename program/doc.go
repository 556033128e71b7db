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


// Package program runs a devvisor session.
//
// A Session starts the configured processes in order, runs the launch
// routines, then keeps the watch and interval routines, the optional HTTP
// API and the command terminal going until the user quits.  Built-in
// terminal commands are help, quit, history, log, kl, rv, rs and pcs;
// the configuration may add more.
package program
