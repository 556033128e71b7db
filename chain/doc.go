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

// Package chain implements composable handler pipelines.
//
// A chain is a Handler, usually a Group of other handlers, invoked with a
// fresh Event.  Handlers run strictly in sequence, and the first failure
// stops the chain.  Handlers communicate through the Event's private store:
//
//	h := chain.Group(
//		chain.Set("greeting", chain.Lit("hello")),
//		chain.Handle(func(ctx context.Context, e *chain.Event) error {
//			v, _ := e.Get("greeting")
//			fmt.Println(v)
//			return nil
//		}),
//	)
//	err := h.Handle(ctx, chain.NewEvent(chain.SourceGeneric))
//
// Loops (ForEach, ForOf, ForIn) expose the current element through
// Event.Iteration, and can be left early with Event.Break.  Event.StopPropagation
// ends the whole chain without a failure.
package chain
