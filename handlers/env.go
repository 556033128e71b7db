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

package handlers

import (
	"context"
	"fmt"
	"io"

	"github.com/gdamore/devvisor"
	"github.com/gdamore/devvisor/chain"
	"github.com/gdamore/devvisor/terminal"
)

// Env gives handlers access to the running session.
type Env interface {
	Manager() *devvisor.Manager
	Console() *terminal.Console
	// Terminal returns the interactive terminal, or nil when there is
	// none.
	Terminal() *terminal.Terminal
	// Output returns where spawned commands write.
	Output() (stdout, stderr io.Writer)
}

// announce tells the user what a handler does, when it runs from a
// routine or a terminal command.
func announce(env Env, e *chain.Event, format string, v ...any) {
	if env == nil {
		return
	}
	c := env.Console()
	if c == nil {
		return
	}
	switch {
	case e.Source == chain.SourceLaunch || e.Source == chain.SourceWatch:
		c.Routine(format, v...)
	case e.Source.IsRoutine():
		c.Task(format, v...)
	case e.Source == chain.SourceTerminal:
		c.Cmd(format, v...)
	}
}

func resolveAll(e *chain.Event, vals []chain.Value[string]) ([]string, error) {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		s, err := v.Resolve(e)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Print writes a message to the console.
func Print(env Env, msg chain.Value[string]) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		s, err := msg.Resolve(e)
		if err != nil {
			return err
		}
		env.Console().Info("%s", s)
		return nil
	})
}

func lookupChild(env Env, name string) (*devvisor.Child, error) {
	c, err := env.Manager().Child(name)
	if err != nil {
		return nil, fmt.Errorf("Could not find process %q: %w", name, err)
	}
	return c, nil
}
