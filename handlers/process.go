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
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/gdamore/devvisor"
	"github.com/gdamore/devvisor/chain"
)

// Kill kills a configured child process.  A child that is not running
// is reported and left alone.
func Kill(env Env, name chain.Value[string]) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		n, err := name.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "kill %q", n)
		c, err := lookupChild(env, n)
		if err != nil {
			return err
		}
		err = c.Kill(false)
		if errors.Is(err, devvisor.ErrNotRunning) {
			if con := env.Console(); con != nil {
				con.Warn("Process %q is not alive.", n)
			}
			return nil
		}
		return err
	})
}

// Restart restarts a configured child process.
func Restart(env Env, name chain.Value[string]) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		n, err := name.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "restart %q", n)
		c, err := lookupChild(env, n)
		if err != nil {
			return err
		}
		return c.Restart()
	})
}

// Revive spawns a configured child process again if it is dead or killed.
func Revive(env Env, name chain.Value[string]) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		n, err := name.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "revive %q", n)
		c, err := lookupChild(env, n)
		if err != nil {
			return err
		}
		return c.Revive()
	})
}

// Stdio modes of Spawn.
const (
	StdioAll      = "all"
	StdioNone     = "none"
	StdioTakeover = "takeover"
)

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	// Stdio is one of StdioAll (default), StdioNone or StdioTakeover.  A
	// takeover command runs on a pseudo terminal and receives the
	// keystrokes typed while it runs.
	Stdio string
	// Dir and the values of Env may contain {{ key }} templates.
	Dir string
	Env []string
}

// Spawn runs a one-off command and waits for it to exit.  Unlike the
// configured children it is not supervised.  A single element command is
// run by the system shell.  A non-zero exit status is a failure.
func Spawn(env Env, command []chain.Value[string], opts SpawnOptions) chain.Handler {
	return chain.Handle(func(ctx context.Context, e *chain.Event) error {
		argv, err := resolveAll(e, command)
		if err != nil {
			return err
		}
		if len(argv) == 0 {
			return errors.New("Empty spawn command")
		}
		switch opts.Stdio {
		case "", StdioAll, StdioNone, StdioTakeover:
		default:
			return fmt.Errorf("Spawn stdio must be one of %q, %q, %q, not %q",
				StdioAll, StdioNone, StdioTakeover, opts.Stdio)
		}
		announce(env, e, "spawn %q", strings.Join(argv, " "))

		argv = devvisor.SpawnConfig{Command: argv}.Argv()
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = chain.Expand(e, opts.Dir)
		if len(opts.Env) > 0 {
			cmd.Env = os.Environ()
			for _, kv := range opts.Env {
				cmd.Env = append(cmd.Env, chain.Expand(e, kv))
			}
		}

		if opts.Stdio == StdioTakeover {
			err = takeover(env, cmd)
		} else {
			if opts.Stdio != StdioNone {
				cmd.Stdout, cmd.Stderr = env.Output()
			}
			err = cmd.Run()
		}
		if err != nil {
			announce(env, e, "spawn error (%q): %v", strings.Join(argv, " "), err)
			return err
		}
		announce(env, e, "spawn finished (%q), code: 0", strings.Join(argv, " "))
		return nil
	})
}

// takeover runs cmd on a pseudo terminal.  While it runs the terminal
// stops interpreting keys and forwards them to the command instead.
func takeover(env Env, cmd *exec.Cmd) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer ptmx.Close()
	if term.IsTerminal(int(os.Stdin.Fd())) {
		_ = pty.InheritSize(os.Stdin, ptmx)
	}
	if t := env.Terminal(); t != nil {
		t.Suspend(ptmx)
		defer t.Resume()
	}

	stdout, _ := env.Output()
	if stdout == nil {
		stdout = io.Discard
	}
	copied := make(chan struct{})
	go func() {
		// Reading the master fails once the command exits.
		_, _ = io.Copy(stdout, ptmx)
		close(copied)
	}()
	err = cmd.Wait()
	select {
	case <-copied:
	case <-time.After(time.Second):
		// A background grandchild still holds the terminal open.
	}
	return err
}
