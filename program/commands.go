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


package program

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/devvisor"
	"github.com/gdamore/devvisor/chain"
	"github.com/gdamore/devvisor/terminal"
)

const (
	catMisc    = "Misc"
	catProcess = "Process management"

	// DefaultLogLines is how many records the log command shows.
	DefaultLogLines = 20
)

// Built-in commands report problems on the console and then succeed, so
// that only failures of user commands are reported as handler errors.
func (s *Session) registerBuiltins() {
	s.builtin("help", s.help, chain.Meta{
		Category:    catMisc,
		Usage:       "help <command?>",
		Description: "Shows help information, or information specific to the selected command.",
	})
	s.builtin("quit", s.quitCmd, chain.Meta{
		Category:    catMisc,
		Usage:       "quit",
		Description: "Exits gracefully. Double-press CTRL+C alternatively.",
	})
	s.builtin("history", s.history, chain.Meta{
		Category:    catMisc,
		Usage:       "history <clear?>",
		Description: "Lists the command history, or clears it.",
	})
	s.builtin("log", s.showLog, chain.Meta{
		Category:    catMisc,
		Usage:       "log <count?>",
		Description: "Shows the most recent entries of the session log.",
	})
	s.builtin("kl", s.kill, chain.Meta{
		Category:    catProcess,
		Usage:       "kl <process>",
		Description: "Kills a child process of a given name.",
	})
	s.builtin("rv", s.revive, chain.Meta{
		Category:    catProcess,
		Usage:       "rv <process>",
		Description: `Revives a child process of a given name, that was previously killed with the "kl" command.`,
	})
	s.builtin("rs", s.restart, chain.Meta{
		Category:    catProcess,
		Usage:       "rs <process>",
		Description: "Restarts a child process.",
	})
	s.builtin("pcs", s.processes, chain.Meta{
		Category:    catProcess,
		Usage:       "pcs",
		Description: "Lists all child processes, their status, uptime, etc...",
	})
}

func (s *Session) builtin(name string, fn chain.HandlerFunc, meta chain.Meta) {
	s.builtins = append(s.builtins, name)
	s.register(name, chain.Handle(fn), meta)
}

var controls = []string{
	"• Use ← →, backspace and delete keys to edit your input.",
	"• Use ↓ ↑ keys to navigate through command history.",
	"• Double-press CTRL + C to exit.",
	"• Double-press ESC to restart the passthrough shell process if it gets stuck, dies or is unresponsive.",
	"• Start a line with / to send it to the passthrough shell, even if it names a command.",
}

func (s *Session) userCommands() []string {
	var names []string
	for _, name := range s.term.Commands() {
		if !slices.Contains(s.builtins, name) {
			names = append(names, name)
		}
	}
	return names
}

func (s *Session) help(_ context.Context, e *chain.Event) error {
	c := s.console
	if argv := e.Terminal.Argv; len(argv) > 0 {
		var meta chain.Meta
		h, ok := s.term.Command(argv[0])
		if ok {
			meta, ok = chain.MetaOf(h)
		}
		if !ok {
			c.Error(nil, "Command %q does not exist.", argv[0])
			return nil
		}
		text := "  " + meta.Usage
		if meta.Description != "" {
			text += "\n  - " + c.Paint(terminal.ColorGrey, meta.Description)
		}
		c.Println(text)
		return nil
	}

	var cats []string
	byCat := map[string][]chain.Meta{}
	width := 0
	for _, name := range s.builtins {
		h, _ := s.term.Command(name)
		meta, _ := chain.MetaOf(h)
		if _, ok := byCat[meta.Category]; !ok {
			cats = append(cats, meta.Category)
		}
		byCat[meta.Category] = append(byCat[meta.Category], meta)
		width = max(width, len([]rune(meta.Usage)))
	}
	width += 2

	var sb strings.Builder
	sb.WriteString("\n  ─── Controls ───\n")
	for _, line := range controls {
		sb.WriteString("\n  " + c.Paint(terminal.ColorGrey, line))
	}
	sb.WriteString("\n\n  ─── Commands ───\n")
	if user := s.userCommands(); len(user) > 0 {
		sb.WriteString("\n  User-specified:")
		sb.WriteString("\n    " + c.Paint(terminal.ColorGrey, strings.Join(user, ", ")) + "\n")
	}
	for _, cat := range cats {
		sb.WriteString("\n  " + cat)
		for _, meta := range byCat[cat] {
			pad := strings.Repeat(" ", width-len([]rune(meta.Usage)))
			sb.WriteString("\n    " + c.Paint(terminal.ColorGrey, meta.Usage+pad+meta.Description))
		}
		sb.WriteString("\n")
	}
	c.Println(sb.String())
	return nil
}

func (s *Session) quitCmd(context.Context, *chain.Event) error {
	s.Quit()
	return nil
}

func (s *Session) history(_ context.Context, e *chain.Event) error {
	argv := e.Terminal.Argv
	switch {
	case len(argv) > 0 && argv[0] == "clear":
		if err := s.term.ClearHistory(); err != nil {
			s.console.Error(err, "Could not clear the command history:")
			return nil
		}
		s.console.Info("Command history cleared.")
	case len(argv) > 0:
		s.console.Error(nil, "Unknown argument %q.", argv[0])
	default:
		entries := s.term.History()
		if len(entries) == 0 {
			s.console.Info("The command history is empty.")
			return nil
		}
		lines := make([]string, 0, len(entries))
		for i, entry := range entries {
			lines = append(lines, fmt.Sprintf("%4d  %s", i+1, entry))
		}
		s.console.Println(strings.Join(lines, "\n"))
	}
	return nil
}

func (s *Session) showLog(_ context.Context, e *chain.Event) error {
	n := DefaultLogLines
	if argv := e.Terminal.Argv; len(argv) > 0 {
		v, err := strconv.Atoi(argv[0])
		if err != nil || v <= 0 {
			s.console.Error(nil, "Invalid count %q.", argv[0])
			return nil
		}
		n = v
	}
	recs := s.mgr.Log().Tail(n)
	if len(recs) == 0 {
		s.console.Info("The log is empty.")
		return nil
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("%s %-5s %s",
			s.console.Paint(terminal.ColorGrey, r.Time.Format(time.TimeOnly)),
			strings.ToUpper(r.Level), r.Text))
	}
	s.console.Println(strings.Join(lines, "\n"))
	return nil
}

// child resolves the process named by the first argument, printing why
// it cannot.
func (s *Session) child(e *chain.Event) (*devvisor.Child, bool) {
	argv := e.Terminal.Argv
	if len(argv) == 0 || argv[0] == "" {
		s.console.Error(nil, "Unspecified process name.")
		return nil, false
	}
	c, err := s.mgr.Child(argv[0])
	if err != nil {
		s.console.Error(nil, "Could not find process %q.", argv[0])
		return nil, false
	}
	return c, true
}

// reportBusy prints failures the lifecycle listener does not report.
func (s *Session) reportBusy(err error, name string) {
	if errors.Is(err, devvisor.ErrBusy) || errors.Is(err, devvisor.ErrNotRunning) {
		s.console.Error(err, "Process %q cannot be changed now:", name)
	}
}

func (s *Session) kill(_ context.Context, e *chain.Event) error {
	c, ok := s.child(e)
	if !ok {
		return nil
	}
	if c.Status() != devvisor.StatusAlive {
		s.console.Error(nil, "Process %q is not alive.", c.Name())
		return nil
	}
	s.console.Info("Killing process...")
	s.reportBusy(c.Kill(false), c.Name())
	return nil
}

func (s *Session) revive(_ context.Context, e *chain.Event) error {
	c, ok := s.child(e)
	if !ok {
		return nil
	}
	if st := c.Status(); st == devvisor.StatusAlive || st == devvisor.StatusAwaiting {
		s.console.Error(nil, "Process %q is not dead.", c.Name())
		return nil
	}
	s.console.Info("Reviving process...")
	if err := c.Revive(); err != nil {
		s.console.Error(err, "Could not revive %q:", c.Name())
	}
	return nil
}

func (s *Session) restart(_ context.Context, e *chain.Event) error {
	c, ok := s.child(e)
	if !ok {
		return nil
	}
	s.console.Info("Restarting process...")
	s.reportBusy(c.Restart(), c.Name())
	return nil
}

// FormatUptime renders d as "1h 02m 05s", leaving out zero units.
func FormatUptime(d time.Duration) string {
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)
	var units []string
	if h > 0 {
		units = append(units, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		units = append(units, fmt.Sprintf("%02dm", m))
	}
	if sec > 0 {
		units = append(units, fmt.Sprintf("%02ds", sec))
	}
	return strings.Join(units, " ")
}

var statusColor = map[devvisor.Status]string{
	devvisor.StatusAlive:    terminal.ColorGreen,
	devvisor.StatusDead:     terminal.ColorRed,
	devvisor.StatusKilled:   terminal.ColorRed,
	devvisor.StatusAwaiting: terminal.ColorMagenta,
}

func (s *Session) processes(context.Context, *chain.Event) error {
	list := s.mgr.StatusList()
	if len(list) == 0 {
		s.console.Info("No child processes configured.")
		return nil
	}
	c := s.console
	grey := func(v string) string { return c.Paint(terminal.ColorGrey, v) }
	rows := [][]string{{"name", "status", "uptime", "pid", "exit-code", "spawnargs"}}
	for _, st := range list {
		pid, code := grey("-"), grey("-")
		if st.Pid > 0 {
			pid = c.Paint(terminal.ColorYellow, strconv.Itoa(st.Pid))
		}
		if st.ExitCode != nil {
			code = c.Paint(terminal.ColorYellow, strconv.Itoa(*st.ExitCode))
		}
		rows = append(rows, []string{
			grey(st.Name),
			c.Paint(statusColor[st.Status], st.Status.String()),
			grey(FormatUptime(st.Uptime)),
			pid,
			code,
			grey(strings.Join(st.Args, " ")),
		})
	}
	c.Table(rows)
	return nil
}
