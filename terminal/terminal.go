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

package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/gdamore/devvisor/chain"
)

var (
	ErrPassthroughDisabled = errors.New("Shell passthrough is disabled")
	ErrUnknownCommand      = errors.New("Unknown command")
)

// Two interrupts within InterruptWindow quit.
const InterruptWindow = 300 * time.Millisecond

// PassthroughMarker at the start of a line sends it to the passthrough
// shell even if it names a command.
const PassthroughMarker = '/'

// Outcome classifies a submitted command line.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
	OutcomePassthrough
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	}
	return "passthrough"
}

// Submission describes the last line submitted with Enter.
type Submission struct {
	Line    string
	Command string
	Args    []string
	Outcome Outcome
	Err     error
}

// Options configures a Terminal.  Zero values select the defaults.
type Options struct {
	// KeepHistory is the number of commands persisted across sessions;
	// zero disables the history file.
	KeepHistory int
	HistoryFile string
	// Shell, if set, receives lines that are not commands.
	Shell *Shell
	Input io.Reader
	// Columns returns the usable width of the prompt line.
	Columns func() int
	// Dispatch runs submitted commands.  It must not block.
	Dispatch func(func())
	// OnQuit is called when the user asks to quit.
	OnQuit func()
	Logger zerolog.Logger
}

// Terminal is an interactive line editor reading raw keystrokes.  Each
// submitted line either runs a registered command, is sent to the
// passthrough shell, or is reported as unknown.
//
// The edited line is always the last history entry.  Browsing older
// entries with Up and Down never modifies them: the first edit copies the
// entry being viewed into the live slot.
type Terminal struct {
	history       [][]rune
	historyIndex  int
	cursorIndex   int
	xOffset       int
	cache         [2]int
	lastInterrupt time.Time
	finished      string
	last          Submission

	commands    map[string]chain.Handler
	keep        int
	historyFile string
	shell       *Shell
	console     *Console
	in          io.Reader
	columns     func() int
	dispatch    func(func())
	onQuit      func()
	now         func() time.Time
	logger      zerolog.Logger

	ctx       context.Context
	started   bool
	stopped   bool
	rawFd     int
	oldState  *term.State
	suspended io.Writer
	mx        sync.Mutex
}

func stdoutColumns() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w < 2 {
		return 79
	}
	return w - 1
}

// New returns a terminal printing through console.
func New(console *Console, opts Options) *Terminal {
	t := &Terminal{
		history:     [][]rune{{}},
		commands:    make(map[string]chain.Handler),
		keep:        opts.KeepHistory,
		historyFile: opts.HistoryFile,
		shell:       opts.Shell,
		console:     console,
		in:          opts.Input,
		columns:     opts.Columns,
		dispatch:    opts.Dispatch,
		onQuit:      opts.OnQuit,
		now:         time.Now,
		logger:      opts.Logger,
		ctx:         context.Background(),
		rawFd:       -1,
	}
	if t.historyFile == "" {
		t.historyFile = DefaultHistoryFile()
	}
	if t.in == nil {
		t.in = os.Stdin
	}
	if t.columns == nil {
		t.columns = stdoutColumns
	}
	if t.dispatch == nil {
		t.dispatch = func(fn func()) { go fn() }
	}
	return t
}

// Register makes h available as the command name.
func (t *Terminal) Register(name string, h chain.Handler) {
	t.mx.Lock()
	t.commands[name] = h
	t.mx.Unlock()
}

// Command returns the handler registered for name.
func (t *Terminal) Command(name string) (chain.Handler, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	h, ok := t.commands[name]
	return h, ok
}

// Commands returns the registered command names, sorted.
func (t *Terminal) Commands() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	names := make([]string, 0, len(t.commands))
	for n := range t.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Shell returns the passthrough shell, or nil.
func (t *Terminal) Shell() *Shell {
	return t.shell
}

// Console returns the console the terminal prints to.
func (t *Terminal) Console() *Console {
	return t.console
}

func (t *Terminal) cols() int {
	if c := t.columns(); c > 0 {
		return c
	}
	return 1
}

// Start loads the history, switches the input to raw mode when it is a
// terminal, starts the passthrough shell and begins reading keys.
// Commands run with ctx.
func (t *Terminal) Start(ctx context.Context) error {
	t.mx.Lock()
	if t.started || t.stopped {
		t.mx.Unlock()
		return errors.New("Terminal already started")
	}
	t.ctx = ctx
	var loadErr error
	if t.keep > 0 {
		entries, err := LoadHistory(t.historyFile)
		if err != nil {
			loadErr = err
		} else {
			t.history = append(entries, []rune{})
			t.historyIndex = len(t.history) - 1
		}
	}
	if f, ok := t.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			t.mx.Unlock()
			return fmt.Errorf("entering raw mode: %w", err)
		}
		t.rawFd = fd
		t.oldState = state
		// Children and the shell write bare line feeds to the same tty.
		if keepOutputProcessing(fd) != nil {
			t.console.SetRaw(true)
		}
	}
	t.started = true
	t.mx.Unlock()

	if loadErr != nil {
		t.console.Error(loadErr, "Could not load the history file %s:", t.historyFile)
	}
	if t.shell != nil {
		if err := t.shell.Start(); err != nil {
			t.Stop()
			return fmt.Errorf("starting passthrough shell: %w", err)
		}
		t.console.Warn("Shell passthrough has been enabled (%s)", t.shell.Path())
	}

	t.mx.Lock()
	t.render()
	t.mx.Unlock()
	go t.readLoop()
	return nil
}

// Stop saves the history, clears the prompt and restores the terminal
// mode.  The passthrough shell keeps running; close it separately.
func (t *Terminal) Stop() error {
	t.mx.Lock()
	if !t.started {
		t.mx.Unlock()
		return nil
	}
	t.started = false
	t.stopped = true
	t.suspended = nil
	var err error
	if t.keep > 0 {
		err = SaveHistory(t.historyFile, t.committed(), t.keep)
	}
	t.console.HidePrompt()
	if t.oldState != nil {
		if rerr := term.Restore(t.rawFd, t.oldState); rerr != nil && err == nil {
			err = rerr
		}
		t.oldState = nil
		t.console.SetRaw(false)
	}
	t.mx.Unlock()
	return err
}

func (t *Terminal) readLoop() {
	buf := make([]byte, 1024)
	for {
		n, err := t.in.Read(buf)
		if n > 0 {
			t.mx.Lock()
			w, stopped := t.suspended, t.stopped
			t.mx.Unlock()
			if stopped {
				return
			}
			if w != nil {
				if _, werr := w.Write(buf[:n]); werr != nil {
					t.logger.Debug().Err(werr).Msg("Forwarding input failed")
				}
				continue
			}
			for _, ev := range decodeKeys(buf[:n]) {
				t.HandleKey(ev)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Error().Err(err).Msg("Reading terminal input failed")
			}
			return
		}
	}
}

// Suspend stops key handling and forwards raw input to w instead, until
// Resume is called.  The prompt is hidden meanwhile.
func (t *Terminal) Suspend(w io.Writer) {
	t.mx.Lock()
	t.suspended = w
	t.mx.Unlock()
	t.console.HidePrompt()
}

// Resume ends a Suspend and redraws the prompt.
func (t *Terminal) Resume() {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.suspended = nil
	if t.started {
		t.render()
	}
}

// HandleKey processes a single keystroke and redraws the prompt line.
func (t *Terminal) HandleKey(ev *tcell.EventKey) {
	t.mx.Lock()
	var work func()
	quit := false
	switch ev.Key() {
	case tcell.KeyEnter:
		work = t.submit()
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		t.backspace()
	case tcell.KeyDelete:
		t.delete()
	case tcell.KeyCtrlC:
		quit = t.interrupt()
	case tcell.KeyEscape:
		if ev.Modifiers()&tcell.ModAlt != 0 {
			work = t.restartShell()
		}
	case tcell.KeyUp:
		t.up()
	case tcell.KeyDown:
		t.down()
	case tcell.KeyLeft:
		t.left()
	case tcell.KeyRight:
		t.right()
	case tcell.KeyHome:
		t.cursorIndex = 0
		t.clampOffset()
	case tcell.KeyEnd:
		t.cursorIndex = len(t.current())
		t.clampOffset()
	case tcell.KeyRune:
		t.insert(ev.Rune())
	}
	if quit {
		t.console.HidePrompt()
	} else {
		t.render()
	}
	onQuit := t.onQuit
	t.mx.Unlock()

	if work != nil {
		t.dispatch(work)
	}
	if quit && onQuit != nil {
		onQuit()
	}
}

func (t *Terminal) current() []rune {
	return t.history[t.historyIndex]
}

func (t *Terminal) liveIndex() int {
	return len(t.history) - 1
}

func (t *Terminal) editingOld() bool {
	return t.historyIndex < t.liveIndex()
}

// loadFromHistory copies the viewed entry into the live slot.
func (t *Terminal) loadFromHistory() {
	t.history[t.liveIndex()] = append([]rune{}, t.current()...)
	t.historyIndex = t.liveIndex()
}

// clampOffset scrolls horizontally so that the cursor stays visible.
func (t *Terminal) clampOffset() {
	cols := t.cols()
	if t.cursorIndex < t.xOffset {
		t.xOffset = t.cursorIndex
	}
	if t.cursorIndex-t.xOffset > cols {
		t.xOffset = t.cursorIndex - cols
	}
	if t.xOffset < 0 {
		t.xOffset = 0
	}
}

func (t *Terminal) insert(r rune) {
	if t.editingOld() {
		t.loadFromHistory()
	}
	live := t.history[t.liveIndex()]
	live = append(live[:t.cursorIndex], append([]rune{r}, live[t.cursorIndex:]...)...)
	t.history[t.liveIndex()] = live
	t.cursorIndex++
	t.clampOffset()
}

func (t *Terminal) backspace() {
	if t.editingOld() {
		t.loadFromHistory()
	}
	live := t.history[t.liveIndex()]
	if t.cursorIndex > 0 && len(live) > 0 {
		t.history[t.liveIndex()] = append(live[:t.cursorIndex-1], live[t.cursorIndex:]...)
		t.cursorIndex--
	}
	t.clampOffset()
}

func (t *Terminal) delete() {
	if t.editingOld() {
		t.loadFromHistory()
	}
	live := t.history[t.liveIndex()]
	if t.cursorIndex < len(live) {
		t.history[t.liveIndex()] = append(live[:t.cursorIndex], live[t.cursorIndex+1:]...)
	}
	t.clampOffset()
}

func (t *Terminal) setIndexAndOffset() {
	if t.editingOld() {
		n := len(t.current())
		t.cursorIndex = n
		t.xOffset = max(0, n-t.cols())
		return
	}
	t.cursorIndex, t.xOffset = t.cache[0], t.cache[1]
}

func (t *Terminal) up() {
	if !t.editingOld() {
		t.cache = [2]int{t.cursorIndex, t.xOffset}
	}
	if t.historyIndex > 0 {
		t.historyIndex--
	}
	t.setIndexAndOffset()
}

func (t *Terminal) down() {
	if t.historyIndex < t.liveIndex() {
		t.historyIndex++
	}
	t.setIndexAndOffset()
}

func (t *Terminal) left() {
	if t.cursorIndex > 0 {
		t.cursorIndex--
	}
	t.clampOffset()
}

func (t *Terminal) right() {
	if t.cursorIndex < len(t.current()) {
		t.cursorIndex++
	}
	t.clampOffset()
}

// interrupt records a Ctrl+C, and reports whether it completes a double
// press.
func (t *Terminal) interrupt() bool {
	now := t.now()
	quit := !t.lastInterrupt.IsZero() && now.Sub(t.lastInterrupt) < InterruptWindow
	t.lastInterrupt = now
	if quit {
		t.history[t.liveIndex()] = []rune{}
		t.historyIndex = t.liveIndex()
		t.cursorIndex, t.xOffset = 0, 0
	}
	return quit
}

func (t *Terminal) restartShell() func() {
	sh := t.shell
	if sh == nil {
		return nil
	}
	return func() {
		if err := sh.Restart(); err != nil {
			t.console.Error(err, "Could not restart %s:", sh.Path())
			return
		}
		t.console.Info("Restarted %s", sh.Path())
	}
}

// removeDuplicate drops the live entry if it repeats the previous one.
func (t *Terminal) removeDuplicate() {
	n := len(t.history)
	if n >= 2 && string(t.history[n-1]) == string(t.history[n-2]) {
		t.history = t.history[:n-1]
	}
}

func (t *Terminal) submit() func() {
	if t.editingOld() {
		t.loadFromHistory()
	}
	line := string(t.history[t.liveIndex()])
	if strings.Trim(line, " \t") == "" {
		return nil
	}
	force := line[0] == PassthroughMarker
	text := line
	if force {
		text = line[1:]
	}
	var name string
	var args []string
	if fields := strings.Fields(text); len(fields) > 0 {
		name, args = fields[0], fields[1:]
	}

	t.removeDuplicate()
	t.history = append(t.history, []rune{})
	t.historyIndex = t.liveIndex()
	t.cursorIndex, t.xOffset = 0, 0

	sub := Submission{Line: line, Command: name, Args: args}
	var work func()
	sub.Outcome, sub.Err, work = t.route(force, name, args, text)
	t.last = sub
	t.finished = t.finishedLine(sub)
	t.logger.Debug().Str("line", line).Str("outcome", sub.Outcome.String()).Msg("Command submitted")
	return work
}

func (t *Terminal) route(force bool, name string, args []string, text string) (Outcome, error, func()) {
	if force {
		if t.shell == nil {
			err := fmt.Errorf("%w: %q", ErrPassthroughDisabled, name)
			return OutcomeError, err, func() {
				t.console.Error(nil, "%q was used with a force character %q but shell passthrough is disabled.",
					name, string(PassthroughMarker))
			}
		}
		return OutcomePassthrough, nil, t.passthrough(text)
	}
	if h, ok := t.commands[name]; ok {
		ctx := t.ctx
		return OutcomeOK, nil, func() {
			t.run(ctx, name, h, args)
		}
	}
	if t.shell != nil {
		return OutcomePassthrough, nil, t.passthrough(text)
	}
	err := fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	return OutcomeError, err, func() {
		t.console.Error(nil, "%q is recognized as neither internal or user-configured command.", name)
	}
}

func (t *Terminal) passthrough(text string) func() {
	sh := t.shell
	return func() {
		if err := sh.Send(strings.TrimSpace(text)); err != nil {
			t.console.Error(err, "Could not pass the command to %s:", sh.Path())
		}
	}
}

func (t *Terminal) run(ctx context.Context, name string, h chain.Handler, args []string) {
	e := chain.NewTerminalEvent(args)
	if err := h.Handle(ctx, e); err != nil {
		cmd := strings.Join(append([]string{name}, args...), " ")
		t.console.Error(err, "An error had occurred after calling the command handler for %q:", cmd)
	}
}

func (t *Terminal) finishedLine(sub Submission) string {
	line := sub.Line
	cols := t.cols()
	if r := []rune(line); len(r)+6 > cols && cols > 7 {
		line = string(r[:cols-7]) + "..."
	}
	color := ColorGrey
	switch sub.Outcome {
	case OutcomeError:
		color = ColorRed
	case OutcomePassthrough:
		color = ColorBlue
	}
	return t.console.Paint(color, "> "+line)
}

// render prints the finished command, if any, and redraws the prompt.
// Call with the lock held.
func (t *Terminal) render() {
	if t.finished != "" {
		t.console.Println(t.finished)
		t.finished = ""
	}
	cur := t.current()
	start := min(t.xOffset, len(cur))
	end := min(len(cur), t.xOffset+t.cols())
	t.console.ShowPrompt(string(cur[start:end]), t.cursorIndex-t.xOffset)
}

// Line returns the text being edited and the cursor position in it.
func (t *Terminal) Line() (string, int) {
	t.mx.Lock()
	defer t.mx.Unlock()
	return string(t.current()), t.cursorIndex
}

// LastSubmission describes the most recent line submitted with Enter.
func (t *Terminal) LastSubmission() Submission {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.last
}

func (t *Terminal) committed() [][]rune {
	return t.history[:t.liveIndex()]
}

// History returns the submitted commands, oldest first.
func (t *Terminal) History() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	entries := t.committed()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e))
	}
	return out
}

// SaveHistory writes the retained part of the history to the history
// file.  It does nothing when history is disabled.
func (t *Terminal) SaveHistory() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.keep <= 0 {
		return nil
	}
	return SaveHistory(t.historyFile, t.committed(), t.keep)
}

// ClearHistory forgets every submitted command and persists the empty
// history.
func (t *Terminal) ClearHistory() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.editingOld() {
		t.cursorIndex, t.xOffset = t.cache[0], t.cache[1]
	}
	live := t.history[t.liveIndex()]
	t.history = [][]rune{live}
	t.historyIndex = 0
	t.cursorIndex = min(t.cursorIndex, len(live))
	t.clampOffset()
	if t.keep <= 0 {
		return nil
	}
	return SaveHistory(t.historyFile, nil, t.keep)
}
