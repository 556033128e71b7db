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
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/gdamore/devvisor"
	"github.com/gdamore/devvisor/chain"
	"github.com/gdamore/devvisor/config"
	"github.com/gdamore/devvisor/handlers"
	"github.com/gdamore/devvisor/rest"
	"github.com/gdamore/devvisor/terminal"
)

var (
	ErrLaunch          = errors.New("Launch routine failed")
	ErrReservedCommand = errors.New("Command name is reserved")
)

// ShutdownTimeout bounds how long routines and the HTTP API get to stop.
const ShutdownTimeout = 5 * time.Second

// Options configures a Session.  Zero values select the process's own
// standard streams.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Interactive enables the command terminal.
	Interactive bool
	// Columns overrides the width of the prompt line.
	Columns func() int
	// Dir is where relative watch patterns start; the working directory
	// by default.
	Dir string
}

type routine struct {
	name string
	h    chain.Handler
}

// Session is one run of the supervisor.  It owns the manager, the console,
// the terminal and the routines, and is what handlers see as their Env.
type Session struct {
	ID          string
	cfg         *config.Config
	interactive bool
	stdout      io.Writer
	stderr      io.Writer
	logger      zerolog.Logger
	logFile     io.Closer
	console     *terminal.Console
	shell       *terminal.Shell
	term        *terminal.Terminal
	mgr         *devvisor.Manager
	metrics     *Metrics
	builtins    []string
	launch      []routine
	watches     []*watchRoutine
	intervals   []*intervalRoutine
	onClose     chain.Handler
	api         *rest.Server

	sup      *suture.Supervisor
	routines suture.ServiceToken
	supDone  <-chan error
	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	quitOnce sync.Once
	downOnce sync.Once
	wg       sync.WaitGroup
	mx       sync.Mutex
}

// New wires a session for cfg.  Nothing is started until Run.
func New(cfg *config.Config, opts Options) (*Session, error) {
	s := &Session{
		ID:          uuid.NewString(),
		cfg:         cfg,
		interactive: opts.Interactive,
		stdout:      opts.Stdout,
		stderr:      opts.Stderr,
		metrics:     NewMetrics(),
		quit:        make(chan struct{}),
		ctx:         context.Background(),
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.stderr == nil {
		s.stderr = os.Stderr
	}

	s.mgr = devvisor.NewManager("devvisor")
	if err := s.setupLogger(); err != nil {
		return nil, err
	}
	s.mgr.SetLogger(s.logger)
	s.mgr.SetOutput(s.stdout, s.stderr)
	s.console = terminal.NewConsole(s.stdout, s.logger)

	if s.interactive && cfg.Terminal.Passthrough.Enabled {
		s.shell = terminal.NewShell(cfg.Terminal.Passthrough.Shell, s.stdout, s.stderr)
	}
	s.term = terminal.New(s.console, terminal.Options{
		KeepHistory: cfg.Terminal.KeepHistory,
		HistoryFile: cfg.Terminal.HistoryFile,
		Shell:       s.shell,
		Input:       opts.Stdin,
		Columns:     opts.Columns,
		OnQuit:      s.Quit,
		Logger:      s.logger,
	})

	if err := s.build(opts.Dir); err != nil {
		s.closeLog()
		return nil, err
	}
	return s, nil
}

func (s *Session) setupLogger() error {
	level, err := zerolog.ParseLevel(s.cfg.Log.Level)
	if err != nil || s.cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	writers := []io.Writer{s.mgr.Log()}
	if s.cfg.Log.File != "" {
		f, err := os.OpenFile(s.cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		s.logFile = f
		writers = append(writers, f)
	}
	s.logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("session", s.ID).
		Logger()
	return nil
}

func (s *Session) closeLog() {
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
}

func routineName(kind string, i int, name string) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s[%d]", kind, i)
}

// build turns the configured steps into chains.
func (s *Session) build(dir string) error {
	s.registerBuiltins()
	for name, c := range s.cfg.Terminal.Commands {
		if _, ok := s.term.Command(name); ok {
			return fmt.Errorf("%w: %s", ErrReservedCommand, name)
		}
		h, err := handlers.Build(s, c.Steps)
		if err != nil {
			return fmt.Errorf("terminal.commands.%s: %w", name, err)
		}
		usage := c.Usage
		if usage == "" {
			usage = name
		}
		s.register(name, h, chain.Meta{
			Category:    c.Category,
			Usage:       usage,
			Description: c.Description,
		})
	}

	r := s.cfg.Routines
	for i, l := range r.Launch {
		h, err := handlers.Build(s, l.Steps)
		if err != nil {
			return fmt.Errorf("routines.launch[%d]: %w", i, err)
		}
		s.launch = append(s.launch, routine{name: routineName("launch", i, l.Name), h: h})
	}
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = wd
	}
	for i, w := range r.Watch {
		h, err := handlers.Build(s, w.Steps)
		if err != nil {
			return fmt.Errorf("routines.watch[%d]: %w", i, err)
		}
		debounce := w.Debounce
		if debounce <= 0 {
			debounce = config.DefaultDebounce
		}
		s.watches = append(s.watches,
			newWatchRoutine(s, routineName("watch", i, w.Name), dir, w.Paths, debounce, h))
	}
	for i, iv := range r.Interval {
		h, err := handlers.Build(s, iv.Steps)
		if err != nil {
			return fmt.Errorf("routines.interval[%d]: %w", i, err)
		}
		s.intervals = append(s.intervals,
			newIntervalRoutine(s, routineName("interval", i, iv.Name), iv.Every, iv.Immediate, h))
	}
	if len(s.cfg.OnClose) > 0 {
		h, err := handlers.Build(s, s.cfg.OnClose)
		if err != nil {
			return fmt.Errorf("on_close: %w", err)
		}
		s.onClose = h
	}

	if s.cfg.HTTP.Listen != "" {
		s.api = rest.NewServer(s.cfg.HTTP.Listen, rest.NewHandler(s.mgr, rest.HandlerOptions{
			Gatherer: s.metrics.Registry,
			Auth:     rest.Auth{User: s.cfg.HTTP.User, PasswordHash: s.cfg.HTTP.PasswordHash},
			Logger:   s.logger,
		}), s.logger)
	}
	return nil
}

// register adds a terminal command that counts its invocations.
func (s *Session) register(name string, h chain.Handler, meta chain.Meta) {
	s.term.Register(name, chain.Handle(func(ctx context.Context, e *chain.Event) error {
		err := h.Handle(ctx, e)
		s.metrics.command(name, err)
		return err
	}, meta))
}

// Manager, Console, Terminal and Output implement handlers.Env.

func (s *Session) Manager() *devvisor.Manager {
	return s.mgr
}

func (s *Session) Console() *terminal.Console {
	return s.console
}

func (s *Session) Terminal() *terminal.Terminal {
	if !s.interactive {
		return nil
	}
	return s.term
}

func (s *Session) Output() (io.Writer, io.Writer) {
	return s.stdout, s.stderr
}

func (s *Session) Metrics() *Metrics {
	return s.metrics
}

// Quit asks Run to shut down.  It may be called any number of times.
func (s *Session) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Session) runContext() context.Context {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.ctx
}

// invoke runs one routine chain and records the outcome.
func (s *Session) invoke(ctx context.Context, kind, name string, h chain.Handler, e *chain.Event) error {
	start := time.Now()
	err := h.Handle(ctx, e)
	s.metrics.routine(kind, name, err, time.Since(start))
	l := s.logger.With().
		Str("kind", kind).
		Str("routine", name).
		Str("event", e.ID.String()).
		Logger()
	if err != nil {
		l.Error().Err(err).Msg("Routine failed")
	} else {
		l.Debug().Msg("Routine finished")
	}
	return err
}

func (s *Session) childEvent(c *devvisor.Child, ch devvisor.Channel, err error) {
	name := c.Name()
	s.metrics.childEvent(name, ch)
	s.metrics.updateChildren(s.mgr.StatusList())
	switch ch {
	case devvisor.ChanSpawn:
		s.console.Info("Process %q is running.", name)
	case devvisor.ChanClose:
		code, _ := c.ExitCode()
		s.console.Exit("Process %q closed with exit code %d.", name, code)
		s.runOnClose(name, code)
	case devvisor.ChanKill:
		s.console.Info("Killed process %q.", name)
	case devvisor.ChanKillError:
		s.console.Error(err, "An error was encountered while attempting to kill %q.", name)
	case devvisor.ChanRestart:
		s.console.Info("Restarted process %q.", name)
	case devvisor.ChanRestartError:
		s.console.Error(err, "An error was encountered while attempting to restart %q.", name)
	}
}

func (s *Session) runOnClose(name string, code int) {
	if s.onClose == nil {
		return
	}
	ctx := s.runContext()
	if ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		e := chain.NewProcessEvent(name, code)
		if err := s.invoke(ctx, "close", name, s.onClose, e); err != nil && ctx.Err() == nil {
			s.console.Error(err, "The on_close routine failed for %q:", name)
		}
	}()
}

func (s *Session) supervisorEvent(ev suture.Event) {
	s.logger.Warn().Fields(ev.Map()).Msg(ev.String())
}

// Run starts every process and routine, then blocks until the user quits,
// ctx is canceled, or the process receives SIGINT or SIGTERM.  Children
// are always stopped before Run returns.  A failing launch routine makes
// Run fail with ErrLaunch.
func (s *Session) Run(ctx context.Context) error {
	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mx.Lock()
	s.ctx = ctx
	s.cancel = cancel
	s.mx.Unlock()

	if err := s.mgr.CreateChildInstances(s.cfg.ChildDefs()); err != nil {
		s.closeLog()
		return err
	}
	s.mgr.AddListener(devvisor.ListenerFunc(s.childEvent))
	s.logger.Info().Int("processes", len(s.cfg.Processes)).Msg("Session started")

	err := s.mgr.StartEach(ctx, func(c *devvisor.Child) {
		s.console.Info("Starting %q", c.Name())
	})
	if ctx.Err() != nil {
		s.shutdown()
		return nil
	}
	if err != nil {
		s.console.Error(err, "Some processes could not be started:")
	}

	for _, r := range s.launch {
		if err := s.invoke(ctx, "launch", r.name, r.h, chain.NewEvent(chain.SourceLaunch)); err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			s.console.Error(err, "Launch routine %q failed:", r.name)
			s.shutdown()
			return fmt.Errorf("%w: %s: %w", ErrLaunch, r.name, err)
		}
	}

	s.startSupervisor(ctx)

	if s.interactive {
		if err := s.term.Start(ctx); err != nil {
			s.console.Error(err, "The terminal could not be started:")
			s.shutdown()
			return err
		}
	}

	select {
	case <-s.quit:
	case <-ctx.Done():
	}
	s.shutdown()
	return nil
}

// startSupervisor runs watch and interval routines, and the HTTP API, in
// a supervisor tree.  Routines live in their own branch so they can be
// stopped before the children.
func (s *Session) startSupervisor(ctx context.Context) {
	spec := suture.Spec{
		EventHook:        s.supervisorEvent,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          ShutdownTimeout,
	}
	s.sup = suture.New("devvisor", spec)
	routines := suture.New("routines", suture.Spec{
		FailureThreshold: spec.FailureThreshold,
		FailureDecay:     spec.FailureDecay,
		FailureBackoff:   spec.FailureBackoff,
		Timeout:          spec.Timeout,
	})
	for _, w := range s.watches {
		routines.Add(w)
	}
	for _, iv := range s.intervals {
		routines.Add(iv)
	}
	s.routines = s.sup.Add(routines)
	if s.api != nil {
		s.sup.Add(s.api)
	}
	s.supDone = s.sup.ServeBackground(ctx)
}

// shutdown stops the terminal, the routines, the children, the shell and
// finally the HTTP API, in that order.
func (s *Session) shutdown() {
	s.downOnce.Do(func() {
		if err := s.term.Stop(); err != nil {
			s.console.Error(err, "Could not save the command history:")
		}
		if s.sup != nil {
			if err := s.sup.RemoveAndWait(s.routines, ShutdownTimeout); err != nil {
				s.logger.Warn().Err(err).Msg("Routines did not stop")
			}
		}
		if err := s.mgr.CloseAll(); err != nil {
			s.console.Error(err, "Some processes could not be stopped:")
		}
		if s.shell != nil {
			if err := s.shell.Close(); err != nil {
				s.logger.Debug().Err(err).Msg("Closing the passthrough shell")
			}
		}
		s.mx.Lock()
		cancel := s.cancel
		s.mx.Unlock()
		if cancel != nil {
			cancel()
		}
		if s.supDone != nil {
			select {
			case <-s.supDone:
			case <-time.After(ShutdownTimeout):
				s.logger.Warn().Msg("Supervisor did not stop")
			}
		}
		s.wg.Wait()
		s.logger.Info().Msg("Session ended")
		s.closeLog()
	})
}
