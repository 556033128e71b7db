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

package devvisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a Child.
type Status int

const (
	StatusAwaiting Status = iota
	StatusAlive
	StatusDead
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusAwaiting:
		return "awaiting"
	case StatusAlive:
		return "alive"
	case StatusDead:
		return "dead"
	case StatusKilled:
		return "killed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText lets a Status appear by name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusAwaiting; st <= StatusKilled; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("Unknown status %q", b)
}

// Channel names one of the lifecycle notifications a Child emits.
type Channel int

const (
	ChanSpawn Channel = iota
	ChanClose
	ChanKill
	ChanKillError
	ChanRestart
	ChanRestartError
	numChannels
)

// Channels lists every lifecycle channel.
var Channels = []Channel{
	ChanSpawn, ChanClose, ChanKill, ChanKillError, ChanRestart, ChanRestartError,
}

func (ch Channel) String() string {
	switch ch {
	case ChanSpawn:
		return "spawn"
	case ChanClose:
		return "close"
	case ChanKill:
		return "kill"
	case ChanKillError:
		return "kill-error"
	case ChanRestart:
		return "restart"
	case ChanRestartError:
		return "restart-error"
	}
	return fmt.Sprintf("Channel(%d)", int(ch))
}

// Listener receives lifecycle notifications.  The err argument is only
// set on the error channels.  Listeners are called without any lock
// held, from whatever goroutine performed the transition, and must not
// block for long.
type Listener interface {
	ChildEvent(c *Child, ch Channel, err error)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(c *Child, ch Channel, err error)

func (f ListenerFunc) ChildEvent(c *Child, ch Channel, err error) {
	f(c, ch, err)
}

// StdioMode selects what a child does with its standard streams.  Children
// never receive stdin.
type StdioMode string

const (
	StdioAll  StdioMode = "all"
	StdioNone StdioMode = "none"
)

// RestartPolicy selects what happens when a child exits on its own.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
)

const (
	DefaultDeferNext   = 300 * time.Millisecond
	DefaultStopTimeout = 10 * time.Second

	// A child restarting itself more than RestartLimit times within
	// RestartPeriod is left dead.
	RestartLimit  = 3
	RestartPeriod = 10 * time.Second
)

// SpawnConfig describes how to start a child.
type SpawnConfig struct {
	// Command is either a single shell command line, run through the
	// platform shell, or an argument vector executed directly.
	Command []string
	Dir     string
	Stdout  StdioMode
	// DeferNext is how long startup waits after this child spawns before
	// the next configured child is started.
	DeferNext time.Duration
	// Env entries of the form KEY=VALUE are added to the inherited
	// environment.
	Env         []string
	StopTimeout time.Duration
	Restart     RestartPolicy
}

// Argv returns the argument vector that will be executed.
func (sc SpawnConfig) Argv() []string {
	switch len(sc.Command) {
	case 0:
		return nil
	case 1:
		return shellArgv(sc.Command[0])
	}
	return append([]string{}, sc.Command...)
}

// Child wraps a single named child process.  Each successful spawn starts
// a new generation; at most one OS process is alive at any time.
type Child struct {
	name      string
	cfg       SpawnConfig
	status    Status
	spawnTime time.Time
	deathTime time.Time
	exitCode  int
	exited    bool
	gen       int
	restarted bool

	// busy is set while Kill or Restart is in progress, and stopping
	// while the process exits at their request.
	busy     bool
	stopping bool

	cmd  *exec.Cmd
	done chan struct{}

	paused    [numChannels]bool
	listeners [numChannels][]Listener

	starts     int
	startTimes []time.Time
	rateLog    bool

	stdout io.Writer
	stderr io.Writer
	logger zerolog.Logger
	notify func()
	mx     sync.Mutex
}

// NewChild returns a child in the awaiting state.  Nothing is started.
func NewChild(name string, cfg SpawnConfig) *Child {
	if cfg.Stdout == "" {
		cfg.Stdout = StdioAll
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Restart == "" {
		cfg.Restart = RestartNever
	}
	cfg.Command = append([]string{}, cfg.Command...)
	cfg.Env = append([]string{}, cfg.Env...)
	c := &Child{
		name:       name,
		cfg:        cfg,
		status:     StatusAwaiting,
		exitCode:   -1,
		startTimes: make([]time.Time, RestartLimit),
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		logger:     zerolog.Nop(),
	}
	return c
}

func (c *Child) lock() {
	c.mx.Lock()
}

func (c *Child) unlock() {
	c.mx.Unlock()
}

// Name returns the child's name.
func (c *Child) Name() string {
	return c.name
}

// Config returns a copy of the spawn configuration.
func (c *Child) Config() SpawnConfig {
	cfg := c.cfg
	cfg.Command = append([]string{}, c.cfg.Command...)
	cfg.Env = append([]string{}, c.cfg.Env...)
	return cfg
}

// SetLogger sets the structured logger.  Records carry the child's name.
func (c *Child) SetLogger(l zerolog.Logger) {
	c.lock()
	c.logger = l.With().Str("process", c.name).Logger()
	c.unlock()
}

// SetOutput replaces the writers used by children in StdioAll mode.  It
// takes effect at the next spawn.
func (c *Child) SetOutput(stdout, stderr io.Writer) {
	c.lock()
	c.stdout = stdout
	c.stderr = stderr
	c.unlock()
}

func (c *Child) setNotify(fn func()) {
	c.lock()
	c.notify = fn
	c.unlock()
}

func (c *Child) changed() {
	c.lock()
	fn := c.notify
	c.unlock()
	if fn != nil {
		fn()
	}
}

// Status returns the current lifecycle state.
func (c *Child) Status() Status {
	c.lock()
	defer c.unlock()
	return c.status
}

// Generation counts successful spawns.
func (c *Child) Generation() int {
	c.lock()
	defer c.unlock()
	return c.gen
}

// Restarted reports whether the current generation was started by
// Restart or Revive rather than by the initial spawn.
func (c *Child) Restarted() bool {
	c.lock()
	defer c.unlock()
	return c.restarted
}

// Pid returns the OS process id of the live process, or 0.
func (c *Child) Pid() int {
	c.lock()
	defer c.unlock()
	if c.status == StatusAlive && c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Pid
	}
	return 0
}

// ExitCode returns the exit code of the last generation, if one exited.
// A process terminated by a signal reports -1.
func (c *Child) ExitCode() (int, bool) {
	c.lock()
	defer c.unlock()
	return c.exitCode, c.exited
}

// Uptime is the time since spawn while alive, or the lifetime of the last
// generation once it stopped.
func (c *Child) Uptime() time.Duration {
	c.lock()
	defer c.unlock()
	return c.uptime(time.Now())
}

func (c *Child) uptime(now time.Time) time.Duration {
	switch {
	case c.spawnTime.IsZero():
		return 0
	case c.status == StatusAlive || c.deathTime.Before(c.spawnTime):
		return now.Sub(c.spawnTime)
	}
	return c.deathTime.Sub(c.spawnTime)
}

// Done returns a channel closed when the current generation exits.  It is
// nil if nothing was ever spawned.
func (c *Child) Done() <-chan struct{} {
	c.lock()
	defer c.unlock()
	return c.done
}

// AddListener registers l on the given channels, or on every channel if
// none are given.
func (c *Child) AddListener(l Listener, chans ...Channel) {
	if len(chans) == 0 {
		chans = Channels
	}
	c.lock()
	for _, ch := range chans {
		c.listeners[ch] = append(c.listeners[ch], l)
	}
	c.unlock()
}

// Pause suppresses notifications on ch until Resume.  State transitions
// happen regardless; only the notification is dropped.
func (c *Child) Pause(ch Channel) {
	c.lock()
	c.paused[ch] = true
	c.unlock()
}

// Resume re-enables notifications on ch.
func (c *Child) Resume(ch Channel) {
	c.lock()
	c.paused[ch] = false
	c.unlock()
}

// Paused reports whether notifications on ch are suppressed.
func (c *Child) Paused(ch Channel) bool {
	c.lock()
	defer c.unlock()
	return c.paused[ch]
}

func (c *Child) emit(ch Channel, err error) {
	c.lock()
	if c.paused[ch] {
		c.unlock()
		return
	}
	ls := append([]Listener{}, c.listeners[ch]...)
	c.unlock()
	for _, l := range ls {
		l.ChildEvent(c, ch, err)
	}
}

// start launches a new generation.  Call with the lock held.  On success
// the returned ready channel must be closed by the caller once the spawn
// notification has been handled, and emitSpawn tells whether to send it.
func (c *Child) start() (ready chan struct{}, emitSpawn bool, err error) {
	argv := c.cfg.Argv()
	if len(argv) == 0 {
		return nil, false, errors.New("Empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.cfg.Dir
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	if c.cfg.Stdout == StdioAll {
		cmd.Stdout = c.stdout
		cmd.Stderr = c.stderr
	}
	setProcAttr(cmd)

	c.startTimes[c.starts%len(c.startTimes)] = time.Now()
	c.starts++
	if err := cmd.Start(); err != nil {
		c.status = StatusDead
		c.deathTime = time.Now()
		c.logger.Error().Err(err).Msg("Failed to start")
		return nil, false, err
	}

	c.cmd = cmd
	c.gen++
	c.status = StatusAlive
	c.spawnTime = time.Now()
	c.exited = false
	c.done = make(chan struct{})
	emitSpawn = !c.paused[ChanSpawn]
	c.paused[ChanSpawn] = false
	c.paused[ChanClose] = false
	ready = make(chan struct{})
	c.logger.Info().Int("pid", cmd.Process.Pid).Int("generation", c.gen).Msg("Started")

	go c.doWait(cmd, ready, c.done)
	return ready, emitSpawn, nil
}

func (c *Child) doWait(cmd *exec.Cmd, ready <-chan struct{}, done chan struct{}) {
	err := cmd.Wait()
	<-ready

	c.lock()
	c.deathTime = time.Now()
	c.exited = true
	c.exitCode = -1
	if cmd.ProcessState != nil {
		c.exitCode = cmd.ProcessState.ExitCode()
	}
	switch {
	case c.stopping:
		c.status = StatusKilled
	case c.status != StatusKilled:
		c.status = StatusDead
	}
	heal := c.status == StatusDead && c.cfg.Restart == RestartOnFailure
	// The decision is taken now; a restart in progress resumes the
	// channel for its new generation as soon as done is closed.
	emitClose := !c.paused[ChanClose]
	ls := append([]Listener{}, c.listeners[ChanClose]...)
	c.logger.Info().Int("exit_code", c.exitCode).AnErr("reason", err).
		Str("status", c.status.String()).Msg("Exited")
	close(done)
	c.unlock()

	c.changed()
	if emitClose {
		for _, l := range ls {
			l.ChildEvent(c, ChanClose, nil)
		}
	}
	if heal {
		c.selfHeal()
	}
}

// Spawn starts the first generation, or a new one after the previous
// generation stopped.
func (c *Child) Spawn() error {
	c.lock()
	if c.busy {
		c.unlock()
		return ErrBusy
	}
	if c.status == StatusAlive {
		c.unlock()
		return ErrIsRunning
	}
	ready, emitSpawn, err := c.start()
	c.unlock()
	c.changed()
	if err != nil {
		return err
	}
	c.finishSpawn(ready, emitSpawn)
	return nil
}

func (c *Child) finishSpawn(ready chan struct{}, emitSpawn bool) {
	if emitSpawn {
		c.emit(ChanSpawn, nil)
	}
	close(ready)
}

// stopTree ends the process tree of a generation; tests replace it.
var stopTree = terminate

// Kill terminates the process tree of the live generation.  The close
// notification for that exit is suppressed, and kill is emitted instead
// unless silent is set.  On failure kill-error is emitted and the close
// notification is re-enabled.  Killing an awaiting child only marks it
// killed, so that it is never started.
func (c *Child) Kill(silent bool) error {
	c.lock()
	if c.busy {
		c.unlock()
		return ErrBusy
	}
	switch c.status {
	case StatusAwaiting:
		c.status = StatusKilled
		c.unlock()
		c.changed()
		if !silent {
			c.emit(ChanKill, nil)
		}
		return nil
	case StatusDead, StatusKilled:
		c.unlock()
		return ErrNotRunning
	}
	c.busy = true
	c.stopping = true
	c.paused[ChanClose] = true
	proc, done, timeout := c.cmd.Process, c.done, c.cfg.StopTimeout
	c.unlock()

	err := stopTree(proc, done, timeout, c.logger)

	c.lock()
	c.busy = false
	c.stopping = false
	if err != nil {
		c.paused[ChanClose] = false
		c.unlock()
		c.logger.Error().Err(err).Msg("Kill failed")
		c.emit(ChanKillError, err)
		return err
	}
	c.status = StatusKilled
	c.unlock()
	c.changed()
	if !silent {
		c.emit(ChanKill, nil)
	}
	return nil
}

// Restart terminates the live generation, if any, and spawns a new one.
// Neither close nor spawn is emitted for the transition; restart is
// emitted once the new generation runs.
func (c *Child) Restart() error {
	c.lock()
	if c.busy {
		c.unlock()
		return ErrBusy
	}
	c.busy = true
	c.paused[ChanClose] = true
	c.paused[ChanSpawn] = true
	c.restarted = true
	if c.status == StatusAlive {
		c.stopping = true
		proc, done, timeout := c.cmd.Process, c.done, c.cfg.StopTimeout
		c.unlock()
		err := stopTree(proc, done, timeout, c.logger)
		c.lock()
		c.stopping = false
		if err != nil {
			c.busy = false
			c.paused[ChanClose] = false
			c.paused[ChanSpawn] = false
			c.unlock()
			c.logger.Error().Err(err).Msg("Restart failed")
			c.emit(ChanRestartError, err)
			return err
		}
	}
	ready, emitSpawn, err := c.start()
	c.busy = false
	if err != nil {
		c.paused[ChanClose] = false
		c.paused[ChanSpawn] = false
		c.unlock()
		c.changed()
		c.emit(ChanRestartError, err)
		return err
	}
	c.unlock()
	c.changed()
	c.finishSpawn(ready, emitSpawn)
	c.emit(ChanRestart, nil)
	return nil
}

// Revive spawns a new generation of a dead or killed child.  It does
// nothing if the child is alive or was never started.
func (c *Child) Revive() error {
	c.lock()
	if c.busy {
		c.unlock()
		return ErrBusy
	}
	if c.status == StatusAlive || c.status == StatusAwaiting {
		c.unlock()
		return nil
	}
	c.restarted = true
	ready, emitSpawn, err := c.start()
	c.unlock()
	c.changed()
	if err != nil {
		return err
	}
	c.finishSpawn(ready, emitSpawn)
	return nil
}

func (c *Child) selfHeal() {
	c.lock()
	if c.status != StatusDead || c.busy {
		c.unlock()
		return
	}
	if e := c.tooQuickly(); e != nil {
		c.unlock()
		return
	}
	c.logger.Info().Msg("Attempting self-healing")
	c.restarted = true
	ready, emitSpawn, err := c.start()
	c.unlock()
	c.changed()
	if err == nil {
		c.finishSpawn(ready, emitSpawn)
	}
}

// A child is restarting too quickly if it started RestartLimit times within
// RestartPeriod.  Once that happens it stays down, and the condition is
// only logged once until a start succeeds the check again.  Call with the
// lock held.
func (c *Child) tooQuickly() error {
	n := len(c.startTimes)
	if n == 0 || c.starts < n {
		return nil
	}
	oldest := c.startTimes[c.starts%n]
	if time.Now().Before(oldest.Add(RestartPeriod)) {
		if !c.rateLog {
			c.logger.Warn().Msg("Restarting too quickly")
		}
		c.rateLog = true
		return ErrRateLimited
	}
	c.rateLog = false
	return nil
}
