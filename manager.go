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
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChildDef is the definition of one configured process.
type ChildDef struct {
	Name   string
	Config SpawnConfig
}

// ChildStatus is a snapshot of one child, as reported by StatusList.
type ChildStatus struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	IPC      bool          `json:"ipc"`
	Pid      int           `json:"pid"`
	Uptime   time.Duration `json:"uptime"`
	Args     []string      `json:"args"`
	ExitCode *int          `json:"exitCode"`
	Restarts int           `json:"restarts"`
}

// Manager owns the named children of one supervisor session.  Children
// are kept in configuration order.
type Manager struct {
	name       string
	children   []*Child
	byName     map[string]*Child
	listeners  []managerListener
	logger     zerolog.Logger
	log        *Log
	stdout     io.Writer
	stderr     io.Writer
	serial     int64
	createTime time.Time
	updateTime time.Time
	mx         sync.Mutex
	cvs        map[*sync.Cond]bool
}

type managerListener struct {
	l     Listener
	chans []Channel
}

type ManagerInfo struct {
	Name       string    `json:"name"`
	Serial     int64     `json:"serial,string"`
	UpdateTime time.Time `json:"updated"`
	CreateTime time.Time `json:"created"`
	Children   int       `json:"children"`
}

func (m *Manager) lock() {
	m.mx.Lock()
}

func (m *Manager) unlock() {
	m.mx.Unlock()
}

func (m *Manager) wakeUp() {
	// NB: If the lock is not held here, then there is a risk
	// that the woken goroutines won't get see the updated
	// serial number!!
	for cv := range m.cvs {
		cv.Broadcast()
	}
}

// bumpSerial increments the serial and notifies watchers.
func (m *Manager) bumpSerial() {
	m.lock()
	m.updateTime = time.Now()
	m.serial++
	m.wakeUp()
	m.unlock()
}

// WatchSerial monitors for a change in the serial number.  It returns the
// new serial number when it changes.  If the serial number has not changed
// in the given duration then the old value is returned.  A poll can be
// done by supplying 0 for the expiration.
func (m *Manager) WatchSerial(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&m.mx)
	var timer *time.Timer
	var rv int64

	// Schedule timeout
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			m.lock()
			expired = true
			cv.Broadcast()
			m.unlock()
		})
	} else {
		expired = true
	}

	m.lock()
	m.cvs[cv] = true
	for {
		rv = m.serial
		if rv != old || expired {
			break
		}
		cv.Wait()
	}
	delete(m.cvs, cv)
	m.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// Serial returns the serial number, which is incremented whenever a
// child changes state.
func (m *Manager) Serial() int64 {
	m.lock()
	defer m.unlock()
	return m.serial
}

// Name returns the name the manager was allocated with.
func (m *Manager) Name() string {
	return m.name
}

// GetInfo returns top-level information about the Manager.
func (m *Manager) GetInfo() *ManagerInfo {
	m.lock()
	defer m.unlock()
	return &ManagerInfo{
		Name:       m.name,
		Serial:     m.serial,
		CreateTime: m.createTime,
		UpdateTime: m.updateTime,
		Children:   len(m.children),
	}
}

// SetLogger replaces the structured logger.  Records are also kept in the
// manager's Log.
func (m *Manager) SetLogger(l zerolog.Logger) {
	m.lock()
	m.logger = l
	m.unlock()
}

// Logger returns the structured logger of the session.
func (m *Manager) Logger() zerolog.Logger {
	m.lock()
	defer m.unlock()
	return m.logger
}

// SetOutput selects where children in StdioAll mode write.  It applies to
// children created afterwards.
func (m *Manager) SetOutput(stdout, stderr io.Writer) {
	m.lock()
	m.stdout = stdout
	m.stderr = stderr
	m.unlock()
}

// Log returns the in-memory session log.
func (m *Manager) Log() *Log {
	return m.log
}

// AddListener registers l on the given channels (all if none) of every
// child, including those created later.
func (m *Manager) AddListener(l Listener, chans ...Channel) {
	m.lock()
	m.listeners = append(m.listeners, managerListener{l: l, chans: chans})
	children := append([]*Child{}, m.children...)
	m.unlock()
	for _, c := range children {
		c.AddListener(l, chans...)
	}
}

// NormalizeName makes a process name addressable as a single terminal
// token.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

// CreateChildInstances creates one awaiting child per definition, in the
// given order.
func (m *Manager) CreateChildInstances(defs []ChildDef) error {
	m.lock()
	defer m.unlock()
	for _, d := range defs {
		name := NormalizeName(d.Name)
		if name == "" {
			return errors.New("Empty process name")
		}
		if _, ok := m.byName[name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		c := NewChild(name, d.Config)
		c.SetLogger(m.logger)
		if m.stdout != nil {
			c.SetOutput(m.stdout, m.stderr)
		}
		c.setNotify(m.bumpSerial)
		for _, ml := range m.listeners {
			c.AddListener(ml.l, ml.chans...)
		}
		m.children = append(m.children, c)
		m.byName[name] = c
	}
	m.updateTime = time.Now()
	m.serial++
	m.wakeUp()
	return nil
}

// Child looks up a child by name.
func (m *Manager) Child(name string) (*Child, error) {
	m.lock()
	defer m.unlock()
	if c, ok := m.byName[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Children returns the children in configuration order.
func (m *Manager) Children() []*Child {
	m.lock()
	defer m.unlock()
	return append([]*Child{}, m.children...)
}

// StartEach spawns every awaiting child in configuration order, one at a
// time.  fn, if not nil, is called before each spawn.  After a child
// spawns, StartEach waits for its DeferNext delay before starting the
// next one.  Children that are no longer awaiting, for example because
// they were killed meanwhile, are skipped.  Spawn failures do not stop
// the sequence; they are returned together.
func (m *Manager) StartEach(ctx context.Context, fn func(c *Child)) error {
	var errs []error
	children := m.Children()
	for i, c := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Status() != StatusAwaiting {
			continue
		}
		if fn != nil {
			fn(c)
		}
		if err := c.Spawn(); err != nil {
			l := m.Logger()
			l.Error().Err(err).Str("process", c.Name()).Msg("Spawn failed")
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		if i == len(children)-1 {
			break
		}
		if d := c.cfg.DeferNext; d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
	}
	return errors.Join(errs...)
}

// StatusList returns a snapshot of every child, in configuration order.
// No IPC channel is ever opened, so IPC is always false.
func (m *Manager) StatusList() []ChildStatus {
	now := time.Now()
	children := m.Children()
	list := make([]ChildStatus, 0, len(children))
	for _, c := range children {
		c.lock()
		st := ChildStatus{
			Name:     c.name,
			Status:   c.status,
			Uptime:   c.uptime(now),
			Args:     c.cfg.Argv(),
			Restarts: max(c.gen-1, 0),
		}
		if c.status == StatusAlive && c.cmd != nil && c.cmd.Process != nil {
			st.Pid = c.cmd.Process.Pid
		}
		if c.exited {
			code := c.exitCode
			st.ExitCode = &code
		}
		c.unlock()
		list = append(list, st)
	}
	return list
}

// CloseAll kills every awaiting or alive child.  Every child gets a
// shutdown attempt; the first error is returned.
func (m *Manager) CloseAll() error {
	var first error
	for _, c := range m.Children() {
		switch c.Status() {
		case StatusAwaiting, StatusAlive:
		default:
			continue
		}
		if err := c.Kill(true); err != nil {
			l := m.Logger()
			l.Error().Err(err).Str("process", c.Name()).Msg("Shutdown failed")
			if first == nil {
				first = fmt.Errorf("%s: %w", c.Name(), err)
			}
		}
	}
	return first
}

// GetLog returns the session log records newer than lastid.
func (m *Manager) GetLog(lastid int64) ([]LogRecord, int64) {
	return m.log.GetRecords(lastid)
}

func (m *Manager) WatchLog(old int64, expire time.Duration) int64 {
	return m.log.Watch(old, expire)
}

// NewManager returns an empty manager.  Its logger writes JSON records to
// the manager's Log; use SetLogger to send them elsewhere as well.
func NewManager(name string) *Manager {
	if name == "" {
		name = "devvisor"
	}
	// We set the origin serial number to the current timestamp in nsec,
	// so that clients caching by serial notice a restarted server.
	m := &Manager{name: name, serial: time.Now().UnixNano()}
	m.byName = make(map[string]*Child)
	m.cvs = make(map[*sync.Cond]bool)
	m.createTime = time.Now()
	m.updateTime = m.createTime
	m.log = NewLog(MaxLogRecords)
	m.logger = zerolog.New(m.log).With().Timestamp().Logger()
	return m
}
