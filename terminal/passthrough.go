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
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// DefaultShell returns the user's shell for the passthrough.
func DefaultShell() string {
	switch runtime.GOOS {
	case "windows":
		if s := os.Getenv("COMSPEC"); s != "" {
			return s
		}
		return "cmd.exe"
	case "darwin":
		if s := os.Getenv("SHELL"); s != "" {
			return s
		}
		return "/bin/zsh"
	}
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

// Shell is a background shell process that receives command lines the
// terminal does not handle itself.  Its output goes straight to the
// configured writers.
type Shell struct {
	path   string
	dir    string
	stdout io.Writer
	stderr io.Writer
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}
	mx     sync.Mutex
}

// NewShell returns a stopped shell.  An empty path selects DefaultShell.
func NewShell(path string, stdout, stderr io.Writer) *Shell {
	if path == "" {
		path = DefaultShell()
	}
	dir, _ := os.Getwd()
	return &Shell{path: path, dir: dir, stdout: stdout, stderr: stderr}
}

// Path returns the shell executable.
func (s *Shell) Path() string {
	return s.path
}

// Start launches the shell.
func (s *Shell) Start() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.start()
}

func (s *Shell) start() error {
	cmd := exec.Command(s.path)
	cmd.Dir = s.dir
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	s.cmd = cmd
	s.stdin = stdin
	s.done = done
	return nil
}

// Running reports whether the shell process is alive.
func (s *Shell) Running() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.running()
}

func (s *Shell) running() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Send writes line, terminated by a newline, to the shell's stdin.
// It does not hold the shell lock while writing, so Restart and Close
// work even when the shell has stopped reading.
func (s *Shell) Send(line string) error {
	s.mx.Lock()
	if !s.running() {
		s.mx.Unlock()
		return errors.New("Passthrough shell is not running")
	}
	stdin := s.stdin
	s.mx.Unlock()
	// A blocked write is released when stop closes the pipe.
	_, err := io.WriteString(stdin, strings.TrimRight(line, "\n")+"\n")
	return err
}

func (s *Shell) stop() error {
	if s.cmd == nil {
		return nil
	}
	s.stdin.Close()
	var err error
	if s.running() {
		err = s.cmd.Process.Kill()
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
	s.cmd = nil
	if errors.Is(err, os.ErrProcessDone) {
		err = nil
	}
	return err
}

// Restart kills the shell and starts a new one.
func (s *Shell) Restart() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.stop()
	return s.start()
}

// Close kills the shell.
func (s *Shell) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.stop()
}
