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

//go:build !windows

package devvisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// How long to wait for the process to disappear after SIGKILL.
const killGrace = 5 * time.Second

func shellArgv(line string) []string {
	return []string{"/bin/sh", "-c", line}
}

// Children lead their own process group, so that the whole tree can be
// signaled at once.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTree(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// The group is gone; the leader may still need reaping.
		err = unix.Kill(pid, sig)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	return err
}

// terminate sends SIGTERM to the process group of proc, escalating to
// SIGKILL after timeout, and waits for done to be closed.
func terminate(proc *os.Process, done <-chan struct{}, timeout time.Duration,
	logger zerolog.Logger) error {

	if err := signalTree(proc.Pid, unix.SIGTERM); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	logger.Warn().Dur("timeout", timeout).Msg("Graceful shutdown timed out")
	if err := signalTree(proc.Pid, unix.SIGKILL); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(killGrace):
		return ErrKillTimeout
	}
}
