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

//go:build windows

package devvisor

import (
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const killGrace = 5 * time.Second

func shellArgv(line string) []string {
	shell := os.Getenv("COMSPEC")
	if shell == "" {
		shell = "cmd.exe"
	}
	return []string{shell, "/C", line}
}

func setProcAttr(cmd *exec.Cmd) {}

// terminate has no graceful stage on Windows; taskkill takes down the
// whole tree, and the timeout only bounds the wait for the exit.
func terminate(proc *os.Process, done <-chan struct{}, timeout time.Duration,
	logger zerolog.Logger) error {

	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(proc.Pid))
	if err := kill.Run(); err != nil {
		logger.Warn().Err(err).Msg("taskkill failed")
		if err := proc.Kill(); err != nil {
			return err
		}
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout + killGrace):
		return ErrKillTimeout
	}
}
