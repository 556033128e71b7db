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
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// HistoryFileName is the name of the history file in the install root.
const HistoryFileName = ".cmdhistory"

// DefaultHistoryFile returns the history file next to the running
// executable, falling back to the working directory.
func DefaultHistoryFile() string {
	if exe, err := os.Executable(); err == nil {
		if exe, err = filepath.EvalSymlinks(exe); err == nil {
			return filepath.Join(filepath.Dir(exe), HistoryFileName)
		}
	}
	return HistoryFileName
}

func historyLock(path string) *flock.Flock {
	return flock.New(path + ".lock")
}

// LoadHistory reads a newline delimited history file.  A missing file is
// an empty history.  Empty lines are skipped.
func LoadHistory(path string) ([][]rune, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	lock := historyLock(path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("locking history: %w", err)
	}
	defer lock.Unlock()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries [][]rune
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		entries = append(entries, []rune(line))
	}
	return entries, scanner.Err()
}

// SaveHistory rewrites the history file with the last keep entries.
func SaveHistory(path string, entries [][]rune, keep int) error {
	if keep < 0 {
		keep = 0
	}
	if len(entries) > keep {
		entries = entries[len(entries)-keep:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, string(e))
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	lock := historyLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking history: %w", err)
	}
	defer lock.Unlock()

	data := strings.Join(lines, "\n")
	if len(lines) > 0 {
		data += "\n"
	}
	return os.WriteFile(path, []byte(data), 0644)
}
