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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Template is written by "devvisord init".
const Template = `# devvisor configuration
version: "1.0"

processes:
  - name: http
    command: [python3, -m, http.server, "8080"]
    cwd: ./
    stdout: none
    # defer_next: 300ms
    # restart: on-failure

terminal:
  passthrough:
    enabled: true
  keep_history: 100
  commands:
    hello:
      category: examples
      usage: hello [name]
      description: Greets whoever is named.
      steps:
        - print: "Hello {{ $1 }}!"

routines:
  launch:
    - name: ready
      steps:
        - print: Everything is up.
  # watch:
  #   - paths: ["src/**/*.go"]
  #     steps:
  #       - restart: http
  # interval:
  #   - every: 1m
  #     steps:
  #       - fetch: { url: "http://localhost:8080/", fail_on_status: true }

# http:
#   listen: 127.0.0.1:8321
`

// WriteTemplate creates a configuration file at path.  An existing file
// is only replaced with force.
func WriteTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return os.WriteFile(path, []byte(Template), 0644)
}
