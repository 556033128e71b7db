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

// Package config loads and validates the devvisor configuration file.
//
// Settings are layered: built-in defaults, then the YAML file, then
// environment variables prefixed with DEVVISOR_, such as
// DEVVISOR_HTTP_LISTEN or DEVVISOR_TERMINAL_KEEP_HISTORY.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/gdamore/devvisor"
)

// The configuration format version this build understands.  Files with a
// different major version, or a newer minor version, are rejected.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// Version is the current configuration version as written in files.
var Version = fmt.Sprintf("%d.%d", VersionMajor, VersionMinor)

const (
	// DefaultFile is the configuration file looked up in the working
	// directory.
	DefaultFile = "devvisor.yaml"

	// EnvPrefix starts every environment override.
	EnvPrefix = "DEVVISOR_"

	DefaultDebounce    = 500 * time.Millisecond
	DefaultKeepHistory = 100
)

var ErrVersion = errors.New("Unsupported configuration version")

// Config is the whole configuration file.
type Config struct {
	Version   string    `koanf:"version" validate:"required"`
	Processes []Process `koanf:"processes" validate:"unique=Name,dive"`
	Terminal  Terminal  `koanf:"terminal"`
	Routines  Routines  `koanf:"routines"`
	// OnClose runs whenever a child process exits by itself.
	OnClose []any `koanf:"on_close"`
	HTTP    HTTP  `koanf:"http"`
	Log     Log   `koanf:"log"`
}

// Process declares one supervised child process.
type Process struct {
	Name string `koanf:"name" validate:"required"`
	// Command is a shell command line, or an argument vector.
	Command     []string          `koanf:"command" validate:"required,min=1,dive,required"`
	Cwd         string            `koanf:"cwd"`
	Stdout      string            `koanf:"stdout" validate:"omitempty,oneof=all none"`
	DeferNext   time.Duration     `koanf:"defer_next" validate:"gte=0"`
	Env         map[string]string `koanf:"env"`
	StopTimeout time.Duration     `koanf:"stop_timeout" validate:"gte=0"`
	Restart     string            `koanf:"restart" validate:"omitempty,oneof=never on-failure"`
}

type Terminal struct {
	Passthrough Passthrough        `koanf:"passthrough"`
	KeepHistory int                `koanf:"keep_history" validate:"gte=0"`
	HistoryFile string             `koanf:"history_file"`
	Commands    map[string]Command `koanf:"commands" validate:"dive"`
}

type Passthrough struct {
	Enabled bool   `koanf:"enabled"`
	Shell   string `koanf:"shell"`
}

// Command is a user defined terminal command.
type Command struct {
	Category    string `koanf:"category"`
	Usage       string `koanf:"usage"`
	Description string `koanf:"description"`
	Steps       []any  `koanf:"steps" validate:"required"`
}

type Routines struct {
	Launch   []Launch   `koanf:"launch" validate:"dive"`
	Watch    []Watch    `koanf:"watch" validate:"dive"`
	Interval []Interval `koanf:"interval" validate:"dive"`
}

// Launch runs once, after every process has been started.
type Launch struct {
	Name  string `koanf:"name"`
	Steps []any  `koanf:"steps" validate:"required"`
}

// Watch runs whenever a file matching one of Paths changes.  Paths are
// doublestar patterns, such as "src/**/*.go".
type Watch struct {
	Name     string        `koanf:"name"`
	Paths    []string      `koanf:"paths" validate:"required,min=1,dive,required"`
	Debounce time.Duration `koanf:"debounce" validate:"gte=0"`
	Steps    []any         `koanf:"steps" validate:"required"`
}

// Interval runs every Every.
type Interval struct {
	Name      string        `koanf:"name"`
	Every     time.Duration `koanf:"every" validate:"required,gt=0"`
	Immediate bool          `koanf:"immediate"`
	Steps     []any         `koanf:"steps" validate:"required"`
}

// HTTP configures the optional status API.  It is disabled when Listen is
// empty.  When User is set, requests need basic authentication with a
// password matching the bcrypt PasswordHash.
type HTTP struct {
	Listen       string `koanf:"listen" validate:"omitempty,hostname_port"`
	User         string `koanf:"user"`
	PasswordHash string `koanf:"password_hash" validate:"required_with=User"`
}

type Log struct {
	Level string `koanf:"level" validate:"oneof=trace debug info warn error"`
	// File receives the structured log, in addition to the in-memory log.
	File string `koanf:"file"`
}

func defaults() Config {
	return Config{
		Terminal: Terminal{KeepHistory: DefaultKeepHistory},
		Log:      Log{Level: "info"},
	}
}

var envKeys = map[string]string{
	"http_listen":                  "http.listen",
	"http_user":                    "http.user",
	"http_password_hash":           "http.password_hash",
	"log_level":                    "log.level",
	"log_file":                     "log.file",
	"terminal_keep_history":        "terminal.keep_history",
	"terminal_history_file":        "terminal.history_file",
	"terminal_passthrough_enabled": "terminal.passthrough.enabled",
	"terminal_passthrough_shell":   "terminal.passthrough.shell",
}

// envTransform maps DEVVISOR_LOG_LEVEL to log.level.  Unknown variables
// are ignored.
func envTransform(key string) string {
	return envKeys[strings.ToLower(strings.TrimPrefix(key, EnvPrefix))]
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	k := koanf.New(".")
	d := defaults()
	if err := k.Load(structs.Provider(&d, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	cfg.applyDefaults(k)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills in per-item defaults, which the defaults layer
// cannot express for list elements.
func (cfg *Config) applyDefaults(k *koanf.Koanf) {
	raw, _ := k.Get("processes").([]any)
	for i := range cfg.Processes {
		p := &cfg.Processes[i]
		explicit := false
		if i < len(raw) {
			if m, ok := raw[i].(map[string]any); ok {
				_, explicit = m["defer_next"]
			}
		}
		if !explicit {
			p.DeferNext = devvisor.DefaultDeferNext
		}
		if p.Stdout == "" {
			p.Stdout = string(devvisor.StdioAll)
		}
		if p.StopTimeout == 0 {
			p.StopTimeout = devvisor.DefaultStopTimeout
		}
		if p.Restart == "" {
			p.Restart = string(devvisor.RestartNever)
		}
	}
	for i := range cfg.Routines.Watch {
		if cfg.Routines.Watch[i].Debounce == 0 {
			cfg.Routines.Watch[i].Debounce = DefaultDebounce
		}
	}
}

// CheckVersion accepts versions "MAJOR.MINOR" with the supported major
// and a minor not newer than the supported one.
func CheckVersion(v string) error {
	maj, mnr, ok := strings.Cut(strings.TrimSpace(v), ".")
	if !ok {
		return fmt.Errorf("%w: %q is not MAJOR.MINOR", ErrVersion, v)
	}
	major, err1 := strconv.Atoi(maj)
	minor, err2 := strconv.Atoi(mnr)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("%w: %q is not MAJOR.MINOR", ErrVersion, v)
	}
	if major != VersionMajor || minor > VersionMinor {
		return fmt.Errorf("%w: %s, this build supports %s", ErrVersion, v, Version)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, the version marker, and that process
// names stay unique once normalized.
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if err := CheckVersion(cfg.Version); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, p := range cfg.Processes {
		n := devvisor.NormalizeName(p.Name)
		if seen[n] {
			return fmt.Errorf("%w: %s", devvisor.ErrDuplicateName, n)
		}
		seen[n] = true
	}
	return nil
}

// SpawnConfig converts the declaration to the form used by the manager.
func (p Process) SpawnConfig() devvisor.SpawnConfig {
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+p.Env[k])
	}
	return devvisor.SpawnConfig{
		Command:     append([]string{}, p.Command...),
		Dir:         p.Cwd,
		Stdout:      devvisor.StdioMode(p.Stdout),
		DeferNext:   p.DeferNext,
		Env:         env,
		StopTimeout: p.StopTimeout,
		Restart:     devvisor.RestartPolicy(p.Restart),
	}
}

// ChildDefs returns the process declarations in configuration order.
func (cfg *Config) ChildDefs() []devvisor.ChildDef {
	defs := make([]devvisor.ChildDef, 0, len(cfg.Processes))
	for _, p := range cfg.Processes {
		defs = append(defs, devvisor.ChildDef{Name: p.Name, Config: p.SpawnConfig()})
	}
	return defs
}
