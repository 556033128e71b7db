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


package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gdamore/devvisor"
	"github.com/gdamore/devvisor/config"
	"github.com/gdamore/devvisor/program"
	"github.com/gdamore/devvisor/rest"
	"github.com/gdamore/devvisor/terminal"
)

// DefaultAddr is where the status commands look for the API when the
// configuration does not say.
const DefaultAddr = "127.0.0.1:8321"

var (
	cfgFile  string
	noTerm   bool
	force    bool
	apiAddr  string
	apiUser  string
	apiPass  string
	watchAPI bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the configured processes and the command terminal",
	Args:  cobra.NoArgs,
	RunE:  runSession,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration template",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.WriteTemplate(cfgFile, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", cfgFile)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the processes of a running session",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "devvisord %s (configuration version %s)\n", Version, config.Version)
	},
}

func actionCmd(use, short string, fn func(*rest.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <process>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fn(newClient(), cmd.Context(), args[0])
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.DefaultFile, "configuration file")
	runCmd.Flags().BoolVar(&noTerm, "no-terminal", false, "do not read commands from the terminal")
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	statusCmd.Flags().BoolVarP(&watchAPI, "watch", "w", false, "keep printing the status as it changes")
	ctl := []*cobra.Command{
		statusCmd,
		actionCmd("kill", "Kill a process of a running session", (*rest.Client).Kill),
		actionCmd("restart", "Restart a process of a running session", (*rest.Client).Restart),
		actionCmd("revive", "Revive a killed process of a running session", (*rest.Client).Revive),
	}
	for _, cmd := range ctl {
		cmd.Flags().StringVarP(&apiAddr, "addr", "a", "", "API address (default from the configuration, or "+DefaultAddr+")")
		cmd.Flags().StringVarP(&apiUser, "user", "u", "", "API user")
		cmd.Flags().StringVarP(&apiPass, "password", "p", "", "API password (default $"+config.EnvPrefix+"PASSWORD)")
	}
	rootCmd.AddCommand(ctl...)
	rootCmd.AddCommand(runCmd, initCmd, versionCmd)
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	s, err := program.New(cfg, program.Options{
		Interactive: !noTerm && term.IsTerminal(int(os.Stdin.Fd())),
	})
	if err != nil {
		return err
	}
	return s.Run(cmd.Context())
}

func newClient() *rest.Client {
	addr := apiAddr
	if addr == "" {
		addr = DefaultAddr
		if cfg, err := config.Load(cfgFile); err == nil && cfg.HTTP.Listen != "" {
			addr = cfg.HTTP.Listen
			if apiUser == "" {
				apiUser = cfg.HTTP.User
			}
		}
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	c := rest.NewClient(addr)
	if apiPass == "" {
		apiPass = os.Getenv(config.EnvPrefix + "PASSWORD")
	}
	if apiUser != "" {
		c.SetAuth(apiUser, apiPass)
	}
	return c
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c := newClient()
	console := terminal.NewConsole(cmd.OutOrStdout(), zerolog.Nop())
	list, etag, err := c.WatchProcesses(ctx, "", 0)
	for err == nil {
		printStatus(console, list)
		if !watchAPI {
			return nil
		}
		var ntag string
		list, ntag, err = c.WatchProcesses(ctx, etag, rest.MaxPollTime)
		for err == nil && ntag == etag {
			list, ntag, err = c.WatchProcesses(ctx, etag, rest.MaxPollTime)
		}
		etag = ntag
		if err == nil {
			console.Plain("%s", time.Now().Format(time.TimeOnly))
		}
	}
	return err
}

func printStatus(c *terminal.Console, list []devvisor.ChildStatus) {
	if len(list) == 0 {
		c.Info("No child processes configured.")
		return
	}
	rows := [][]string{{"name", "status", "uptime", "pid", "restarts", "exit-code"}}
	for _, st := range list {
		pid, code := "-", "-"
		if st.Pid > 0 {
			pid = strconv.Itoa(st.Pid)
		}
		if st.ExitCode != nil {
			code = strconv.Itoa(*st.ExitCode)
		}
		rows = append(rows, []string{
			st.Name,
			st.Status.String(),
			program.FormatUptime(st.Uptime),
			pid,
			strconv.Itoa(st.Restarts),
			code,
		})
	}
	c.Table(rows)
}
