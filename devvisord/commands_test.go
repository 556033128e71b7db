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
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/devvisor"
	"github.com/gdamore/devvisor/config"
	"github.com/gdamore/devvisor/rest"
)

func execute(args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	Convey("version prints both versions", t, func() {
		out, err := execute("version")
		So(err, ShouldBeNil)
		So(out, ShouldEqual, "devvisord "+Version+" (configuration version "+config.Version+")\n")
	})

	Convey("init writes a loadable template once", t, func() {
		path := filepath.Join(t.TempDir(), "dev.yaml")
		out, err := execute("init", "--config", path)
		So(err, ShouldBeNil)
		So(out, ShouldEqual, "Created "+path+"\n")
		_, err = config.Load(path)
		So(err, ShouldBeNil)

		_, err = execute("init", "--config", path)
		So(err, ShouldNotBeNil)
		_, err = execute("init", "--config", path, "--force")
		So(err, ShouldBeNil)
		force = false
	})

	Convey("run fails on a missing configuration", t, func() {
		_, err := execute("run", "--config", filepath.Join(t.TempDir(), "none.yaml"))
		So(os.IsNotExist(err), ShouldBeTrue)
	})

	Convey("status asks a running session", t, func() {
		m := devvisor.NewManager("cli")
		srv := httptest.NewServer(rest.NewHandler(m, rest.HandlerOptions{}))
		Reset(func() {
			srv.Close()
			apiAddr = ""
		})
		out, err := execute("status", "--addr", srv.Listener.Addr().String())
		So(err, ShouldBeNil)
		So(out, ShouldContainSubstring, "No child processes configured.")

		_, err = execute("kill", "nope", "--addr", srv.Listener.Addr().String())
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldEqual, "Process not found")
	})
}
