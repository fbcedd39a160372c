// Copyright 2026 The NSRVM Authors
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

// Command nsrvmd runs the node-service supervisor daemon: it loads the
// services-config file, converges the service set, watches the file for
// changes, and serves the read-only HTTP surface.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nsrvm/nsrvm"
	"github.com/nsrvm/nsrvm/rest"
)

var (
	addr     string
	dir      string
	name     string
	authUser string
	authHash string
)

func run(cmd *cobra.Command, args []string) error {
	servicesDir := filepath.Join(dir, "services")
	configPath := filepath.Join(servicesDir, "services-config.json")

	sup := nsrvm.NewSupervisor(name, configPath, servicesDir)
	sup.Load()
	if err := sup.Watch(); err != nil {
		return err
	}

	handler := rest.NewHandler(sup)
	if authHash != "" {
		handler.SetAuth(authUser, []byte(authHash))
	}
	if addr != "" {
		go func() {
			log.Fatal(http.ListenAndServe(addr, handler))
		}()
	}

	// An interrupt to the supervisor is a full server restart: stop
	// every child, then exit 0 and let the host process manager
	// relaunch us.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	sup.Shutdown()
	return nil
}

func main() {
	root := &cobra.Command{
		Use:          "nsrvmd",
		Short:        "Node-service supervisor daemon",
		RunE:         run,
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&addr, "listen", "a", "127.0.0.1:8321", "HTTP listen address (empty disables)")
	root.Flags().StringVarP(&dir, "dir", "d", ".", "root directory holding services/")
	root.Flags().StringVarP(&name, "name", "n", "nsrvm", "supervisor name")
	root.Flags().StringVar(&authUser, "auth-user", "", "HTTP basic-auth user")
	root.Flags().StringVar(&authHash, "auth-hash", "", "bcrypt hash of the basic-auth password")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
