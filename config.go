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

package nsrvm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"

	"github.com/nsrvm/nsrvm/ipc"
)

// ServiceConfig is re-exported from the wire package; the supervisor,
// the client library, and the config file all share the same shape.
type ServiceConfig = ipc.ServiceConfig

// HookCmd describes an external command run around a service lifecycle.
type HookCmd = ipc.HookCmd

// Config is the desired-state snapshot loaded from the services-config
// file.  RestartCmd is carried for the host process manager; the
// supervisor itself never executes it.
type Config struct {
	Services   map[string]ServiceConfig `json:"services"`
	RestartCmd string                   `json:"restartCmd"`
}

// emptyConfig is what a broken or missing file degrades to.  Startup
// proceeds with zero services rather than aborting.
func emptyConfig() Config {
	return Config{Services: map[string]ServiceConfig{}}
}

// normalize fills derived fields: the map key is authoritative for the
// service name, and maxChilds defaults to zero.
func (c *Config) normalize() {
	if c.Services == nil {
		c.Services = map[string]ServiceConfig{}
	}
	for name, svc := range c.Services {
		svc.Name = name
		if svc.MaxChilds < 0 {
			svc.MaxChilds = 0
		}
		c.Services[name] = svc
	}
}

// LoadConfig reads and validates the services-config document.  The
// file may carry comments and trailing commas; it is normalized to
// strict JSON before decoding.  Any failure returns the empty snapshot
// together with the error, so the caller can log and keep going.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return emptyConfig(), fmt.Errorf("reading services config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
		return emptyConfig(), fmt.Errorf("parsing services config: %w", err)
	}
	if cfg.Services == nil {
		return emptyConfig(), fmt.Errorf("%w: missing services object", ErrBadConfig)
	}
	cfg.normalize()
	return cfg, nil
}

// Watch begins observing the config file for modifications.  Every
// change event reloads the document and re-enters the reconciler; the
// operation mutex serializes each reload with every other control
// operation, and a burst of events yields one reload per event.  Watch
// returns once the
// watcher is installed; observation runs until Shutdown.
func (sup *Supervisor) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("installing config watcher: %w", err)
	}
	// Watch the directory, not the file: editors and deploy tools
	// replace config files by rename, which drops a file-level watch.
	if err := w.Add(filepath.Dir(sup.configPath)); err != nil {
		w.Close()
		return fmt.Errorf("watching config directory: %w", err)
	}

	sup.mx.Lock()
	sup.watcher = w
	sup.mx.Unlock()

	go sup.watchLoop(w)
	return nil
}

func (sup *Supervisor) watchLoop(w *fsnotify.Watcher) {
	base := filepath.Base(sup.configPath)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			sup.logf("Services config changed (%s), reloading", ev.Op)
			sup.reload()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			sup.logf("Config watcher error: %v", err)
		}
	}
}

// reload reads the config file and reconciles against it.
func (sup *Supervisor) reload() {
	cfg, err := LoadConfig(sup.configPath)
	if err != nil {
		sup.logf("Failed to load services config: %v", err)
	}
	sup.metrics.configReloads.Inc()

	sup.opMx.Lock()
	defer sup.opMx.Unlock()
	sup.mx.Lock()
	sup.installConfigLocked(cfg)
	sup.mx.Unlock()
	sup.reconcile()
}
