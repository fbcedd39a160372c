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
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/nsrvm/nsrvm/ipc"
)

// reconcile converges the live handle set to the desired configuration:
// stop what is no longer wanted (or wants a different apiPort), refresh
// surviving configs in place, then start whatever is desired but not
// running.  Stops and starts each run in parallel; the phases are
// ordered so a port move never has old and new processes fighting over
// the listen address.  Call with the operation mutex held.
func (sup *Supervisor) reconcile() {
	// Stop phase.
	sup.mx.Lock()
	var stops []*Service
	for name, s := range sup.services {
		want, ok := sup.config.Services[name]
		if !ok || want.APIPort != s.Config().APIPort {
			delete(sup.services, name)
			stops = append(stops, s)
		}
	}

	// Config-refresh phase: overwrite applied configs in place and
	// mint keys for newly observed names.
	for name, cfg := range sup.config.Services {
		if s, ok := sup.services[name]; ok {
			s.setConfig(cfg)
		}
		sup.ensureKeyLocked(name)
	}
	sup.bumpSerialLocked()
	sup.mx.Unlock()

	if len(stops) > 0 {
		var g errgroup.Group
		for _, s := range stops {
			g.Go(func() error {
				if s.stop() {
					sup.metrics.running.Dec()
				}
				return nil
			})
		}
		g.Wait()
	}

	// Start phase.
	sup.mx.Lock()
	type startItem struct {
		name string
		cfg  ipc.ServiceConfig
		s    *Service
	}
	var items []startItem
	for name, cfg := range sup.config.Services {
		s := sup.services[name]
		if s != nil && !s.Dead() {
			continue
		}
		items = append(items, startItem{name, cfg, s})
	}
	sup.mx.Unlock()

	var g errgroup.Group
	for _, it := range items {
		g.Go(func() error {
			s := it.s
			if s == nil {
				// A missing module leaves the desired entry pending;
				// the next reconciliation pass probes again.
				if _, err := resolveModulePath(sup.servicesDir, it.cfg); err != nil {
					sup.logf("Service %s: %v", it.name, err)
					return nil
				}
				s = newService(sup, it.cfg)
				sup.mx.Lock()
				sup.services[it.name] = s
				sup.bumpSerialLocked()
				sup.mx.Unlock()
			} else {
				s.setConfig(it.cfg)
			}
			if err := s.start(); err != nil {
				sup.logf("Failed to start service %s: %v", it.name, err)
			}
			return nil
		})
	}
	g.Wait()
}

// Reconcile runs one full convergence pass as its own control
// operation.
func (sup *Supervisor) Reconcile() {
	sup.opMx.Lock()
	defer sup.opMx.Unlock()
	sup.reconcile()
}

// resolveModulePath locates the program backing a service.  Given the
// configured modulePath (or the service name), the probe order is:
// the path itself as a directory (then index.mjs, index.js inside it),
// the path itself as a regular file, then the path with .mjs and .js
// appended.
func resolveModulePath(dir string, cfg ipc.ServiceConfig) (string, error) {
	name := cfg.ModulePath
	if name == "" {
		name = cfg.Name
	}
	base := filepath.Join(dir, name)
	if fi, err := os.Stat(base); err == nil {
		if !fi.IsDir() {
			return base, nil
		}
		for _, idx := range []string{"index.mjs", "index.js"} {
			p := filepath.Join(base, idx)
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
				return p, nil
			}
		}
		return "", fmt.Errorf("%w: %s has no index module", ErrNoModule, base)
	}
	for _, ext := range []string{".mjs", ".js"} {
		p := base + ext
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoModule, base)
}

// setChildServices applies a parent's dynamic sub-service declaration:
// children absent from the new list are withdrawn, new ones are
// registered under the parent's name, and the parent's capability set
// tracks the registered names.  A name already held by a different
// parent (including the config file's own top-level services) is
// skipped without touching any state.
func (sup *Supervisor) setChildServices(p *Service, list []ipc.ServiceConfig) error {
	sup.opMx.Lock()
	defer sup.opMx.Unlock()

	pcfg := p.Config()
	if len(list) > pcfg.MaxChilds {
		return fmt.Errorf("%w: %s declared %d, limit %d",
			ErrTooManyChilds, p.name, len(list), pcfg.MaxChilds)
	}

	sup.mx.Lock()
	inNew := make(map[string]bool, len(list))
	for _, c := range list {
		inNew[c.Name] = true
	}

	for _, old := range sup.childs[p.name] {
		if inNew[old.Name] {
			continue
		}
		delete(sup.config.Services, old.Name)
		pcfg.AllowedAPI = removeString(pcfg.AllowedAPI, old.Name)
	}

	kept := make([]ipc.ServiceConfig, 0, len(list))
	for _, c := range list {
		if c.Name == "" {
			sup.logf("Sub-service with empty name from %s, skipping", p.name)
			continue
		}
		if existing, ok := sup.config.Services[c.Name]; ok && existing.Parent != p.name {
			sup.logf("Service %s already claimed (parent %q), skipping registration by %s",
				c.Name, existing.Parent, p.name)
			continue
		}
		if c.MaxChilds < 0 {
			c.MaxChilds = 0
		}
		c.Parent = p.name
		kept = append(kept, c)
		sup.config.Services[c.Name] = c
		if !containsString(pcfg.AllowedAPI, c.Name) {
			pcfg.AllowedAPI = append(pcfg.AllowedAPI, c.Name)
		}
	}
	sup.childs[p.name] = kept
	if _, ok := sup.config.Services[p.name]; ok {
		sup.config.Services[p.name] = pcfg
	}
	sup.bumpSerialLocked()
	sup.mx.Unlock()

	p.setConfig(pcfg)
	sup.reconcile()
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
