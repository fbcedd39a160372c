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
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nsrvm/nsrvm/ipc"
)

const (
	// DefaultStopTimeout is how long a graceful stop waits before
	// escalating to SIGKILL.
	DefaultStopTimeout = 5000 * time.Millisecond

	// DefaultRestartDelay is the back-off before restarting a crashed
	// service.
	DefaultRestartDelay = 3000 * time.Millisecond
)

// Supervisor owns the full process-wide state: the live service
// handles, the per-parent sub-service registrations, the API key
// registry, and the current desired configuration.
//
// Two locks are in play.  opMx is the cooperative kernel: every control
// operation (reconciliation, an explicit start/stop/restart, sub-service
// registration, shutdown) holds it end to end, including across its
// blocking waits, so operations on the desired state never interleave.
// mx guards the state maps themselves and is only held for short
// sections, which lets process-event goroutines fold their updates in
// while a control operation is waiting on a child.
type Supervisor struct {
	name        string
	configPath  string
	servicesDir string
	instanceID  string

	// StopTimeout and RestartDelay may be lowered before Load for
	// test harnesses; zero values mean the defaults.
	StopTimeout  time.Duration
	RestartDelay time.Duration

	opMx sync.Mutex
	mx   sync.Mutex

	services map[string]*Service
	childs   map[string][]ipc.ServiceConfig
	apiKeys  map[string]string
	config   Config

	serial     int64
	cvs        map[*sync.Cond]bool
	createTime time.Time
	updateTime time.Time

	mlog      *MultiLogger
	log       *Log
	outLogger *log.Logger
	metrics   *Metrics
	watcher   *fsnotify.Watcher

	exitFunc func(int)
}

// Info is the top-level supervisor description served over HTTP.
type Info struct {
	Name       string    `json:"name"`
	InstanceID string    `json:"instanceId"`
	Serial     int64     `json:"serial,string"`
	CreateTime time.Time `json:"createTime"`
	UpdateTime time.Time `json:"updateTime"`
}

// ServiceInfo is the externally visible state of one service.
type ServiceInfo struct {
	Name      string          `json:"name"`
	Parent    string          `json:"parent,omitempty"`
	APIPort   int             `json:"apiPort"`
	Running   bool            `json:"running"`
	API       []ipc.APIMethod `json:"api"`
	Status    string          `json:"status"`
	TimeStamp time.Time       `json:"tstamp"`
}

// NewSupervisor allocates a supervisor for the given config file and
// services directory.  Nothing runs until Load.
func NewSupervisor(name, configPath, servicesDir string) *Supervisor {
	if name == "" {
		name = "nsrvm"
	}
	sup := &Supervisor{
		name:         name,
		configPath:   configPath,
		servicesDir:  servicesDir,
		instanceID:   uuid.NewString(),
		StopTimeout:  DefaultStopTimeout,
		RestartDelay: DefaultRestartDelay,
		services:     make(map[string]*Service),
		childs:       make(map[string][]ipc.ServiceConfig),
		apiKeys:      make(map[string]string),
		config:       emptyConfig(),
		// Serial numbers start at the current timestamp in nsec so a
		// restarted supervisor invalidates any cached client etag.
		serial:     time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
		createTime: time.Now(),
		metrics:    newMetrics(),
		exitFunc:   os.Exit,
	}
	sup.updateTime = sup.createTime
	sup.mlog = NewMultiLogger()
	sup.log = NewLog()
	sup.mlog.AddLogger(log.New(sup.log, "", 0))
	sup.outLogger = log.New(os.Stderr, "", log.LstdFlags)
	sup.mlog.AddLogger(sup.outLogger)
	return sup
}

// SetLogWriter redirects the human-readable log stream (stderr by
// default) to w.  The HTTP-visible ring log is unaffected.
func (sup *Supervisor) SetLogWriter(w io.Writer) {
	sup.mx.Lock()
	defer sup.mx.Unlock()
	sup.mlog.DelLogger(sup.outLogger)
	sup.outLogger = log.New(w, "", 0)
	sup.mlog.AddLogger(sup.outLogger)
}

// SetExitFunc overrides the process-exit hook used by Shutdown.  The
// daemon leaves this at os.Exit; tests substitute a recorder.
func (sup *Supervisor) SetExitFunc(f func(int)) {
	sup.mx.Lock()
	defer sup.mx.Unlock()
	sup.exitFunc = f
}

func (sup *Supervisor) logf(format string, v ...interface{}) {
	sup.mlog.Logger().Printf(format, v...)
}

// bumpSerialLocked increments the serial and wakes watchers.  Call with
// mx held.
func (sup *Supervisor) bumpSerialLocked() int64 {
	sup.updateTime = time.Now()
	sup.serial++
	for cv := range sup.cvs {
		cv.Broadcast()
	}
	return sup.serial
}

func (sup *Supervisor) noteChange() {
	sup.mx.Lock()
	sup.bumpSerialLocked()
	sup.mx.Unlock()
}

// Serial returns the global change counter.  It is bumped whenever any
// service changes state.
func (sup *Supervisor) Serial() int64 {
	sup.mx.Lock()
	defer sup.mx.Unlock()
	return sup.serial
}

// WatchSerial blocks until the serial differs from old or the expiry
// passes, and returns the current value.  Zero expiry polls.
func (sup *Supervisor) WatchSerial(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&sup.mx)
	var timer *time.Timer
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			sup.mx.Lock()
			expired = true
			cv.Broadcast()
			sup.mx.Unlock()
		})
	} else {
		expired = true
	}

	sup.mx.Lock()
	sup.cvs[cv] = true
	var rv int64
	for {
		rv = sup.serial
		if rv != old || expired {
			break
		}
		cv.Wait()
	}
	delete(sup.cvs, cv)
	sup.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// GetInfo returns a consistent snapshot of the top-level state.
func (sup *Supervisor) GetInfo() *Info {
	sup.mx.Lock()
	defer sup.mx.Unlock()
	return &Info{
		Name:       sup.name,
		InstanceID: sup.instanceID,
		Serial:     sup.serial,
		CreateTime: sup.createTime,
		UpdateTime: sup.updateTime,
	}
}

// Name returns the supervisor's name.
func (sup *Supervisor) Name() string {
	return sup.name
}

// GetLog returns every retained supervisor log record and the current
// log id.  If lastid already equals the current id, the records are nil.
func (sup *Supervisor) GetLog(lastid int64) ([]LogRecord, int64) {
	return sup.log.GetRecords(lastid)
}

// Load reads the services-config file and converges to it.  A broken
// or missing file is logged and yields zero services; the supervisor
// still comes up so that a later config fix can be picked up by the
// watcher.
func (sup *Supervisor) Load() {
	cfg, err := LoadConfig(sup.configPath)
	if err != nil {
		sup.logf("Failed to load services config: %v", err)
	}

	sup.opMx.Lock()
	defer sup.opMx.Unlock()

	sup.mx.Lock()
	sup.installConfigLocked(cfg)
	// Keys are minted eagerly for every service present at first load.
	for name := range sup.config.Services {
		sup.ensureKeyLocked(name)
	}
	sup.mx.Unlock()

	sup.reconcile()
}

// installConfigLocked replaces the desired snapshot.  Sub-service
// configs registered through setChildServices are part of desired state
// but never present in the on-disk document, so they are re-attached
// here: each surviving parent keeps its registered children and the
// capability to reach them.  Registrations whose parent disappeared
// from the document are dropped.  Call with mx held.
func (sup *Supervisor) installConfigLocked(cfg Config) {
	for parent, kids := range sup.childs {
		pcfg, ok := cfg.Services[parent]
		if !ok {
			delete(sup.childs, parent)
			continue
		}
		for _, kid := range kids {
			if existing, ok := cfg.Services[kid.Name]; ok && existing.Parent != parent {
				sup.logf("Service %s: name now claimed by the config file, dropping sub-service", kid.Name)
				continue
			}
			kid.Parent = parent
			cfg.Services[kid.Name] = kid
			if !pcfg.Allowed(kid.Name) {
				pcfg.AllowedAPI = append(pcfg.AllowedAPI, kid.Name)
			}
		}
		cfg.Services[parent] = pcfg
	}
	sup.config = cfg
	sup.bumpSerialLocked()
}

// Services returns the state of every live service, sorted by name.
func (sup *Supervisor) Services() []ServiceInfo {
	sup.mx.Lock()
	handles := make([]*Service, 0, len(sup.services))
	for _, s := range sup.services {
		handles = append(handles, s)
	}
	sup.mx.Unlock()

	infos := make([]ServiceInfo, 0, len(handles))
	for _, s := range handles {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ServiceInfo returns the state of one live service.
func (sup *Supervisor) ServiceInfo(name string) (*ServiceInfo, error) {
	sup.mx.Lock()
	s := sup.services[name]
	sup.mx.Unlock()
	if s == nil {
		return nil, ErrNoService
	}
	info := s.info()
	return &info, nil
}

// ServiceLogLines returns the per-service ring log for a live service.
func (sup *Supervisor) ServiceLogLines(name string) ([]string, error) {
	sup.mx.Lock()
	s := sup.services[name]
	sup.mx.Unlock()
	if s == nil {
		return nil, ErrNoService
	}
	return s.slog.Lines(), nil
}

// StartService starts one desired service, if it is not already
// running.  Explicit starts go through the same reconciliation path as
// everything else.
func (sup *Supervisor) StartService(name string) error {
	sup.opMx.Lock()
	defer sup.opMx.Unlock()

	sup.mx.Lock()
	_, desired := sup.config.Services[name]
	sup.mx.Unlock()
	if !desired {
		return ErrNotDesired
	}
	sup.reconcile()
	return nil
}

// StopService stops one service and removes its handle.  The name stays
// in the desired configuration, so a later reconciliation pass may
// start it again.
func (sup *Supervisor) StopService(name string) error {
	sup.opMx.Lock()
	defer sup.opMx.Unlock()
	return sup.stopOne(name)
}

// stopOne detaches and stops a single handle.  Call with opMx held.
func (sup *Supervisor) stopOne(name string) error {
	sup.mx.Lock()
	s := sup.services[name]
	if s != nil {
		// The entry disappears before the process actually exits;
		// a service being stopped is no longer addressable.
		delete(sup.services, name)
		sup.bumpSerialLocked()
	}
	sup.mx.Unlock()
	if s == nil {
		return ErrNoService
	}
	if s.stop() {
		sup.metrics.running.Dec()
	}
	return nil
}

// RestartService stops then starts a service.  The two halves are not
// reordered with respect to any other operation on the same name.
func (sup *Supervisor) RestartService(name string) error {
	sup.opMx.Lock()
	defer sup.opMx.Unlock()

	if err := sup.stopOne(name); err != nil && err != ErrNoService {
		return err
	}
	sup.reconcile()
	return nil
}

// Shutdown stops every child and terminates the supervisor with exit
// code 0.  This is the restartServer path: re-launching is the host
// process manager's business, so the configured restartCmd is noted but
// never executed here.
func (sup *Supervisor) Shutdown() {
	sup.opMx.Lock()
	defer sup.opMx.Unlock()

	sup.logf("*** %s shutting down ***", sup.name)

	sup.mx.Lock()
	snapshot := make([]*Service, 0, len(sup.services))
	for _, s := range sup.services {
		snapshot = append(snapshot, s)
	}
	sup.services = make(map[string]*Service)
	sup.config = emptyConfig()
	if sup.watcher != nil {
		sup.watcher.Close()
		sup.watcher = nil
	}
	exit := sup.exitFunc
	sup.bumpSerialLocked()
	sup.mx.Unlock()

	var g errgroup.Group
	for _, s := range snapshot {
		g.Go(func() error {
			if s.stop() {
				sup.metrics.running.Dec()
			}
			return nil
		})
	}
	g.Wait()

	exit(0)
}
