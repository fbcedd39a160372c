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
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/nsrvm/nsrvm/ipc"
)

// Service is the supervisor-side handle owning one child process.  It
// moves through Absent -> Starting -> Running -> Stopping/Crashed and
// back; dead is true whenever no running process is attached.
//
// The handle's own mutex guards process state and is safe to take from
// event goroutines; holders of the handle mutex must never wait on the
// supervisor locks.
type Service struct {
	sup  *Supervisor
	name string

	mx             sync.Mutex
	config         ipc.ServiceConfig
	cmd            *exec.Cmd
	conn           *ipc.Conn
	dead           bool
	stopping       bool
	stopRequested  bool
	pendingRestart *time.Timer
	api            []ipc.APIMethod
	reason         string
	stamp          time.Time

	// waiter is held while a child process is attached; stop blocks
	// on it to observe the exit.
	waiter sync.WaitGroup

	slog *ServiceLog
	mlog *MultiLogger
}

func newService(sup *Supervisor, cfg ipc.ServiceConfig) *Service {
	s := &Service{
		sup:    sup,
		name:   cfg.Name,
		config: cfg,
		dead:   true,
		api:    []ipc.APIMethod{},
		slog:   &ServiceLog{},
		mlog:   NewMultiLogger(),
	}
	s.mlog.Logger().SetPrefix("[" + cfg.Name + "] ")
	s.mlog.AddLogger(sup.mlog.Logger())
	s.mlog.AddLogger(log.New(s.slog, "", log.LstdFlags))
	s.setStatus("Created")
	return s
}

func (s *Service) logf(format string, v ...interface{}) {
	s.mlog.Logger().Printf(format, v...)
}

func (s *Service) setStatus(reason string) {
	s.mx.Lock()
	s.setStatusLocked(reason)
	s.mx.Unlock()
}

func (s *Service) setStatusLocked(reason string) {
	s.reason = reason
	s.stamp = time.Now()
}

// Dead reports whether the handle has no running process attached.
func (s *Service) Dead() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.dead
}

// Config returns the currently applied configuration.
func (s *Service) Config() ipc.ServiceConfig {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.config
}

// setConfig overwrites the applied configuration in place; the running
// process, if any, keeps going.
func (s *Service) setConfig(cfg ipc.ServiceConfig) {
	s.mx.Lock()
	s.config = cfg
	s.mx.Unlock()
}

func (s *Service) info() ServiceInfo {
	s.mx.Lock()
	defer s.mx.Unlock()
	api := make([]ipc.APIMethod, len(s.api))
	copy(api, s.api)
	return ServiceInfo{
		Name:      s.name,
		Parent:    s.config.Parent,
		APIPort:   s.config.APIPort,
		Running:   !s.dead && !s.stopping,
		API:       api,
		Status:    s.reason,
		TimeStamp: s.stamp,
	}
}

func (s *Service) status() ipc.ServiceStatus {
	s.mx.Lock()
	defer s.mx.Unlock()
	api := make([]ipc.APIMethod, len(s.api))
	copy(api, s.api)
	return ipc.ServiceStatus{
		ServiceName: s.name,
		API:         api,
		Status:      !s.dead && !s.stopping,
	}
}

// setPublicAPI validates and replaces the advertised method list.
func (s *Service) setPublicAPI(api []ipc.APIMethod) error {
	if err := ipc.ValidateAPI(api); err != nil {
		return err
	}
	if api == nil {
		api = []ipc.APIMethod{}
	}
	s.mx.Lock()
	s.api = api
	s.mx.Unlock()
	s.sup.noteChange()
	return nil
}

// start drives Absent -> Starting -> Running: pre-start hooks, the
// optional settle delay, module resolution, and the spawn itself.  A
// spawn failure returns to Absent without scheduling a restart.  Call
// with the operation mutex held.
func (s *Service) start() error {
	s.mx.Lock()
	if s.pendingRestart != nil {
		s.pendingRestart.Stop()
		s.pendingRestart = nil
	}
	if !s.dead {
		s.mx.Unlock()
		return nil
	}
	s.stopRequested = false
	cfg := s.config
	s.setStatusLocked("Starting")
	s.mx.Unlock()

	for _, h := range cfg.RunBeforeStart {
		s.runHook("before-start", h)
	}
	if cfg.WaitBeforeStart > 0 {
		time.Sleep(time.Duration(cfg.WaitBeforeStart) * time.Millisecond)
	}

	modPath, err := resolveModulePath(s.sup.servicesDir, cfg)
	if err != nil {
		s.setStatus("No module")
		return err
	}

	cmd := buildCommand(cfg, modPath)

	// The IPC channel is a pipe pair inherited as fds 3 and 4.
	childR, parentW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("allocating IPC pipe: %w", err)
	}
	parentR, childW, err := os.Pipe()
	if err != nil {
		childR.Close()
		parentW.Close()
		return fmt.Errorf("allocating IPC pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{childR, childW}

	if stdout, err := cmd.StdoutPipe(); err != nil {
		s.logf("Failed to capture stdout: %v", err)
	} else {
		go s.doLog(stdout, "stdout> ")
	}
	if stderr, err := cmd.StderrPipe(); err != nil {
		s.logf("Failed to capture stderr: %v", err)
	} else {
		go s.doLog(stderr, "stderr> ")
	}

	if err := cmd.Start(); err != nil {
		childR.Close()
		childW.Close()
		parentR.Close()
		parentW.Close()
		s.setStatus("Failed to start: " + err.Error())
		return fmt.Errorf("spawning %s: %w", s.name, err)
	}
	// The child holds its own copies now.
	childR.Close()
	childW.Close()

	conn := ipc.NewConn(parentR, parentW)

	s.mx.Lock()
	s.cmd = cmd
	s.conn = conn
	s.dead = false
	s.stopping = false
	s.setStatusLocked("Running")
	s.mx.Unlock()

	s.logf("Started service %s (pid %d)", s.name, cmd.Process.Pid)
	s.sup.metrics.starts.WithLabelValues(s.name).Inc()
	s.sup.metrics.running.Inc()
	s.sup.noteChange()

	s.waiter.Add(1)
	go s.readLoop(conn)
	go s.waitExit(cmd)
	return nil
}

// buildCommand assembles the child argv.  With execPath set, the
// module path is handed to that interpreter after any execArgv;
// otherwise the module itself is the program.
func buildCommand(cfg ipc.ServiceConfig, modPath string) *exec.Cmd {
	var argv []string
	if cfg.ExecPath != "" {
		argv = append(argv, cfg.ExecPath)
		argv = append(argv, cfg.ExecArgv...)
		argv = append(argv, modPath)
	} else {
		argv = append(argv, modPath)
		argv = append(argv, cfg.ExecArgv...)
	}
	cmd := exec.Command(argv[0], argv[1:]...)

	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "NSRVM_SERVICE="+cfg.Name)
	cmd.Env = env
	return cmd
}

func (s *Service) doLog(r io.ReadCloser, prefix string) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			s.mlog.Logger().Print(prefix, strings.Trim(line, "\n"))
		}
		if err != nil {
			return
		}
	}
}

func (s *Service) readLoop(conn *ipc.Conn) {
	for {
		raw, err := conn.Read()
		if err != nil {
			return
		}
		s.sup.dispatch(s, raw)
	}
}

// reply sends a correlated reply to the child.  Once the handle has
// gone Absent the frame is dropped; nothing is ever written to a dead
// child.
func (s *Service) reply(v interface{}) {
	s.mx.Lock()
	conn := s.conn
	dead := s.dead
	s.mx.Unlock()
	if conn == nil || dead {
		return
	}
	if err := conn.Write(v); err != nil {
		s.logf("Failed to reply to %s: %v", s.name, err)
	}
}

// stop drives Running -> Stopping -> Absent.  It interrupts the child,
// arms the kill timer, and blocks until the exit is observed.  The
// return value reports whether a process was actually running.  Call
// with the operation mutex held.
func (s *Service) stop() bool {
	s.mx.Lock()
	s.stopRequested = true
	if s.pendingRestart != nil {
		s.pendingRestart.Stop()
		s.pendingRestart = nil
	}
	if s.dead || s.cmd == nil {
		s.mx.Unlock()
		return false
	}
	s.stopping = true
	cmd := s.cmd
	conn := s.conn
	s.setStatusLocked("Stopping")
	s.mx.Unlock()

	s.logf("Stopping service %s", s.name)
	s.interrupt(cmd, conn)

	timer := time.AfterFunc(s.sup.stopTimeout(), func() {
		s.logf("Service %s did not stop in time, sending SIGKILL", s.name)
		s.sup.metrics.stopEscalated.WithLabelValues(s.name).Inc()
		s.mx.Lock()
		if c := s.cmd; c != nil && c.Process != nil {
			c.Process.Kill()
		}
		s.mx.Unlock()
	})
	s.waiter.Wait()
	timer.Stop()

	s.mx.Lock()
	s.stopping = false
	s.setStatusLocked("Stopped")
	s.mx.Unlock()
	return true
}

// interrupt delivers the graceful-stop request.  On Windows there is no
// SIGINT to send, so the reserved in-band string is relayed instead and
// the client library raises the interrupt locally.
func (s *Service) interrupt(cmd *exec.Cmd, conn *ipc.Conn) {
	if runtime.GOOS == "windows" {
		if conn != nil {
			if err := conn.Write(ipc.Interrupt); err != nil {
				s.logf("Failed to relay interrupt to %s: %v", s.name, err)
			}
		}
		return
	}
	if cmd.Process != nil {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			s.logf("Failed to interrupt %s: %v", s.name, err)
		}
	}
}

// waitExit observes the child's termination and finishes whichever
// transition is in flight.  For a requested stop it only detaches.  An
// unexpected exit with code 0 is terminal; a non-zero code additionally
// runs the after-exit hooks and schedules the crash restart.
func (s *Service) waitExit(cmd *exec.Cmd) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}

	s.mx.Lock()
	conn := s.conn
	s.conn = nil
	s.cmd = nil
	s.dead = true
	stopping := s.stopping
	cfg := s.config
	s.mx.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.waiter.Done()
	s.sup.noteChange()

	if stopping {
		return
	}
	s.sup.metrics.running.Dec()

	if code == 0 {
		s.logf("Service %s exited cleanly", s.name)
		s.setStatus("Exited")
		return
	}

	s.logf("Service %s crashed with exit code %d", s.name, code)
	s.setStatus(fmt.Sprintf("Crashed (exit %d)", code))
	s.sup.metrics.crashes.WithLabelValues(s.name).Inc()

	for _, h := range cfg.RunAfterExit {
		s.runHook("after-exit", h)
	}
	if cfg.WaitAfterExit > 0 {
		time.Sleep(time.Duration(cfg.WaitAfterExit) * time.Millisecond)
	}

	s.mx.Lock()
	if !s.stopRequested && s.pendingRestart == nil {
		s.pendingRestart = time.AfterFunc(s.sup.restartDelay(), func() {
			s.sup.restartCrashed(s.name, s)
		})
		s.setStatusLocked("Restart scheduled")
	}
	s.mx.Unlock()
}

func (sup *Supervisor) stopTimeout() time.Duration {
	if sup.StopTimeout > 0 {
		return sup.StopTimeout
	}
	return DefaultStopTimeout
}

func (sup *Supervisor) restartDelay() time.Duration {
	if sup.RestartDelay > 0 {
		return sup.RestartDelay
	}
	return DefaultRestartDelay
}

// restartCrashed fires when a crash back-off timer expires.  The
// service may have been stopped, replaced, or dropped from the desired
// set in the meantime; in any of those cases the timer is a no-op.
func (sup *Supervisor) restartCrashed(name string, s *Service) {
	sup.opMx.Lock()
	defer sup.opMx.Unlock()

	sup.mx.Lock()
	cur := sup.services[name]
	cfg, desired := sup.config.Services[name]
	sup.mx.Unlock()
	if cur != s || !desired {
		return
	}

	s.setConfig(cfg)
	sup.logf("Restarting crashed service %s", name)
	if err := s.start(); err != nil {
		sup.logf("Failed to restart %s: %v", name, err)
	}
}
