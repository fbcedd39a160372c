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
	"os/exec"
	"time"

	"github.com/nsrvm/nsrvm/ipc"
)

// Hook commands get ten seconds when no explicit runTimeout is set.
const defaultHookTimeout = 10 * time.Second

// runHook executes one runBeforeStart / runAfterExit command.  Output
// lands in the service log under the hook prefix.  With waitForClose
// the call blocks until the command finishes or its kill timer fires;
// otherwise the command is left running with the timer still armed.
// Hook failures and timeouts are logged, never fatal: a broken hook
// must not wedge the service lifecycle.
func (s *Service) runHook(phase string, h ipc.HookCmd) {
	if h.App == "" {
		return
	}
	cmd := exec.Command(h.App, h.Args...)

	pfx := phase + "> "
	if stdout, err := cmd.StdoutPipe(); err == nil {
		go s.doLog(stdout, pfx)
	}
	if stderr, err := cmd.StderrPipe(); err == nil {
		go s.doLog(stderr, pfx)
	}

	if err := cmd.Start(); err != nil {
		s.logf("Hook %s %s failed to start: %v", phase, h.App, err)
		return
	}

	d := defaultHookTimeout
	if h.RunTimeout > 0 {
		d = time.Duration(h.RunTimeout) * time.Millisecond
	}
	proc := cmd.Process
	timer := time.AfterFunc(d, func() {
		s.logf("Hook %s %s exceeded its timeout, killing", phase, h.App)
		proc.Kill()
	})

	if !h.WaitForClose {
		// Detached: reap in the background so the kill timer and the
		// process table both get cleaned up.
		go func() {
			cmd.Wait()
			timer.Stop()
		}()
		return
	}

	if err := cmd.Wait(); err != nil {
		s.logf("Hook %s %s: %v", phase, h.App, err)
	}
	timer.Stop()
}
