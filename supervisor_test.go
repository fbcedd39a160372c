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

//go:build !windows

// The lifecycle suite drives real child processes from shell scripts in
// testdata/services; like the teacher material it replaces, it is
// POSIX-only.

package nsrvm

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	tl.t.Log(strings.Trim(string(p), "\n"))
	return len(p), nil
}

func servicesDir(t *testing.T) string {
	t.Helper()
	abs, err := filepath.Abs(filepath.Join("testdata", "services"))
	if err != nil {
		t.Fatal(err)
	}
	return abs
}

// newTestSupervisor builds a supervisor over testdata/services with
// short timers and a recorded exit func.
func newTestSupervisor(t *testing.T, config string) *Supervisor {
	t.Helper()
	path := writeConfig(t, config)
	sup := NewSupervisor("test", path, servicesDir(t))
	sup.SetLogWriter(&testLog{t: t})
	sup.StopTimeout = 500 * time.Millisecond
	sup.RestartDelay = 200 * time.Millisecond
	sup.SetExitFunc(func(int) {})
	t.Cleanup(sup.Shutdown)
	return sup
}

func starts(sup *Supervisor, name string) float64 {
	return testutil.ToFloat64(sup.metrics.starts.WithLabelValues(name))
}

const sleeperConfig = `{
	"services": {
		"a": {"apiPort": 1, "allowedAPI": [], "execPath": "/bin/sh", "modulePath": "sleeper"}
	}
}`

func TestColdStart(t *testing.T) {
	Convey("A cold start spawns the configured service", t, func() {
		sup := newTestSupervisor(t, sleeperConfig)
		sup.Load()

		infos := sup.Services()
		So(infos, ShouldHaveLength, 1)
		So(infos[0].Name, ShouldEqual, "a")
		So(infos[0].Running, ShouldBeTrue)
		So(infos[0].API, ShouldBeEmpty)

		Convey("And mints a 32-character hex key", func() {
			hexKey := regexp.MustCompile(`^[0-9a-f]{32}$`)
			So(hexKey.MatchString(sup.APIKey("a")), ShouldBeTrue)
		})
	})
}

func TestReloadKeepsUnchangedServices(t *testing.T) {
	Convey("Reloading an unchanged (name, apiPort) pair", t, func() {
		sup := newTestSupervisor(t, sleeperConfig)
		sup.Load()
		key := sup.APIKey("a")
		So(starts(sup, "a"), ShouldEqual, 1)

		So(os.WriteFile(sup.configPath, []byte(`{
			"services": {
				"a": {"apiPort": 1, "allowedAPI": ["b"], "execPath": "/bin/sh", "modulePath": "sleeper"}
			}
		}`), 0644), ShouldBeNil)
		sup.reload()

		Convey("Does not restart the process", func() {
			So(starts(sup, "a"), ShouldEqual, 1)
		})
		Convey("Refreshes the applied config in place", func() {
			info, err := sup.ServiceInfo("a")
			So(err, ShouldBeNil)
			So(info.Running, ShouldBeTrue)
			sup.mx.Lock()
			s := sup.services["a"]
			sup.mx.Unlock()
			So(s.Config().AllowedAPI, ShouldContain, "b")
		})
		Convey("Keeps the API key", func() {
			So(sup.APIKey("a"), ShouldEqual, key)
		})
	})
}

func TestPortChangeRestarts(t *testing.T) {
	Convey("Changing apiPort forces a restart", t, func() {
		sup := newTestSupervisor(t, sleeperConfig)
		sup.Load()
		key := sup.APIKey("a")

		So(os.WriteFile(sup.configPath, []byte(`{
			"services": {
				"a": {"apiPort": 2, "allowedAPI": [], "execPath": "/bin/sh", "modulePath": "sleeper"}
			}
		}`), 0644), ShouldBeNil)
		sup.reload()

		So(starts(sup, "a"), ShouldEqual, 2)
		info, err := sup.ServiceInfo("a")
		So(err, ShouldBeNil)
		So(info.APIPort, ShouldEqual, 2)
		So(info.Running, ShouldBeTrue)

		Convey("But never rotates the key", func() {
			So(sup.APIKey("a"), ShouldEqual, key)
		})
	})
}

func TestConfigWatch(t *testing.T) {
	Convey("A watched config file change is picked up", t, func() {
		sup := newTestSupervisor(t, `{"services": {}}`)
		sup.Load()
		So(sup.Watch(), ShouldBeNil)
		So(sup.Services(), ShouldBeEmpty)

		So(os.WriteFile(sup.configPath, []byte(sleeperConfig), 0644), ShouldBeNil)

		So(eventually(3*time.Second, func() bool {
			info, err := sup.ServiceInfo("a")
			return err == nil && info.Running
		}), ShouldBeTrue)
	})
}

func TestCrashBackoff(t *testing.T) {
	Convey("A service exiting non-zero is restarted after the back-off", t, func() {
		sup := newTestSupervisor(t, `{
			"services": {
				"crash": {"apiPort": 1, "allowedAPI": [], "execPath": "/bin/sh"}
			}
		}`)
		sup.Load()
		So(starts(sup, "crash"), ShouldEqual, 1)

		Convey("A restart fires after the back-off window", func() {
			So(eventually(2*time.Second, func() bool {
				return starts(sup, "crash") >= 2
			}), ShouldBeTrue)
		})

		Convey("A stop during the pending interval cancels the restart", func() {
			So(eventually(2*time.Second, func() bool {
				s, err := sup.ServiceInfo("crash")
				return err == nil && !s.Running
			}), ShouldBeTrue)
			So(sup.StopService("crash"), ShouldBeNil)
			before := starts(sup, "crash")
			time.Sleep(3 * sup.RestartDelay)
			So(starts(sup, "crash"), ShouldEqual, before)
		})
	})
}

func TestCleanExitIsTerminal(t *testing.T) {
	Convey("Exit code 0 schedules no restart", t, func() {
		sup := newTestSupervisor(t, `{
			"services": {
				"oneshot": {"apiPort": 1, "allowedAPI": [], "execPath": "/bin/sh"}
			}
		}`)
		sup.Load()

		So(eventually(time.Second, func() bool {
			info, err := sup.ServiceInfo("oneshot")
			return err == nil && !info.Running
		}), ShouldBeTrue)

		time.Sleep(3 * sup.RestartDelay)
		So(starts(sup, "oneshot"), ShouldEqual, 1)
	})
}

func TestGracefulStopEscalation(t *testing.T) {
	Convey("A service ignoring SIGINT gets SIGKILL after the timeout", t, func() {
		sup := newTestSupervisor(t, `{
			"services": {
				"stubborn": {"apiPort": 1, "allowedAPI": [], "execPath": "/bin/sh"}
			}
		}`)
		sup.Load()
		// Give the script time to install its trap; an interrupt that
		// arrives first kills the shell outright.
		time.Sleep(200 * time.Millisecond)

		begin := time.Now()
		So(sup.StopService("stubborn"), ShouldBeNil)
		elapsed := time.Since(begin)

		So(elapsed, ShouldBeGreaterThanOrEqualTo, sup.StopTimeout)
		So(testutil.ToFloat64(sup.metrics.stopEscalated.WithLabelValues("stubborn")),
			ShouldEqual, 1)
		So(sup.Services(), ShouldBeEmpty)
	})
}

func TestGracefulStopClean(t *testing.T) {
	Convey("A cooperative service stops well before the kill timer", t, func() {
		sup := newTestSupervisor(t, sleeperConfig)
		sup.Load()

		begin := time.Now()
		So(sup.StopService("a"), ShouldBeNil)
		So(time.Since(begin), ShouldBeLessThan, sup.StopTimeout)
		So(testutil.ToFloat64(sup.metrics.stopEscalated.WithLabelValues("a")),
			ShouldEqual, 0)
	})
}

func TestDirectoryModuleResolution(t *testing.T) {
	Convey("A directory-style module starts from its index file", t, func() {
		sup := newTestSupervisor(t, `{
			"services": {
				"echoer": {"apiPort": 1, "allowedAPI": [], "execPath": "/bin/sh"}
			}
		}`)
		sup.Load()
		info, err := sup.ServiceInfo("echoer")
		So(err, ShouldBeNil)
		So(info.Running, ShouldBeTrue)
	})
}

func TestMissingModuleLeftPending(t *testing.T) {
	Convey("A desired service with no module is skipped, not failed", t, func() {
		sup := newTestSupervisor(t, `{
			"services": {
				"ghost": {"apiPort": 1, "allowedAPI": []}
			}
		}`)
		sup.Load()
		So(sup.Services(), ShouldBeEmpty)

		Convey("The key is minted anyway and survives the wait", func() {
			So(sup.APIKey("ghost"), ShouldNotBeEmpty)
		})
	})
}

func TestLifecycleHooks(t *testing.T) {
	Convey("Lifecycle hooks run around the process", t, func() {
		dir := t.TempDir()
		pre := filepath.Join(dir, "pre-mark")
		post := filepath.Join(dir, "post-mark")

		sup := newTestSupervisor(t, fmt.Sprintf(`{
			"services": {
				"crash": {
					"apiPort": 1, "allowedAPI": [], "execPath": "/bin/sh",
					"runBeforeStart": [
						{"app": "/bin/sh", "args": ["-c", "touch %s"], "waitForClose": true}
					],
					"runAfterExit": [
						{"app": "/bin/sh", "args": ["-c", "touch %s"], "waitForClose": true}
					]
				}
			}
		}`, pre, post))
		sup.Load()

		Convey("runBeforeStart completed before the spawn", func() {
			_, err := os.Stat(pre)
			So(err, ShouldBeNil)
		})

		Convey("runAfterExit runs on the crash path", func() {
			So(eventually(2*time.Second, func() bool {
				_, err := os.Stat(post)
				return err == nil
			}), ShouldBeTrue)
		})
	})
}

func TestShutdownStopsEverything(t *testing.T) {
	Convey("Shutdown stops all children and exits zero", t, func() {
		code := -1
		path := writeConfig(t, `{
			"services": {
				"a": {"apiPort": 1, "allowedAPI": [], "execPath": "/bin/sh", "modulePath": "sleeper"},
				"b": {"apiPort": 2, "allowedAPI": [], "execPath": "/bin/sh", "modulePath": "sleeper"}
			}
		}`)
		sup := NewSupervisor("test", path, servicesDir(t))
		sup.SetLogWriter(&testLog{t: t})
		sup.StopTimeout = 500 * time.Millisecond
		sup.SetExitFunc(func(c int) { code = c })
		sup.Load()
		So(sup.Services(), ShouldHaveLength, 2)

		sup.Shutdown()
		So(code, ShouldEqual, 0)
		So(sup.Services(), ShouldBeEmpty)
	})
}
