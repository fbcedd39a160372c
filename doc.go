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

// Package nsrvm implements a node-service supervisor: a parent process
// that launches, monitors, restarts, and brokers communication for a
// set of long-running child services described by a declarative JSON
// configuration file.
//
// Each service gets a private API key, an authenticated request/reply
// channel toward the supervisor, and a capability-checked control plane
// guarded by its allowedAPI list.  The on-disk configuration is watched
// for changes; the reconciler converges the running service set to the
// desired one on load, on file change, and whenever a privileged
// service registers sub-services of its own.
//
// The supervisor kernel is cooperative: one operation mutex serializes
// every control operation (reconciliation, control-plane RPCs,
// shutdown), while child process events are folded in through short
// critical sections on the state lock.
package nsrvm
