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
	"sort"

	"github.com/nsrvm/nsrvm/ipc"
)

// handleAPI dispatches one control-plane call after checking the
// caller's capabilities.  Per-service targets require the target's name
// in the caller's allowedAPI; supervisor-wide operations require the
// "nsrvm" capability.  A denied call returns nil: no reply is sent, so
// a caller probing for services it cannot reach sees the same timeout
// an unreachable service would produce.
func (sup *Supervisor) handleAPI(s *Service, msg ipc.Message) interface{} {
	caller := s.Config()

	switch msg.Method {
	case ipc.MethodGetAPIKey:
		if !caller.Allowed(msg.ServiceName) {
			sup.denied(s, msg)
			return nil
		}
		sup.mx.Lock()
		target, known := sup.config.Services[msg.ServiceName]
		key := sup.apiKeys[msg.ServiceName]
		sup.mx.Unlock()
		r := ipc.APIKeyReply{ReqID: msg.ReqID, ServiceName: msg.ServiceName}
		if known {
			port := target.APIPort
			r.APIPort = &port
			r.APIKey = key
		}
		return r

	case ipc.MethodRestartService:
		if !caller.Allowed(ipc.SupervisorCapability) {
			sup.denied(s, msg)
			return nil
		}
		if err := sup.RestartService(msg.ServiceName); err != nil {
			sup.logf("restartService %s (from %s): %v", msg.ServiceName, s.name, err)
		}
		return ipc.StatusReply{ReqID: msg.ReqID, Status: true}

	case ipc.MethodStopService:
		if !caller.Allowed(ipc.SupervisorCapability) {
			sup.denied(s, msg)
			return nil
		}
		if err := sup.StopService(msg.ServiceName); err != nil {
			sup.logf("stopService %s (from %s): %v", msg.ServiceName, s.name, err)
		}
		return ipc.StatusReply{ReqID: msg.ReqID, Status: true}

	case ipc.MethodStartService:
		if !caller.Allowed(ipc.SupervisorCapability) {
			sup.denied(s, msg)
			return nil
		}
		if err := sup.StartService(msg.ServiceName); err != nil {
			sup.logf("startService %s (from %s): %v", msg.ServiceName, s.name, err)
		}
		return ipc.StatusReply{ReqID: msg.ReqID, Status: true}

	case ipc.MethodRestartServer:
		if !caller.Allowed(ipc.SupervisorCapability) {
			sup.denied(s, msg)
			return nil
		}
		sup.logf("Server restart requested by %s", s.name)
		// No reply: the supervisor is going away.
		sup.Shutdown()
		return nil

	case ipc.MethodGetServicesList:
		if !caller.Allowed(ipc.SupervisorCapability) {
			sup.denied(s, msg)
			return nil
		}
		sup.mx.Lock()
		handles := make([]*Service, 0, len(sup.services))
		for _, h := range sup.services {
			handles = append(handles, h)
		}
		sup.mx.Unlock()
		list := make([]ipc.ServiceStatus, 0, len(handles))
		for _, h := range handles {
			list = append(list, h.status())
		}
		sort.Slice(list, func(i, j int) bool {
			return list[i].ServiceName < list[j].ServiceName
		})
		return ipc.ServicesListReply{ReqID: msg.ReqID, Services: list}

	default:
		sup.logf("Unknown api method %q from %s", msg.Method, s.name)
		return nil
	}
}

func (sup *Supervisor) denied(s *Service, msg ipc.Message) {
	sup.logf("Denied %s: method %q target %q not within its capabilities",
		s.name, msg.Method, msg.ServiceName)
}
