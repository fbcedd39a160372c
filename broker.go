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

	"github.com/nsrvm/nsrvm/ipc"
)

// dispatch routes one inbound frame from a child.  The command set is
// closed: anything unrecognised still gets an empty reply so the
// child's correlation slot resolves instead of timing out.  Frames
// without a request id are unsolicited notifications and get no reply.
func (sup *Supervisor) dispatch(s *Service, raw json.RawMessage) {
	if ipc.IsInterrupt(raw) {
		// The interrupt relay only flows parent to child.
		s.logf("Ignoring interrupt token from %s", s.name)
		return
	}

	var hdr ipc.Header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		s.logf("Malformed message from %s: %v", s.name, err)
		return
	}
	if hdr.ReqID == 0 {
		s.logf("Unsolicited message from %s: cmd %q", s.name, hdr.Cmd)
		return
	}

	switch hdr.Cmd {
	case ipc.CmdGetConfig:
		s.reply(ipc.ConfigReply{
			ReqID:  hdr.ReqID,
			Config: s.Config(),
			APIKey: sup.APIKey(s.name),
		})

	case ipc.CmdAPI:
		var msg ipc.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logf("Malformed api message from %s: %v", s.name, err)
			s.reply(ipc.EmptyReply{ReqID: hdr.ReqID})
			return
		}
		if result := sup.handleAPI(s, msg); result != nil {
			s.reply(result)
		}

	case ipc.CmdSetPublicAPI:
		var msg ipc.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logf("Malformed setPublicApi from %s: %v", s.name, err)
		} else if err := s.setPublicAPI(msg.API); err != nil {
			s.logf("Rejected public API from %s: %v", s.name, err)
		}
		s.reply(ipc.EmptyReply{ReqID: hdr.ReqID})

	case ipc.CmdExit:
		s.logf("Service %s requested its own exit", s.name)
		s.reply(ipc.EmptyReply{ReqID: hdr.ReqID})
		if err := sup.StopService(s.name); err != nil {
			sup.logf("Exit request from %s: %v", s.name, err)
		}

	case ipc.CmdSetChildServices:
		var msg ipc.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logf("Malformed setChildServices from %s: %v", s.name, err)
		} else if err := sup.setChildServices(s, msg.Services); err != nil {
			s.logf("setChildServices from %s: %v", s.name, err)
		}
		s.reply(ipc.EmptyReply{ReqID: hdr.ReqID})

	default:
		s.logf("Unknown command %q from %s", hdr.Cmd, s.name)
		s.reply(ipc.EmptyReply{ReqID: hdr.ReqID})
	}
}
