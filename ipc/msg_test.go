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

package ipc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAPI(t *testing.T) {
	assert.NoError(t, ValidateAPI(nil))
	assert.NoError(t, ValidateAPI([]APIMethod{
		{Name: "ping", Description: "liveness probe"},
	}))
	assert.NoError(t, ValidateAPI([]APIMethod{
		{Name: strings.Repeat("n", MaxAPINameLen)},
		{Name: "x", Description: strings.Repeat("d", MaxAPIDescLen)},
	}))

	tooMany := make([]APIMethod, MaxAPIMethods+1)
	for i := range tooMany {
		tooMany[i] = APIMethod{Name: "m"}
	}
	assert.Error(t, ValidateAPI(tooMany))

	assert.Error(t, ValidateAPI([]APIMethod{{Name: ""}}))
	assert.Error(t, ValidateAPI([]APIMethod{
		{Name: strings.Repeat("n", MaxAPINameLen+1)},
	}))
	assert.Error(t, ValidateAPI([]APIMethod{
		{Name: "x", Description: strings.Repeat("d", MaxAPIDescLen+1)},
	}))
}

func TestAPIMethodStrictDecode(t *testing.T) {
	var m APIMethod
	require.NoError(t, json.Unmarshal(
		[]byte(`{"name":"ping","description":"probe"}`), &m))
	assert.Equal(t, "ping", m.Name)

	// Anything beyond the two descriptor fields is a protocol error.
	assert.Error(t, json.Unmarshal(
		[]byte(`{"name":"ping","description":"probe","extra":1}`), &m))
}

func TestAllowed(t *testing.T) {
	cfg := ServiceConfig{AllowedAPI: []string{"peer", SupervisorCapability}}
	assert.True(t, cfg.Allowed("peer"))
	assert.True(t, cfg.Allowed(SupervisorCapability))
	assert.False(t, cfg.Allowed("other"))

	var none ServiceConfig
	assert.False(t, none.Allowed("peer"))
}

func TestIsInterrupt(t *testing.T) {
	assert.True(t, IsInterrupt(json.RawMessage(`"SIGINT"`)))
	assert.False(t, IsInterrupt(json.RawMessage(`"SIGTERM"`)))
	assert.False(t, IsInterrupt(json.RawMessage(`{"cmd":"getConfig"}`)))
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Cmd:         CmdAPI,
		ReqID:       7,
		Method:      MethodGetAPIKey,
		ServiceName: "peer",
	}
	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var hdr Header
	require.NoError(t, json.Unmarshal(b, &hdr))
	assert.Equal(t, CmdAPI, hdr.Cmd)
	assert.Equal(t, uint32(7), hdr.ReqID)
}

func TestAPIKeyReplyNullPort(t *testing.T) {
	b, err := json.Marshal(APIKeyReply{ReqID: 1, ServiceName: "ghost"})
	require.NoError(t, err)
	// An unknown target serialises with an explicit null port and an
	// empty key.
	assert.JSONEq(t,
		`{"_reqId":1,"serviceName":"ghost","apiPort":null,"apiKey":""}`,
		string(b))
}
