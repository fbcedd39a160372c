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
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePair returns two connected Conns, as the supervisor and a child
// would see them.
func pipePair() (*Conn, *Conn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return NewConn(ar, aw), NewConn(br, bw)
}

func TestConnRoundTrip(t *testing.T) {
	parent, child := pipePair()
	defer parent.Close()
	defer child.Close()

	go func() {
		child.Write(Message{Cmd: CmdGetConfig, ReqID: 1})
	}()

	raw, err := parent.Read()
	require.NoError(t, err)
	var hdr Header
	require.NoError(t, json.Unmarshal(raw, &hdr))
	assert.Equal(t, CmdGetConfig, hdr.Cmd)
	assert.Equal(t, uint32(1), hdr.ReqID)
}

func TestConnInterruptFrame(t *testing.T) {
	parent, child := pipePair()
	defer parent.Close()
	defer child.Close()

	go func() {
		parent.Write(Interrupt)
	}()

	raw, err := child.Read()
	require.NoError(t, err)
	assert.True(t, IsInterrupt(raw))
}

func TestConnReadAfterClose(t *testing.T) {
	parent, child := pipePair()
	child.Close()
	parent.Close()

	_, err := parent.Read()
	assert.Error(t, err)
}

func TestConnSkipsBlankLines(t *testing.T) {
	pr, pw := io.Pipe()
	conn := NewConn(pr, nopWriteCloser{})
	go func() {
		pw.Write([]byte("\n\n{\"cmd\":\"exit\",\"_reqId\":3}\n"))
		pw.Close()
	}()
	raw, err := conn.Read()
	require.NoError(t, err)
	var hdr Header
	require.NoError(t, json.Unmarshal(raw, &hdr))
	assert.Equal(t, CmdExit, hdr.Cmd)
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(b []byte) (int, error) { return len(b), nil }
func (nopWriteCloser) Close() error                { return nil }
