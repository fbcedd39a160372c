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
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// Frames may grow with embedded service configs; a megabyte is far
// beyond any legitimate message.
const maxFrameSize = 1 << 20

// Conn carries newline-delimited JSON frames over a read/write pipe
// pair.  Reads are single-goroutine (the owner's read loop); writes may
// come from several goroutines and are serialized by a mutex.
type Conn struct {
	r io.ReadCloser
	w io.WriteCloser

	scanner *bufio.Scanner

	wmx sync.Mutex
}

// NewConn wraps an already-open pipe pair.
func NewConn(r io.ReadCloser, w io.WriteCloser) *Conn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	return &Conn{r: r, w: w, scanner: scanner}
}

// Read returns the next frame, or an error once the peer is gone.
func (c *Conn) Read() (json.RawMessage, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return raw, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Write marshals v and sends it as one frame.
func (c *Conn) Write(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmx.Lock()
	defer c.wmx.Unlock()
	b = append(b, '\n')
	_, err = c.w.Write(b)
	return err
}

// Close tears down both directions.  The owner's read loop unblocks
// with an error.
func (c *Conn) Close() error {
	err := c.w.Close()
	if e := c.r.Close(); err == nil {
		err = e
	}
	return err
}
