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

// Package client is the service side of the supervisor protocol.  A
// managed service opens the inherited IPC channel, then uses the typed
// helpers to fetch its configuration and key, call the control plane,
// advertise its public API, and register sub-services of its own.
//
// The client owns the request-id counter and the pending-reply table:
// every request is stamped with the next id, and the matching reply (or
// a timeout) resolves exactly one waiter.
package client

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/nsrvm/nsrvm/ipc"
)

// DefaultReplyTimeout bounds how long a request waits for its reply.
// Capability-denied calls produce no reply at all, so hitting this
// timeout is an expected outcome, not a protocol violation.
const DefaultReplyTimeout = 10 * time.Second

// ErrReplyTimeout resolves a request whose reply never arrived.  A
// reply landing after the timeout is dropped.
var ErrReplyTimeout = errors.New("request timed out")

// ErrClosed is returned once the channel to the supervisor is gone.
var ErrClosed = errors.New("supervisor channel closed")

// The supervisor hands the channel to its child as these two inherited
// descriptors.
const (
	readFD  = 3
	writeFD = 4
)

type pendingReply struct {
	ch    chan json.RawMessage
	timer *time.Timer
	sent  time.Time
}

// Client is a service's connection to its supervisor.
type Client struct {
	conn *ipc.Conn

	ReplyTimeout time.Duration

	// OnMessage receives unsolicited frames (no request id).  Set it
	// before Run.
	OnMessage func(json.RawMessage)

	// OnInterrupt runs when the supervisor relays an in-band
	// interrupt.  The default raises os.Interrupt against the own
	// process, so the relay is indistinguishable from a real SIGINT.
	OnInterrupt func()

	mx      sync.Mutex
	nextID  uint32
	pending map[uint32]*pendingReply
	closed  bool
}

// Open attaches to the channel inherited from the supervisor.
func Open() (*Client, error) {
	r := os.NewFile(readFD, "nsrvm-ipc-r")
	w := os.NewFile(writeFD, "nsrvm-ipc-w")
	if r == nil || w == nil {
		return nil, errors.New("IPC descriptors not inherited; not started by nsrvm?")
	}
	return New(ipc.NewConn(r, w)), nil
}

// New wraps an existing connection.  Tests and in-process services use
// this directly.
func New(conn *ipc.Conn) *Client {
	c := &Client{
		conn:         conn,
		ReplyTimeout: DefaultReplyTimeout,
		pending:      make(map[uint32]*pendingReply),
	}
	c.OnInterrupt = c.raiseInterrupt
	return c
}

// Run reads frames until the channel closes, resolving replies and
// delivering notifications.  Most services run it on its own goroutine.
func (c *Client) Run() error {
	for {
		raw, err := c.conn.Read()
		if err != nil {
			c.fail()
			if err == io.EOF {
				return nil
			}
			return err
		}
		c.handle(raw)
	}
}

// Close tears the channel down; outstanding requests resolve with
// ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail()
	return err
}

func (c *Client) handle(raw json.RawMessage) {
	if ipc.IsInterrupt(raw) {
		if f := c.OnInterrupt; f != nil {
			f()
		}
		return
	}

	var hdr struct {
		ReqID uint32 `json:"_reqId"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil || hdr.ReqID == 0 {
		if f := c.OnMessage; f != nil {
			f(raw)
		}
		return
	}

	c.mx.Lock()
	p := c.pending[hdr.ReqID]
	delete(c.pending, hdr.ReqID)
	c.mx.Unlock()
	if p == nil {
		// Late reply after its timeout already fired; drop it.
		return
	}
	p.timer.Stop()
	p.ch <- raw
}

// raiseInterrupt turns the relayed token into a local interrupt.
func (c *Client) raiseInterrupt() {
	if runtime.GOOS == "windows" {
		// No way to signal ourselves; exit the way a SIGINT default
		// handler would.
		os.Exit(130)
	}
	p, err := os.FindProcess(os.Getpid())
	if err == nil {
		p.Signal(os.Interrupt)
	}
}

// nextReqID returns the next correlation id.  Ids are strictly
// increasing through [1, 0xffffffff] and wrap back to 1; zero is
// reserved for unsolicited frames.
func (c *Client) nextReqID() uint32 {
	c.nextID++
	if c.nextID == 0 {
		c.nextID = ipc.MinReqID
	}
	return c.nextID
}

func (c *Client) fail() {
	c.mx.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint32]*pendingReply)
	c.mx.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		close(p.ch)
	}
}

// Request sends one message and blocks for its correlated reply.
func (c *Client) Request(msg ipc.Message) (json.RawMessage, error) {
	timeout := c.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}

	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return nil, ErrClosed
	}
	id := c.nextReqID()
	p := &pendingReply{
		ch:   make(chan json.RawMessage, 1),
		sent: time.Now(),
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.mx.Lock()
		// Only expire the slot if it is still ours.
		if c.pending[id] == p {
			delete(c.pending, id)
		} else {
			c.mx.Unlock()
			return
		}
		c.mx.Unlock()
		close(p.ch)
	})
	c.pending[id] = p
	c.mx.Unlock()

	msg.ReqID = id
	if err := c.conn.Write(msg); err != nil {
		c.mx.Lock()
		delete(c.pending, id)
		c.mx.Unlock()
		p.timer.Stop()
		return nil, err
	}

	raw, ok := <-p.ch
	if !ok {
		c.mx.Lock()
		closed := c.closed
		c.mx.Unlock()
		if closed {
			return nil, ErrClosed
		}
		return nil, ErrReplyTimeout
	}
	return raw, nil
}

// GetConfig fetches the service's own configuration and API key.
func (c *Client) GetConfig() (*ipc.ConfigReply, error) {
	raw, err := c.Request(ipc.Message{Cmd: ipc.CmdGetConfig})
	if err != nil {
		return nil, err
	}
	var reply ipc.ConfigReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// API issues a raw control-plane call.  A capability denial surfaces as
// ErrReplyTimeout.
func (c *Client) API(method, serviceName string) (json.RawMessage, error) {
	return c.Request(ipc.Message{
		Cmd:         ipc.CmdAPI,
		Method:      method,
		ServiceName: serviceName,
	})
}

// GetAPIKey asks for a peer's API key and port.  The caller needs the
// peer's name in its allowedAPI.
func (c *Client) GetAPIKey(serviceName string) (*ipc.APIKeyReply, error) {
	raw, err := c.API(ipc.MethodGetAPIKey, serviceName)
	if err != nil {
		return nil, err
	}
	var reply ipc.APIKeyReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// GetServicesList asks the supervisor for every live service.  Needs
// the "nsrvm" capability.
func (c *Client) GetServicesList() ([]ipc.ServiceStatus, error) {
	raw, err := c.API(ipc.MethodGetServicesList, "")
	if err != nil {
		return nil, err
	}
	var reply ipc.ServicesListReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	return reply.Services, nil
}

// SetPublicAPI advertises the service's public method catalogue.
func (c *Client) SetPublicAPI(api []ipc.APIMethod) error {
	if err := ipc.ValidateAPI(api); err != nil {
		return err
	}
	_, err := c.Request(ipc.Message{Cmd: ipc.CmdSetPublicAPI, API: api})
	return err
}

// Exit asks the supervisor to stop this service.
func (c *Client) Exit() error {
	_, err := c.Request(ipc.Message{Cmd: ipc.CmdExit})
	return err
}

// SetChildServices declares this service's dynamic sub-services.  The
// parent's maxChilds bounds the list.
func (c *Client) SetChildServices(services []ipc.ServiceConfig) error {
	_, err := c.Request(ipc.Message{Cmd: ipc.CmdSetChildServices, Services: services})
	return err
}
