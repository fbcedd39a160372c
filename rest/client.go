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

package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nsrvm/nsrvm"
)

// Client is a minimal typed consumer of the HTTP surface, for CLI and
// monitoring tools.
type Client struct {
	base   string
	user   string
	pass   string
	auth   bool
	client *http.Client
}

// NewClient points at a supervisor's HTTP surface, e.g.
// "http://127.0.0.1:8321".
func NewClient(base string) *Client {
	return &Client{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetAuth supplies basic-auth credentials for every request.
func (c *Client) SetAuth(user, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) get(path string, v interface{}) error {
	req, err := http.NewRequest("GET", c.base+path, nil)
	if err != nil {
		return err
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		e := &Error{}
		if json.Unmarshal(body, e) == nil && e.Message != "" {
			return e
		}
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, path)
	}
	return json.Unmarshal(body, v)
}

// Info fetches the supervisor description.
func (c *Client) Info() (*nsrvm.Info, error) {
	info := &nsrvm.Info{}
	if err := c.get("/info", info); err != nil {
		return nil, err
	}
	return info, nil
}

// Services lists live service names.
func (c *Client) Services() ([]string, error) {
	var names []string
	if err := c.get("/services", &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Service fetches one service's state.
func (c *Client) Service(name string) (*nsrvm.ServiceInfo, error) {
	info := &nsrvm.ServiceInfo{}
	if err := c.get("/services/"+url.PathEscape(name), info); err != nil {
		return nil, err
	}
	return info, nil
}

// ServiceLog fetches one service's retained log lines.
func (c *Client) ServiceLog(name string) ([]string, error) {
	var lines []string
	err := c.get("/services/"+url.PathEscape(name)+"/log", &lines)
	return lines, err
}

// Log fetches the supervisor's own retained log.
func (c *Client) Log() ([]nsrvm.LogRecord, error) {
	var recs []nsrvm.LogRecord
	err := c.get("/log", &recs)
	return recs, err
}
