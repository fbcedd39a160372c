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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nsrvm/nsrvm"
)

func newTestServer(t *testing.T) (*nsrvm.Supervisor, *Handler, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "services-config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"services": {}}`), 0644))

	sup := nsrvm.NewSupervisor("rest-test", path, filepath.Join(dir, "services"))
	sup.SetExitFunc(func(int) {})
	sup.Load()

	h := NewHandler(sup)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return sup, h, srv
}

func TestInfoEndpoint(t *testing.T) {
	sup, _, srv := newTestServer(t)
	c := NewClient(srv.URL)

	info, err := c.Info()
	require.NoError(t, err)
	assert.Equal(t, "rest-test", info.Name)
	assert.NotEmpty(t, info.InstanceID)
	assert.Equal(t, sup.Serial(), info.Serial)
}

func TestServicesEndpoints(t *testing.T) {
	_, _, srv := newTestServer(t)
	c := NewClient(srv.URL)

	names, err := c.Services()
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = c.Service("ghost")
	assert.Error(t, err)
	var restErr *Error
	require.ErrorAs(t, err, &restErr)
	assert.Equal(t, http.StatusNotFound, restErr.Code)
}

func TestLogEndpoint(t *testing.T) {
	_, _, srv := newTestServer(t)
	c := NewClient(srv.URL)

	// Load on an empty config logs nothing fatal; the endpoint just
	// returns whatever the ring holds.
	_, err := c.Log()
	require.NoError(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBasicAuth(t *testing.T) {
	_, h, srv := newTestServer(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("sekrit"), bcrypt.MinCost)
	require.NoError(t, err)
	h.SetAuth("admin", hash)

	resp, err := http.Get(srv.URL + "/services")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c := NewClient(srv.URL)
	c.SetAuth("admin", "sekrit")
	_, err = c.Services()
	assert.NoError(t, err)

	c2 := NewClient(srv.URL)
	c2.SetAuth("admin", "wrong")
	_, err = c2.Services()
	assert.Error(t, err)
}
