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

// Package rest exposes a read-only HTTP view of a running supervisor:
// the service list, per-service state and logs, the supervisor log,
// and Prometheus metrics.  Mutations stay on the capability-checked
// IPC control plane; this surface is for operators and dashboards.
package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/nsrvm/nsrvm"
)

// Handler wraps a Supervisor, adding http.Handler functionality.
type Handler struct {
	sup *nsrvm.Supervisor
	r   *mux.Router

	authUser string
	authHash []byte
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.sup.GetInfo())
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	infos := h.sup.Services()
	l := make([]string, 0, len(infos))
	for _, info := range infos {
		l = append(l, info.Name)
	}
	w.Header().Set("Etag", strconv.FormatInt(h.sup.Serial(), 10))
	h.writeJson(w, l)
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if info, e := h.sup.ServiceInfo(vars["service"]); e != nil {
		h.writeError(w, &Error{http.StatusNotFound, "Service not found"})
	} else {
		h.writeJson(w, info)
	}
}

func (h *Handler) getServiceLog(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if lines, e := h.sup.ServiceLogLines(vars["service"]); e != nil {
		h.writeError(w, &Error{http.StatusNotFound, "Service not found"})
	} else {
		h.writeJson(w, lines)
	}
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	recs, _ := h.sup.GetLog(0)
	h.writeJson(w, recs)
}

func (h *Handler) authorized(r *http.Request) bool {
	if len(h.authHash) == 0 {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != h.authUser {
		return false
	}
	return bcrypt.CompareHashAndPassword(h.authHash, []byte(pass)) == nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !h.authorized(req) {
		w.Header().Set("WWW-Authenticate", `Basic realm="nsrvm"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	h.r.ServeHTTP(w, req)
}

// SetAuth enables HTTP basic auth.  hash is a bcrypt hash of the
// password; an empty hash leaves the surface open.
func (h *Handler) SetAuth(user string, hash []byte) {
	h.authUser = user
	h.authHash = hash
}

// NewHandler builds the HTTP surface for a supervisor.
func NewHandler(sup *nsrvm.Supervisor) *Handler {
	r := mux.NewRouter()
	h := &Handler{sup: sup, r: r}
	r.HandleFunc("/info", h.getInfo).Methods("GET")
	r.HandleFunc("/services", h.listServices).Methods("GET")
	r.HandleFunc("/services/{service}", h.getService).Methods("GET")
	r.HandleFunc("/services/{service}/log", h.getServiceLog).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(sup.Registry(),
		promhttp.HandlerOpts{})).Methods("GET")
	return h
}
