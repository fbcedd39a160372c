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
	"strings"
	"sync"
	"time"
)

const (
	// MaxLogRecords bounds the supervisor-wide ring.
	MaxLogRecords = 1000

	// maxServiceLogRecords bounds each per-service ring.
	maxServiceLogRecords = 1000
)

// LogRecord is one line of the supervisor log, with an id usable as an
// HTTP Etag.
type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log is a bounded ring of log records shared by the whole supervisor.
// It implements io.Writer so a log.Logger can feed it.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	mx         sync.Mutex
}

// Write implements the Writer interface consumed by Logger.
func (l *Log) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	l.mx.Lock()
	for _, line := range strings.Split(str, "\n") {
		idx := l.numRecords % l.maxRecords
		l.id++
		l.records[idx] = LogRecord{Id: l.id, Time: time.Now(), Text: line}
		// numRecords only ever grows; modulo arithmetic finds the
		// slot once the ring has wrapped.
		l.numRecords++
	}
	l.mx.Unlock()
	return len(b), nil
}

// GetRecords returns the retained records and an id for change
// detection.  If last matches the current id, nil is returned without
// copying anything.
func (l *Log) GetRecords(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	cnt := l.numRecords
	if cnt > l.maxRecords {
		cnt = l.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	for i := l.numRecords - cnt; i < l.numRecords; i++ {
		recs = append(recs, l.records[i%l.maxRecords])
	}
	return recs, l.id
}

// NewLog returns an empty ring.  Ids start at the current timestamp in
// nanoseconds so that a restarted supervisor never hands out an id a
// client has already seen.
func NewLog() *Log {
	return &Log{
		maxRecords: MaxLogRecords,
		records:    make([]LogRecord, MaxLogRecords),
		id:         time.Now().UnixNano(),
	}
}

// ServiceLog is the per-service ring: plain lines, no ids.  Process
// stdout/stderr and lifecycle messages land here, and the HTTP surface
// reads it back.
type ServiceLog struct {
	records    []string
	numRecords int
	mx         sync.Mutex
}

func (s *ServiceLog) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	s.mx.Lock()
	if s.records == nil {
		s.records = make([]string, maxServiceLogRecords)
	}
	for _, line := range strings.Split(str, "\n") {
		s.records[s.numRecords%len(s.records)] = line
		s.numRecords++
	}
	s.mx.Unlock()
	return len(b), nil
}

// Lines returns the retained lines, oldest first.
func (s *ServiceLog) Lines() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.records == nil {
		return nil
	}
	cnt := s.numRecords
	if cnt > len(s.records) {
		cnt = len(s.records)
	}
	lines := make([]string, 0, cnt)
	for i := s.numRecords - cnt; i < s.numRecords; i++ {
		lines = append(lines, s.records[i%len(s.records)])
	}
	return lines
}
