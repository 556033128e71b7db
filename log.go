// Copyright 2026 The Govisor Authors
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

package devvisor

import (
	"bytes"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	MaxLogRecords = 1000
)

// LogRecord is one line of the session log.  Lines written by zerolog are
// decoded, so that Level and Text are filled in and Fields carries the
// remaining structured data.
type LogRecord struct {
	Id     int64          `json:"id,string"`
	Time   time.Time      `json:"time"`
	Level  string         `json:"level,omitempty"`
	Text   string         `json:"text"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Log is a bounded ring of log records, kept in memory for the status
// API and the log command.  It is usually the sink of a zerolog.Logger.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

func (log *Log) lock() {
	log.mx.Lock()
}

func (log *Log) unlock() {
	log.mx.Unlock()
}

func parseRecord(line []byte) LogRecord {
	rec := LogRecord{Time: time.Now()}
	var fields map[string]any
	if len(line) == 0 || line[0] != '{' || json.Unmarshal(line, &fields) != nil {
		rec.Text = string(line)
		return rec
	}
	if v, ok := fields["level"].(string); ok {
		rec.Level = v
		delete(fields, "level")
	}
	if v, ok := fields["message"].(string); ok {
		rec.Text = v
		delete(fields, "message")
	}
	if v, ok := fields["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.Time = t
		}
		delete(fields, "time")
	}
	if len(fields) > 0 {
		rec.Fields = fields
	}
	return rec
}

// Write implements io.Writer.  Each newline terminated line becomes a
// record.
func (log *Log) Write(b []byte) (int, error) {
	lines := bytes.Split(bytes.Trim(b, "\n"), []byte("\n"))
	recs := make([]LogRecord, 0, len(lines))
	for _, line := range lines {
		recs = append(recs, parseRecord(line))
	}
	log.lock()
	if log.maxRecords == 0 {
		log.maxRecords = MaxLogRecords
	}
	if log.records == nil {
		log.records = make([]LogRecord, log.maxRecords)
		log.numRecords = 0
	}
	for _, rec := range recs {
		idx := log.numRecords % log.maxRecords
		log.id++
		rec.Id = log.id
		log.records[idx] = rec
		// NB: numRecords may actually be more than maxRecords.
		// In that case, we've looped, but we use this really to
		// track the next index.
		log.numRecords++
	}
	for cv := range log.cvs {
		cv.Broadcast()
	}
	log.unlock()
	return len(b), nil
}

func (log *Log) Clear() {
	log.lock()
	log.numRecords = 0
	// We presume that we cannot add new records more quickly than
	// once every nanosecond.
	log.id = time.Now().UnixNano()
	log.unlock()
}

// GetRecords returns the records that are stored, as well as an ID
// suitable for use as an Etag.  If last equals the current ID, nil is
// returned immediately without duplicating any records.
func (log *Log) GetRecords(last int64) ([]LogRecord, int64) {
	log.lock()
	defer log.unlock()
	if log.id == last {
		return nil, last
	}
	return log.tail(log.maxRecords), log.id
}

// Tail returns at most the n most recent records, oldest first.
func (log *Log) Tail(n int) []LogRecord {
	log.lock()
	defer log.unlock()
	return log.tail(n)
}

func (log *Log) tail(n int) []LogRecord {
	cnt := log.numRecords
	if cnt > log.maxRecords {
		cnt = log.maxRecords
	}
	if n >= 0 && cnt > n {
		cnt = n
	}
	recs := make([]LogRecord, 0, cnt)
	index := log.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, log.records[index%log.maxRecords])
		index++
	}
	return recs
}

// Watch waits until the log ID differs from last, or expire elapses, and
// returns the then current ID.  Zero expire polls.
func (log *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&log.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			log.lock()
			expired = true
			cv.Broadcast()
			log.unlock()
		})
	} else {
		expired = true
	}

	log.lock()
	log.cvs[cv] = true
	for log.id == last && !expired {
		cv.Wait()
	}
	delete(log.cvs, cv)
	last = log.id
	log.unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// NewLog returns a Log holding up to max records; zero selects
// MaxLogRecords.
func NewLog(max int) *Log {
	if max <= 0 {
		max = MaxLogRecords
	}
	log := &Log{
		maxRecords: max,
		records:    make([]LogRecord, max),
		id:         time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
	}
	return log
}
