// Package audit persists the dispatch event trail to an append-only JSONL
// file so slot history survives a process restart.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Record is one audited dispatch event.
type Record struct {
	Timestamp    time.Time      `json:"timestamp"`
	Kind         string         `json:"kind"`
	BroadcastID  string         `json:"broadcast_id,omitempty"`
	AssignmentID string         `json:"assignment_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	DriverID     string         `json:"driver_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Query filters records on read.
type Query struct {
	Start       time.Time
	End         time.Time
	Kind        string
	BroadcastID string
}

// JSONLStore stores audit records in a JSONL file.
type JSONLStore struct {
	path string
	mu   sync.Mutex
}

func NewJSONLStore(path string) (*JSONLStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if cerr := f.Close(); cerr != nil {
		return nil, cerr
	}
	return &JSONLStore{path: path}, nil
}

func (s *JSONLStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	return enc.Encode(rec)
}

func (s *JSONLStore) Query(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var res []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && r.Timestamp.After(q.End) {
			continue
		}
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		if q.BroadcastID != "" && r.BroadcastID != q.BroadcastID {
			continue
		}
		res = append(res, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *JSONLStore) Close() error { return nil }
