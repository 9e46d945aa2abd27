// Package inmem provides an in-memory implementation of audit.Sink for
// tests and local development. Production deployments use
// features/audit/mongo.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/audit"
)

type (
	// Sink implements audit.Sink in memory.
	Sink struct {
		mu sync.Mutex
		// per-session monotonically increasing sequence.
		nextSeq map[fabric.SessionKey]int64
		// per-session ordered records.
		records map[fabric.SessionKey][]*audit.TurnRecord
	}
)

// New returns an empty in-memory audit sink.
func New() *Sink {
	return &Sink{
		nextSeq: make(map[fabric.SessionKey]int64),
		records: make(map[fabric.SessionKey][]*audit.TurnRecord),
	}
}

// Append implements audit.Sink.
func (s *Sink) Append(_ context.Context, rec *audit.TurnRecord) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	if rec.SessionKey == "" {
		return fmt.Errorf("session_key is required")
	}
	if rec.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert: a retried commit re-records the same terminal turn.
	for i, existing := range s.records[rec.SessionKey] {
		if existing.TurnID == rec.TurnID {
			rec.ID = existing.ID
			dup := *rec
			s.records[rec.SessionKey][i] = &dup
			return nil
		}
	}

	seq := s.nextSeq[rec.SessionKey] + 1
	s.nextSeq[rec.SessionKey] = seq

	rec.ID = strconv.FormatInt(seq, 10)
	dup := *rec
	s.records[rec.SessionKey] = append(s.records[rec.SessionKey], &dup)
	return nil
}

// List implements audit.Sink.
func (s *Sink) List(_ context.Context, key fabric.SessionKey, cursor string, limit int) (audit.Page, error) {
	if key == "" {
		return audit.Page{}, fmt.Errorf("session_key is required")
	}
	if limit <= 0 {
		return audit.Page{}, fmt.Errorf("limit must be > 0")
	}

	var after int64
	if cursor != "" {
		id, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return audit.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		after = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.records[key]
	if len(all) == 0 {
		return audit.Page{}, nil
	}

	start := 0
	if after > 0 {
		// IDs are 1-based sequence numbers, so start at index == after.
		start = int(after)
		if start >= len(all) {
			return audit.Page{}, nil
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	records := append([]*audit.TurnRecord(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = records[len(records)-1].ID
	}

	return audit.Page{Records: records, NextCursor: next}, nil
}
