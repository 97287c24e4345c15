package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/trackerbot/tracker"
)

// Memory is a process-local gateway. State is lost on restart.
type Memory struct {
	mu      sync.Mutex
	records map[tracker.Kind]map[string]tracker.Record
}

// NewMemory returns an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{records: make(map[tracker.Kind]map[string]tracker.Record)}
}

// LoadAll returns copies of the records of kind sorted by name.
func (m *Memory) LoadAll(_ context.Context, kind tracker.Kind) ([]tracker.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tracker.Record, 0, len(m.records[kind]))
	for _, rec := range m.records[kind] {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Insert stores rec, overwriting any record with the same key.
func (m *Memory) Insert(_ context.Context, rec tracker.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(rec)
	return nil
}

// Replace stores rec in place of name.
func (m *Memory) Replace(_ context.Context, kind tracker.Kind, name string, rec tracker.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Kind = kind
	delete(m.records[kind], name)
	m.putLocked(rec)
	return nil
}

// Delete removes name. Missing records are ignored.
func (m *Memory) Delete(_ context.Context, kind tracker.Kind, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[kind], name)
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) putLocked(rec tracker.Record) {
	if m.records[rec.Kind] == nil {
		m.records[rec.Kind] = make(map[string]tracker.Record)
	}
	rec = clone(rec)
	rec.UpdatedAt = time.Now().UTC()
	m.records[rec.Kind][rec.Name] = rec
}
