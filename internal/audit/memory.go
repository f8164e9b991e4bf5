package audit

import (
	"context"
	"slices"
	"sync"
)

// MemoryLog is an in-process Writer and Reader used in local mode and tests.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry

	// FailWith, when set, makes AppendBatch fail with the returned error.
	FailWith func() error
}

var (
	_ Writer = (*MemoryLog)(nil)
	_ Reader = (*MemoryLog)(nil)
)

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (m *MemoryLog) AppendBatch(ctx context.Context, entries []Entry) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		if err := m.FailWith(); err != nil {
			return nil, err
		}
	}
	prev, seq := "", int64(0)
	if n := len(m.entries); n > 0 {
		prev, seq = m.entries[n-1].Checksum, m.entries[n-1].Seq
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		seq++
		e.Seq = seq
		e.Seal(prev)
		prev = e.Checksum
		out[i] = e
	}
	m.entries = append(m.entries, out...)
	return slices.Clone(out), nil
}

func (m *MemoryLog) ListAudit(ctx context.Context, f Filter) (ListResult, error) {
	f = f.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if f.Matches(m.entries[i]) {
			matched = append(matched, m.entries[i])
		}
	}
	res := ListResult{Total: len(matched), Limit: f.Limit, Offset: f.Offset, Entries: []Entry{}}
	if f.Offset < len(matched) {
		end := min(f.Offset+f.Limit, len(matched))
		res.Entries = slices.Clone(matched[f.Offset:end])
	}
	return res, nil
}

func (m *MemoryLog) ChainPage(ctx context.Context, afterSeq int64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Seq > afterSeq {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
