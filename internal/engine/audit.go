package engine

import (
	"sync"
	"time"

	"guardline/internal/domain"
)

// AuditLog is the in-memory, append-only record of write attempts. When Max
// is positive the oldest entries are discarded beyond it.
type AuditLog struct {
	Max int

	mu      sync.RWMutex
	entries []auditRecord
}

type auditRecord struct {
	at    time.Time
	entry domain.AuditEntry
}

// AuditFilter selects audit entries. Zero fields match everything.
type AuditFilter struct {
	Channel string
	Outcome string
	Since   time.Time
	Until   time.Time
	Limit   int
}

func NewAuditLog(max int) *AuditLog {
	return &AuditLog{Max: max}
}

func (l *AuditLog) Append(at time.Time, e domain.AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, auditRecord{at: at, entry: e})
	if l.Max > 0 && len(l.entries) > l.Max {
		l.entries = append([]auditRecord(nil), l.entries[len(l.entries)-l.Max:]...)
	}
}

// Query returns matching entries oldest first; Limit keeps the newest.
func (l *AuditLog) Query(f AuditFilter) []domain.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.AuditEntry
	for _, r := range l.entries {
		if f.Channel != "" && r.entry.Channel != f.Channel {
			continue
		}
		if f.Outcome != "" && r.entry.Outcome != f.Outcome {
			continue
		}
		if !f.Since.IsZero() && r.at.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && r.at.After(f.Until) {
			continue
		}
		out = append(out, r.entry)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
