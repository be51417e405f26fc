package engine

import (
	"sync"
	"time"

	"agentrelay/internal/domain"
)

// logCap bounds the feed to the most recent entries.
const logCap = 50

// ExecutionLog is the append-only feed of human-readable orchestration
// events. Entries are held newest first and truncated to the cap; Seq keeps
// growing so consumers can cursor past the truncation.
type ExecutionLog struct {
	mu      sync.Mutex
	seq     int64
	entries []domain.LogEntry
	now     func() time.Time
}

func NewExecutionLog(now func() time.Time) *ExecutionLog {
	if now == nil {
		now = time.Now
	}
	return &ExecutionLog{now: now}
}

func (l *ExecutionLog) Append(message string, typ domain.LogType) domain.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	entry := domain.LogEntry{
		Seq:       l.seq,
		Timestamp: l.now().UTC().Format(time.RFC3339),
		Message:   message,
		Type:      typ,
	}
	l.entries = append([]domain.LogEntry{entry}, l.entries...)
	if len(l.entries) > logCap {
		l.entries = l.entries[:logCap]
	}
	return entry
}

// Snapshot returns the retained entries, newest first.
func (l *ExecutionLog) Snapshot() []domain.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// After returns retained entries with Seq greater than cursor, oldest first,
// so dispatchers can deliver them in occurrence order.
func (l *ExecutionLog) After(cursor int64) []domain.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.LogEntry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Seq > cursor {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// LastSeq is the sequence number of the newest entry, 0 when empty.
func (l *ExecutionLog) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
