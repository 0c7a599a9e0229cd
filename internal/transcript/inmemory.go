package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryArchive keeps records in process for local/dev use.
type InMemoryArchive struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewInMemoryArchive() *InMemoryArchive {
	return &InMemoryArchive{records: make(map[string][]Record)}
}

func (a *InMemoryArchive) SaveTurn(_ context.Context, record Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	a.records[record.SessionID] = append(a.records[record.SessionID], record)
	return nil
}

// Records returns the archived turns of one session in save order.
func (a *InMemoryArchive) Records(sessionID string) []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	arr := a.records[sessionID]
	out := make([]Record, len(arr))
	copy(out, arr)
	return out
}

func (a *InMemoryArchive) Close() error { return nil }
