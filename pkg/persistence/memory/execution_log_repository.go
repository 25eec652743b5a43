package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nornlabs/norn/pkg/models"
)

// ExecutionLogRepository keeps the audit trail in an append-only slice.
type ExecutionLogRepository struct {
	mu      sync.RWMutex
	nextID  int64
	entries []*models.ExecutionLogEntry
}

// NewExecutionLogRepository creates an empty execution log repository.
func NewExecutionLogRepository() *ExecutionLogRepository {
	return &ExecutionLogRepository{}
}

func (r *ExecutionLogRepository) Append(_ context.Context, entry *models.ExecutionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	entry.ID = r.nextID
	entry.CreatedAt = time.Now().UTC()

	stored := *entry
	stored.Details = append([]byte(nil), entry.Details...)

	r.entries = append(r.entries, &stored)

	return nil
}

func (r *ExecutionLogRepository) ListByInstance(_ context.Context, instanceID int64, limit int) ([]*models.ExecutionLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*models.ExecutionLogEntry, 0)

	for _, entry := range r.entries {
		if entry.WorkflowInstanceID != instanceID {
			continue
		}

		clone := *entry
		entries = append(entries, &clone)

		if limit > 0 && len(entries) >= limit {
			break
		}
	}

	return entries, nil
}
