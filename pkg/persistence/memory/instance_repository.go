package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

// InstanceRepository stores workflow instances in a map keyed by the
// generated numeric ID.
type InstanceRepository struct {
	mu         sync.RWMutex
	nextID     int64
	instances  map[int64]*models.WorkflowInstance
	byExternal map[string]int64
}

// NewInstanceRepository creates an empty instance repository.
func NewInstanceRepository() *InstanceRepository {
	return &InstanceRepository{
		instances:  make(map[int64]*models.WorkflowInstance),
		byExternal: make(map[string]int64),
	}
}

func (r *InstanceRepository) Create(_ context.Context, instance *models.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byExternal[instance.ExternalID]; ok {
		return persistence.ErrInstanceExists
	}

	r.nextID++
	instance.ID = r.nextID

	now := time.Now().UTC()

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	r.instances[instance.ID] = cloneInstance(instance)
	r.byExternal[instance.ExternalID] = instance.ID

	return nil
}

func (r *InstanceRepository) GetByID(_ context.Context, id int64) (*models.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.instances[id]
	if !ok {
		return nil, nil
	}

	return cloneInstance(instance), nil
}

func (r *InstanceRepository) GetByExternalID(_ context.Context, externalID string) (*models.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byExternal[externalID]
	if !ok {
		return nil, nil
	}

	return cloneInstance(r.instances[id]), nil
}

func (r *InstanceRepository) FindByBusinessKey(_ context.Context, businessKey string) ([]*models.WorkflowInstance, error) {
	return r.collect(func(instance *models.WorkflowInstance) bool {
		return instance.BusinessKey == businessKey && businessKey != ""
	}), nil
}

func (r *InstanceRepository) FindByMutexKey(_ context.Context, mutexKey string) ([]*models.WorkflowInstance, error) {
	return r.collect(func(instance *models.WorkflowInstance) bool {
		return instance.MutexKey == mutexKey && mutexKey != ""
	}), nil
}

func (r *InstanceRepository) CheckInstanceLock(_ context.Context, mutexKey string) (*models.WorkflowInstance, error) {
	holders := r.collect(func(instance *models.WorkflowInstance) bool {
		return mutexKey != "" && instance.MutexKey == mutexKey && !instance.IsTerminal()
	})
	if len(holders) == 0 {
		return nil, nil
	}

	return holders[0], nil
}

func (r *InstanceRepository) CheckBusinessInstanceLock(_ context.Context, businessKey string) (*models.WorkflowInstance, error) {
	owners := r.collect(func(instance *models.WorkflowInstance) bool {
		return businessKey != "" && instance.BusinessKey == businessKey
	})
	if len(owners) == 0 {
		return nil, nil
	}

	return owners[0], nil
}

func (r *InstanceRepository) FindInterrupted(_ context.Context, heartbeatTimeout time.Duration) ([]*models.WorkflowInstance, error) {
	now := time.Now().UTC()

	return r.collect(func(instance *models.WorkflowInstance) bool {
		return instance.IsInterrupted(heartbeatTimeout, now)
	}), nil
}

func (r *InstanceRepository) UpdateStatus(_ context.Context, id int64, update persistence.StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.instances[id]
	if !ok {
		return false, nil
	}

	if len(update.From) > 0 {
		allowed := false

		for _, from := range update.From {
			if instance.Status == from {
				allowed = true

				break
			}
		}

		if !allowed {
			return false, nil
		}
	}

	now := time.Now().UTC()

	instance.Status = update.To
	instance.UpdatedAt = now

	if update.EngineID != "" {
		instance.EngineID = update.EngineID
	}

	if update.ErrorMessage != "" {
		instance.ErrorMessage = update.ErrorMessage
	}

	if update.ErrorDetails != nil {
		instance.ErrorDetails = append([]byte(nil), update.ErrorDetails...)
	}

	if update.FailedNodeID != "" {
		instance.FailedNodeID = update.FailedNodeID
	}

	if update.To == models.InstanceStatusRunning && instance.StartedAt == nil {
		startedAt := now
		instance.StartedAt = &startedAt
	}

	if update.To.IsTerminal() {
		finishedAt := now
		instance.FinishedAt = &finishedAt
	}

	return true, nil
}

func (r *InstanceRepository) BatchUpdateStatus(_ context.Context, ids []int64, from, to models.InstanceStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	var moved int64

	for _, id := range ids {
		instance, ok := r.instances[id]
		if !ok || instance.Status != from {
			continue
		}

		instance.Status = to
		instance.UpdatedAt = now
		moved++
	}

	return moved, nil
}

func (r *InstanceRepository) UpdateCurrentNode(_ context.Context, id int64, currentNodeID string, checkpoint []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.instances[id]
	if !ok {
		return persistence.ErrInstanceNotFound
	}

	instance.CurrentNodeID = currentNodeID
	instance.CheckpointData = append([]byte(nil), checkpoint...)
	instance.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *InstanceRepository) UpdateHeartbeat(_ context.Context, id int64, engineID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.instances[id]
	if !ok {
		return persistence.ErrInstanceNotFound
	}

	now := time.Now().UTC()
	instance.EngineID = engineID
	instance.LastHeartbeatAt = &now
	instance.UpdatedAt = now

	return nil
}

func (r *InstanceRepository) List(_ context.Context, filter persistence.InstanceFilter) ([]*models.WorkflowInstance, error) {
	instances := r.collect(func(instance *models.WorkflowInstance) bool {
		if filter.DefinitionID != "" && instance.DefinitionID != filter.DefinitionID {
			return false
		}

		if filter.Status != "" && instance.Status != filter.Status {
			return false
		}

		if filter.BusinessKey != "" && instance.BusinessKey != filter.BusinessKey {
			return false
		}

		return true
	})

	// Newest first, to match what operators expect from a listing.
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID > instances[j].ID
	})

	if filter.Limit > 0 && len(instances) > filter.Limit {
		instances = instances[:filter.Limit]
	}

	return instances, nil
}

// collect snapshots matching instances in creation order.
func (r *InstanceRepository) collect(match func(*models.WorkflowInstance) bool) []*models.WorkflowInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]*models.WorkflowInstance, 0)

	for _, instance := range r.instances {
		if match(instance) {
			instances = append(instances, cloneInstance(instance))
		}
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})

	return instances
}

func cloneInstance(instance *models.WorkflowInstance) *models.WorkflowInstance {
	clone := *instance
	clone.CheckpointData = append([]byte(nil), instance.CheckpointData...)
	clone.ErrorDetails = append([]byte(nil), instance.ErrorDetails...)

	if instance.Variables != nil {
		clone.Variables = make(map[string]any, len(instance.Variables))
		for key, value := range instance.Variables {
			clone.Variables[key] = value
		}
	}

	if instance.LastHeartbeatAt != nil {
		heartbeat := *instance.LastHeartbeatAt
		clone.LastHeartbeatAt = &heartbeat
	}

	if instance.StartedAt != nil {
		startedAt := *instance.StartedAt
		clone.StartedAt = &startedAt
	}

	if instance.FinishedAt != nil {
		finishedAt := *instance.FinishedAt
		clone.FinishedAt = &finishedAt
	}

	return &clone
}
