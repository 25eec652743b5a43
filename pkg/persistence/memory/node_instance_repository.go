package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

// NodeInstanceRepository stores node instances in maps keyed by generated ID
// and by the unique (instance, node id) pair.
type NodeInstanceRepository struct {
	mu     sync.RWMutex
	nextID int64
	nodes  map[int64]*models.NodeInstance
	byKey  map[string]int64
}

// NewNodeInstanceRepository creates an empty node instance repository.
func NewNodeInstanceRepository() *NodeInstanceRepository {
	return &NodeInstanceRepository{
		nodes: make(map[int64]*models.NodeInstance),
		byKey: make(map[string]int64),
	}
}

func nodeKey(instanceID int64, nodeID string) string {
	return fmt.Sprintf("%d:%s", instanceID, nodeID)
}

func (r *NodeInstanceRepository) Create(_ context.Context, node *models.NodeInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.insert(node)
}

func (r *NodeInstanceRepository) CreateMany(_ context.Context, nodes []*models.NodeInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range nodes {
		err := r.insertOrReuse(node)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *NodeInstanceRepository) CreateLoopChildren(_ context.Context, parentID int64, children []*models.NodeInstance, progress *models.LoopProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.nodes[parentID]
	if !ok {
		return persistence.ErrNodeInstanceNotFound
	}

	for _, child := range children {
		err := r.insertOrReuse(child)
		if err != nil {
			return err
		}
	}

	parent.Progress = cloneProgress(progress)
	parent.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *NodeInstanceRepository) GetByInstanceAndNodeID(_ context.Context, instanceID int64, nodeID string) (*models.NodeInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[nodeKey(instanceID, nodeID)]
	if !ok {
		return nil, nil
	}

	return cloneNodeInstance(r.nodes[id]), nil
}

func (r *NodeInstanceRepository) GetByID(_ context.Context, id int64) (*models.NodeInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, nil
	}

	return cloneNodeInstance(node), nil
}

func (r *NodeInstanceRepository) UpdateStatus(_ context.Context, id int64, status models.NodeStatus, errorMessage string, errorDetails []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return persistence.ErrNodeInstanceNotFound
	}

	now := time.Now().UTC()

	node.Status = status
	node.UpdatedAt = now

	if errorMessage != "" {
		node.ErrorMessage = errorMessage
	}

	if errorDetails != nil {
		node.ErrorDetails = append([]byte(nil), errorDetails...)
	}

	if status == models.NodeStatusRunning && node.StartedAt == nil {
		startedAt := now
		node.StartedAt = &startedAt
	}

	if status.IsTerminal() {
		finishedAt := now
		node.FinishedAt = &finishedAt
	}

	return nil
}

func (r *NodeInstanceRepository) UpdateLoopProgress(_ context.Context, id int64, progress *models.LoopProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return persistence.ErrNodeInstanceNotFound
	}

	node.Progress = cloneProgress(progress)
	node.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *NodeInstanceRepository) IncrementAttempt(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return persistence.ErrNodeInstanceNotFound
	}

	node.Attempt++
	node.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *NodeInstanceRepository) FindPendingChildren(_ context.Context, parentID int64) ([]*models.NodeInstance, error) {
	return r.collect(func(node *models.NodeInstance) bool {
		return node.ParentID != nil && *node.ParentID == parentID && !node.Status.IsTerminal()
	}), nil
}

func (r *NodeInstanceRepository) FindChildren(_ context.Context, parentID int64) ([]*models.NodeInstance, error) {
	return r.collect(func(node *models.NodeInstance) bool {
		return node.ParentID != nil && *node.ParentID == parentID
	}), nil
}

func (r *NodeInstanceRepository) ListByInstance(_ context.Context, instanceID int64) ([]*models.NodeInstance, error) {
	return r.collect(func(node *models.NodeInstance) bool {
		return node.WorkflowInstanceID == instanceID
	}), nil
}

// insert adds a new row; the caller must hold the write lock.
func (r *NodeInstanceRepository) insert(node *models.NodeInstance) error {
	key := nodeKey(node.WorkflowInstanceID, node.NodeID)

	if _, ok := r.byKey[key]; ok {
		return persistence.ErrNodeInstanceExists
	}

	r.nextID++
	node.ID = r.nextID

	now := time.Now().UTC()

	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}

	node.UpdatedAt = now

	r.nodes[node.ID] = cloneNodeInstance(node)
	r.byKey[key] = node.ID

	return nil
}

// insertOrReuse adds a new row or backfills the ID of an existing one; the
// caller must hold the write lock.
func (r *NodeInstanceRepository) insertOrReuse(node *models.NodeInstance) error {
	err := r.insert(node)
	if err != nil {
		if errors.Is(err, persistence.ErrNodeInstanceExists) {
			node.ID = r.byKey[nodeKey(node.WorkflowInstanceID, node.NodeID)]

			return nil
		}

		return err
	}

	return nil
}

func (r *NodeInstanceRepository) collect(match func(*models.NodeInstance) bool) []*models.NodeInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*models.NodeInstance, 0)

	for _, node := range r.nodes {
		if match(node) {
			nodes = append(nodes, cloneNodeInstance(node))
		}
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})

	return nodes
}

func cloneNodeInstance(node *models.NodeInstance) *models.NodeInstance {
	clone := *node
	clone.Item = append([]byte(nil), node.Item...)
	clone.ErrorDetails = append([]byte(nil), node.ErrorDetails...)
	clone.Progress = cloneProgress(node.Progress)

	if node.ParentID != nil {
		parentID := *node.ParentID
		clone.ParentID = &parentID
	}

	if node.StartedAt != nil {
		startedAt := *node.StartedAt
		clone.StartedAt = &startedAt
	}

	if node.FinishedAt != nil {
		finishedAt := *node.FinishedAt
		clone.FinishedAt = &finishedAt
	}

	return &clone
}

func cloneProgress(progress *models.LoopProgress) *models.LoopProgress {
	if progress == nil {
		return nil
	}

	clone := *progress

	if progress.Children != nil {
		clone.Children = make(map[string]models.NodeStatus, len(progress.Children))
		for childID, status := range progress.Children {
			clone.Children[childID] = status
		}
	}

	return &clone
}
