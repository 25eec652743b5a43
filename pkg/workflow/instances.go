package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

// startLeaseTTL bounds how long a crashed starter can block other start
// requests for the same mutex or business key.
const startLeaseTTL = 5 * time.Second

// startLeaseRetryDelay paces acquisition retries while another start request
// holds the advisory lease.
const startLeaseRetryDelay = 25 * time.Millisecond

// startLeaseMaxWait caps how long a start request waits for the advisory
// lease before giving up.
const startLeaseMaxWait = 2 * time.Second

// InstanceValidator is a caller-supplied check run against a candidate
// instance before it is persisted. Any error aborts creation.
type InstanceValidator func(ctx context.Context, instance *models.WorkflowInstance) error

// StartOptions controls how an instance is obtained.
type StartOptions struct {
	// ExternalID is the caller-supplied idempotency key. Starting twice with
	// the same external id returns the existing instance instead of creating
	// a second one. Generated when empty.
	ExternalID string

	// BusinessKey enforces domain uniqueness: at most one instance, of any
	// status, may ever exist for a given business key.
	BusinessKey string

	// MutexKey enforces coarse-grained exclusivity across possibly unrelated
	// business keys; only consulted when Exclusive is set.
	MutexKey string

	// Exclusive requests the mutex-key check: at most one non-terminal
	// instance may hold MutexKey.
	Exclusive bool

	// Resume switches GetOrCreate to reclaiming an interrupted instance
	// instead of creating one.
	Resume bool

	Variables  map[string]any
	Validators []InstanceValidator
}

// InstanceService manages workflow instance lifecycle: creation with
// exclusivity rules, reclamation of interrupted instances, and idempotent
// node instance creation.
type InstanceService struct {
	persistence persistence.Persistence
	locks       *LockService
	config      Config
	logger      *slog.Logger
}

// NewInstanceService creates an instance service.
func NewInstanceService(persist persistence.Persistence, locks *LockService, config Config, logger *slog.Logger) *InstanceService {
	return &InstanceService{
		persistence: persist,
		locks:       locks,
		config:      config,
		logger:      logger.With("module", "instance_service"),
	}
}

// GetOrCreate returns the instance a start request should operate on.
//
// A fresh start checks the external id (idempotent re-entry), the mutex key
// (when Exclusive), and the business key, in that order; a violated rule
// returns a *ConflictError carrying the conflicting instance. The checks and
// the insert run under short advisory leases keyed by the mutex and business
// keys, so two racing engines resolve to one winner and one conflict instead
// of two instances.
//
// With Resume set it reclaims an interrupted instance of the definition and
// returns (nil, nil) when none exists; resumption never creates rows.
func (s *InstanceService) GetOrCreate(ctx context.Context, definitionID string, opts StartOptions) (*models.WorkflowInstance, error) {
	if opts.Resume {
		return s.resumeInterrupted(ctx, definitionID, opts)
	}

	if opts.ExternalID != "" {
		existing, err := s.findByExternalID(ctx, definitionID, opts.ExternalID)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	release, err := s.acquireStartLeases(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer release()

	if opts.Exclusive && opts.MutexKey != "" {
		holder, err := s.persistence.Instances().CheckInstanceLock(ctx, opts.MutexKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check instance lock for mutex %q: %w", opts.MutexKey, err)
		}

		if holder != nil {
			return nil, &ConflictError{Kind: ConflictKindMutex, Key: opts.MutexKey, Conflicting: holder}
		}
	}

	if opts.BusinessKey != "" {
		owner, err := s.persistence.Instances().CheckBusinessInstanceLock(ctx, opts.BusinessKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check business lock for key %q: %w", opts.BusinessKey, err)
		}

		if owner != nil {
			return nil, &ConflictError{Kind: ConflictKindBusinessKey, Key: opts.BusinessKey, Conflicting: owner}
		}
	}

	return s.create(ctx, definitionID, opts)
}

// FindInterrupted lists instances the recovery sweep should resume: paused,
// or running with a heartbeat older than the staleness threshold.
func (s *InstanceService) FindInterrupted(ctx context.Context) ([]*models.WorkflowInstance, error) {
	instances, err := s.persistence.Instances().FindInterrupted(ctx, s.config.StaleThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to find interrupted instances: %w", err)
	}

	return instances, nil
}

// GetNextNode resolves the node following current in the definition graph and
// returns its NodeInstance, creating the row if this is the first visit. A
// nil current means the graph's start node; (nil, nil) means the graph ended.
//
// The lookup-or-create is idempotent so re-entrant execution after a crash
// never double-creates node state.
func (s *InstanceService) GetNextNode(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance, current *models.NodeInstance) (*models.NodeInstance, error) {
	graph := definition.Definition

	var nextID string

	if current == nil {
		nextID = graph.StartNodeID
	} else {
		currentDef := graph.Node(current.NodeID)
		if currentDef == nil {
			return nil, NewValidationError("node", fmt.Sprintf("node %s is not part of definition %s", current.NodeID, definition.ID), nil)
		}

		nextID = currentDef.Next
	}

	if nextID == "" {
		return nil, nil
	}

	nextDef := graph.Node(nextID)
	if nextDef == nil {
		if current == nil {
			return nil, NewValidationError("node", fmt.Sprintf("start node %s does not exist in definition %s", nextID, definition.ID), nil)
		}

		return nil, NewValidationError("node", fmt.Sprintf("node %s references unknown next node %s", current.NodeID, nextID), nil)
	}

	return s.EnsureNodeInstance(ctx, instance, nextDef)
}

// EnsureNodeInstance looks up the NodeInstance for (instance, node) and
// creates it in status pending when absent. A unique index backstops racing
// creators; on conflict the existing row is re-fetched and returned.
func (s *InstanceService) EnsureNodeInstance(ctx context.Context, instance *models.WorkflowInstance, nodeDef *models.NodeDefinition) (*models.NodeInstance, error) {
	nodes := s.persistence.NodeInstances()

	existing, err := nodes.GetByInstanceAndNodeID(ctx, instance.ID, nodeDef.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up node %s for instance %d: %w", nodeDef.ID, instance.ID, err)
	}

	if existing != nil {
		return existing, nil
	}

	node := &models.NodeInstance{
		WorkflowInstanceID: instance.ID,
		NodeID:             nodeDef.ID,
		Type:               nodeDef.Type,
		Status:             models.NodeStatusPending,
	}

	err = nodes.Create(ctx, node)
	if err != nil {
		if errors.Is(err, persistence.ErrNodeInstanceExists) {
			return nodes.GetByInstanceAndNodeID(ctx, instance.ID, nodeDef.ID)
		}

		return nil, fmt.Errorf("failed to create node %s for instance %d: %w", nodeDef.ID, instance.ID, err)
	}

	return node, nil
}

func (s *InstanceService) findByExternalID(ctx context.Context, definitionID, externalID string) (*models.WorkflowInstance, error) {
	existing, err := s.persistence.Instances().GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up external id %q: %w", externalID, err)
	}

	if existing == nil {
		return nil, nil
	}

	if existing.DefinitionID != definitionID {
		return nil, &ConflictError{Kind: ConflictKindExternalID, Key: externalID, Conflicting: existing}
	}

	return existing, nil
}

func (s *InstanceService) create(ctx context.Context, definitionID string, opts StartOptions) (*models.WorkflowInstance, error) {
	externalID := opts.ExternalID
	if externalID == "" {
		externalID = fmt.Sprintf("wf-%s", uuid.New().String())
	}

	now := time.Now().UTC()
	instance := &models.WorkflowInstance{
		DefinitionID: definitionID,
		ExternalID:   externalID,
		BusinessKey:  opts.BusinessKey,
		MutexKey:     opts.MutexKey,
		Status:       models.InstanceStatusPending,
		Variables:    opts.Variables,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for _, validate := range opts.Validators {
		if err := validate(ctx, instance); err != nil {
			return nil, fmt.Errorf("instance validation failed: %w", err)
		}
	}

	err := s.persistence.Instances().Create(ctx, instance)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceExists) {
			// Lost an external-id race despite the pre-check.
			return s.findByExternalID(ctx, definitionID, externalID)
		}

		return nil, fmt.Errorf("failed to create instance for definition %s: %w", definitionID, err)
	}

	s.logger.InfoContext(ctx, "created workflow instance",
		"instance_id", instance.ID,
		"definition_id", definitionID,
		"external_id", externalID)

	return instance, nil
}

func (s *InstanceService) resumeInterrupted(ctx context.Context, definitionID string, opts StartOptions) (*models.WorkflowInstance, error) {
	interrupted, err := s.FindInterrupted(ctx)
	if err != nil {
		return nil, err
	}

	for _, candidate := range interrupted {
		if definitionID != "" && candidate.DefinitionID != definitionID {
			continue
		}

		if opts.ExternalID != "" && candidate.ExternalID != opts.ExternalID {
			continue
		}

		reclaimed, err := s.persistence.Instances().UpdateStatus(ctx, candidate.ID, persistence.StatusUpdate{
			From:     []models.InstanceStatus{candidate.Status},
			To:       models.InstanceStatusRunning,
			EngineID: s.config.EngineID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to reclaim instance %d: %w", candidate.ID, err)
		}

		if !reclaimed {
			// Another engine or a stop request got there first.
			continue
		}

		refreshed, err := s.persistence.Instances().GetByID(ctx, candidate.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload instance %d: %w", candidate.ID, err)
		}

		s.logger.InfoContext(ctx, "reclaimed interrupted instance",
			"instance_id", candidate.ID,
			"previous_status", candidate.Status)

		return refreshed, nil
	}

	return nil, nil
}

// acquireStartLeases serializes racing start requests on the same mutex or
// business key with short advisory leases. Keys are taken in sorted order so
// two requests sharing both keys cannot deadlock. The returned release drops
// whatever was acquired.
func (s *InstanceService) acquireStartLeases(ctx context.Context, opts StartOptions) (func(), error) {
	var keys []string

	if opts.Exclusive && opts.MutexKey != "" {
		keys = append(keys, "start:mutex:"+opts.MutexKey)
	}

	if opts.BusinessKey != "" {
		keys = append(keys, "start:business:"+opts.BusinessKey)
	}

	if len(keys) == 0 {
		return func() {}, nil
	}

	sort.Strings(keys)

	// Per-call owner: two goroutines of one engine must not share ownership.
	owner := fmt.Sprintf("%s:%s", s.config.EngineID, uuid.New().String()[:8])

	held := make([]string, 0, len(keys))
	release := func() {
		for _, key := range held {
			if _, err := s.locks.Release(context.WithoutCancel(ctx), key, owner); err != nil {
				s.logger.WarnContext(ctx, "failed to release start lease", "lock_key", key, "error", err)
			}
		}
	}

	deadline := time.Now().Add(startLeaseMaxWait)

	for _, key := range keys {
		for {
			acquired, err := s.locks.Acquire(ctx, key, owner, startLeaseTTL)
			if err != nil {
				release()

				return nil, err
			}

			if acquired {
				held = append(held, key)

				break
			}

			if time.Now().After(deadline) {
				release()

				return nil, fmt.Errorf("start request for %q timed out waiting for a concurrent start: %w", key, ErrLockNotAcquired)
			}

			select {
			case <-ctx.Done():
				release()

				return nil, ctx.Err()
			case <-time.After(startLeaseRetryDelay):
			}
		}
	}

	return release, nil
}
