// Package services provides the administrative surface over workflow
// definitions: authoring, queries, and lifecycle transitions. The execution
// engine never goes through this package; it reads definitions straight from
// persistence.
package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
	"github.com/nornlabs/norn/pkg/registry"
)

// DefaultDefinitionVersion is assigned when a create request omits a version.
const DefaultDefinitionVersion = "1.0.0"

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var (
	definitionSortFields = []string{"created_at", "updated_at", "name", "version"}
	definitionSortOrders = []string{"asc", "desc"}

	definitionStatuses = []models.DefinitionStatus{
		models.DefinitionStatusDraft,
		models.DefinitionStatusActive,
		models.DefinitionStatusDeprecated,
		models.DefinitionStatusArchived,
	}
)

// Definition implements authoring and lifecycle management of workflow
// definitions. Mutations enforce the lifecycle rules: only drafts may be
// edited or deleted, and activation demotes the previously active version of
// the same name.
type Definition struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	validate    *validator.Validate
}

// NewDefinition creates a definition service backed by the given persistence
// layer. The registry may be nil, in which case executor bindings are not
// checked on create or activate.
func NewDefinition(persist persistence.Persistence, reg *registry.Registry) *Definition {
	return &Definition{
		persistence: persist,
		registry:    reg,
		validate:    validator.New(),
	}
}

// HealthCheck reports whether the service can reach its storage backend.
func (s *Definition) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "persistence layer not initialized", false
	}

	if err := s.persistence.HealthCheck(ctx); err != nil {
		return "persistence layer is unhealthy: " + err.Error(), false
	}

	return "definition service is healthy", true
}

// CreateDefinitionRequest carries the fields for a new definition version.
// An omitted Version defaults to DefaultDefinitionVersion; the definition is
// always created as a draft.
type CreateDefinitionRequest struct {
	Name              string                `json:"name"                validate:"required,min=3"`
	Version           string                `json:"version"`
	Description       string                `json:"description"`
	Category          string                `json:"category"`
	Tags              []string              `json:"tags,omitempty"`
	TimeoutSeconds    int                   `json:"timeout_seconds"     validate:"min=0"`
	MaxRetries        int                   `json:"max_retries"         validate:"min=0"`
	RetryDelaySeconds int                   `json:"retry_delay_seconds" validate:"min=0"`
	Graph             *models.WorkflowGraph `json:"definition"          validate:"required"`
}

// Create persists a new draft definition after validating the request, the
// node graph, and (when a registry is configured) the executor bindings. The
// name+version pair must not exist yet.
func (s *Definition) Create(ctx context.Context, req CreateDefinitionRequest) (*models.WorkflowDefinition, error) {
	const op = "DefinitionService.Create"

	if req.Version == "" {
		req.Version = DefaultDefinitionVersion
	}

	if err := s.validate.Struct(req); err != nil {
		return nil, NewValidationError(op, "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	existing, err := s.persistence.Definitions().GetByNameAndVersion(ctx, req.Name, req.Version)
	if err != nil {
		return nil, &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	if existing != nil {
		return nil, &ServiceError{
			Op:      op,
			Code:    "VERSION_EXISTS",
			Message: fmt.Sprintf("version %s of %s already exists", req.Version, req.Name),
			Err:     ErrVersionExists,
		}
	}

	now := time.Now().UTC()
	definition := &models.WorkflowDefinition{
		ID:                uuid.New().String(),
		Name:              req.Name,
		Version:           req.Version,
		Description:       req.Description,
		Category:          req.Category,
		Tags:              req.Tags,
		Definition:        req.Graph,
		Status:            models.DefinitionStatusDraft,
		TimeoutSeconds:    req.TimeoutSeconds,
		MaxRetries:        req.MaxRetries,
		RetryDelaySeconds: req.RetryDelaySeconds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.validateGraph(op, definition); err != nil {
		return nil, err
	}

	if err := s.persistence.Definitions().Create(ctx, definition); err != nil {
		return nil, &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	return definition, nil
}

// UpdateDefinitionRequest carries a partial update; nil fields are left
// untouched. Only draft definitions accept updates.
type UpdateDefinitionRequest struct {
	Description       *string               `json:"description,omitempty"`
	Category          *string               `json:"category,omitempty"`
	Tags              []string              `json:"tags,omitempty"`
	TimeoutSeconds    *int                  `json:"timeout_seconds,omitempty"`
	MaxRetries        *int                  `json:"max_retries,omitempty"`
	RetryDelaySeconds *int                  `json:"retry_delay_seconds,omitempty"`
	Graph             *models.WorkflowGraph `json:"definition,omitempty"`
}

// Update applies a partial update to a draft definition.
func (s *Definition) Update(ctx context.Context, id string, req UpdateDefinitionRequest) (*models.WorkflowDefinition, error) {
	const op = "DefinitionService.Update"

	if req.TimeoutSeconds != nil && *req.TimeoutSeconds < 0 {
		return nil, NewValidationError(op, "INVALID_REQUEST", "timeout_seconds cannot be negative", ErrInvalidRequest)
	}

	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return nil, NewValidationError(op, "INVALID_REQUEST", "max_retries cannot be negative", ErrInvalidRequest)
	}

	if req.RetryDelaySeconds != nil && *req.RetryDelaySeconds < 0 {
		return nil, NewValidationError(op, "INVALID_REQUEST", "retry_delay_seconds cannot be negative", ErrInvalidRequest)
	}

	definition, err := s.fetch(ctx, op, id)
	if err != nil {
		return nil, err
	}

	if definition.Status != models.DefinitionStatusDraft {
		return nil, &ServiceError{
			Op:      op,
			Code:    "NOT_DRAFT",
			Message: fmt.Sprintf("cannot modify definition in %s status", definition.Status),
			Err:     ErrNotDraft,
		}
	}

	if req.Description != nil {
		definition.Description = *req.Description
	}

	if req.Category != nil {
		definition.Category = *req.Category
	}

	if req.Tags != nil {
		definition.Tags = req.Tags
	}

	if req.TimeoutSeconds != nil {
		definition.TimeoutSeconds = *req.TimeoutSeconds
	}

	if req.MaxRetries != nil {
		definition.MaxRetries = *req.MaxRetries
	}

	if req.RetryDelaySeconds != nil {
		definition.RetryDelaySeconds = *req.RetryDelaySeconds
	}

	if req.Graph != nil {
		definition.Definition = req.Graph
	}

	definition.UpdatedAt = time.Now().UTC()

	if err := s.validateGraph(op, definition); err != nil {
		return nil, err
	}

	if err := s.persistence.Definitions().Update(ctx, definition); err != nil {
		return nil, &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	return definition, nil
}

// Get returns a definition by id.
func (s *Definition) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	const op = "DefinitionService.Get"

	if id == "" {
		return nil, NewValidationError(op, "MISSING_ID", "definition id is required", ErrInvalidRequest)
	}

	return s.fetch(ctx, op, id)
}

// GetActiveByName returns the active version of a definition name.
func (s *Definition) GetActiveByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	const op = "DefinitionService.GetActiveByName"

	if name == "" {
		return nil, NewValidationError(op, "MISSING_NAME", "definition name is required", ErrInvalidRequest)
	}

	definition, err := s.persistence.Definitions().GetActiveByName(ctx, name)
	if err != nil {
		return nil, &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	if definition == nil {
		return nil, &ServiceError{
			Op:      op,
			Code:    "NO_ACTIVE_VERSION",
			Message: fmt.Sprintf("no active version of %s", name),
			Err:     ErrNoActiveVersion,
		}
	}

	return definition, nil
}

// GetByVersion returns one exact version of a definition name.
func (s *Definition) GetByVersion(ctx context.Context, name, version string) (*models.WorkflowDefinition, error) {
	const op = "DefinitionService.GetByVersion"

	if name == "" || version == "" {
		return nil, NewValidationError(op, "MISSING_NAME", "definition name and version are required", ErrInvalidRequest)
	}

	definition, err := s.persistence.Definitions().GetByNameAndVersion(ctx, name, version)
	if err != nil {
		return nil, &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	if definition == nil {
		return nil, &ServiceError{
			Op:      op,
			Code:    "NOT_FOUND",
			Message: fmt.Sprintf("version %s of %s not found", version, name),
			Err:     ErrDefinitionNotFound,
		}
	}

	return definition, nil
}

// ListDefinitionsRequest filters and pages the definition catalog. Zero
// values fall back to defaults: sort by created_at descending, limit 20.
type ListDefinitionsRequest struct {
	Name      string                  `json:"name,omitempty"`
	Status    models.DefinitionStatus `json:"status,omitempty"`
	SortBy    string                  `json:"sort_by,omitempty"`
	SortOrder string                  `json:"sort_order,omitempty"`
	Limit     int                     `json:"limit,omitempty"`
	Offset    int                     `json:"offset,omitempty"`
}

// ListDefinitionsResponse is a page of the definition catalog.
type ListDefinitionsResponse struct {
	Definitions []*models.WorkflowDefinition `json:"definitions"`
	TotalCount  int64                        `json:"total_count"`
	HasNextPage bool                         `json:"has_next_page"`
}

// List returns definitions matching the request filters, sorted and paged.
// The repository contract has no query options, so filtering happens in the
// service; definition catalogs are small enough for that to hold up.
func (s *Definition) List(ctx context.Context, req ListDefinitionsRequest) (*ListDefinitionsResponse, error) {
	const op = "DefinitionService.List"

	if err := validateListRequest(op, &req); err != nil {
		return nil, err
	}

	var (
		definitions []*models.WorkflowDefinition
		err         error
	)

	if req.Name != "" {
		definitions, err = s.persistence.Definitions().ListByName(ctx, req.Name)
	} else {
		definitions, err = s.persistence.Definitions().List(ctx)
	}

	if err != nil {
		return nil, &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	if req.Status != "" {
		filtered := make([]*models.WorkflowDefinition, 0, len(definitions))

		for _, definition := range definitions {
			if definition.Status == req.Status {
				filtered = append(filtered, definition)
			}
		}

		definitions = filtered
	}

	sortDefinitions(definitions, req.SortBy, req.SortOrder)

	total := len(definitions)

	start := req.Offset
	if start > total {
		start = total
	}

	end := start + req.Limit
	if end > total {
		end = total
	}

	return &ListDefinitionsResponse{
		Definitions: definitions[start:end],
		TotalCount:  int64(total),
		HasNextPage: end < total,
	}, nil
}

// Delete removes a draft definition. Anything past draft stays in the
// catalog as history; archive it instead.
func (s *Definition) Delete(ctx context.Context, id string) error {
	const op = "DefinitionService.Delete"

	definition, err := s.fetch(ctx, op, id)
	if err != nil {
		return err
	}

	if definition.Status != models.DefinitionStatusDraft {
		return &ServiceError{
			Op:      op,
			Code:    "NOT_DRAFT",
			Message: fmt.Sprintf("cannot delete definition in %s status", definition.Status),
			Err:     ErrNotDraft,
		}
	}

	if err := s.persistence.Definitions().Delete(ctx, id); err != nil {
		return &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	return nil
}

func (s *Definition) fetch(ctx context.Context, op, id string) (*models.WorkflowDefinition, error) {
	definition, err := s.persistence.Definitions().GetByID(ctx, id)
	if err != nil {
		return nil, &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	if definition == nil {
		return nil, &ServiceError{
			Op:      op,
			Code:    "NOT_FOUND",
			Message: fmt.Sprintf("definition %s not found", id),
			Err:     ErrDefinitionNotFound,
		}
	}

	return definition, nil
}

// validateGraph checks the assembled definition: struct tags, the structural
// graph rules, and executor bindings when a registry is configured.
func (s *Definition) validateGraph(op string, definition *models.WorkflowDefinition) error {
	if err := s.validate.Struct(definition); err != nil {
		return NewValidationError(op, "INVALID_DEFINITION", err.Error(), ErrInvalidRequest)
	}

	if err := definition.Validate(); err != nil {
		return NewValidationError(op, "INVALID_GRAPH", err.Error(), ErrInvalidRequest)
	}

	if s.registry != nil {
		if err := s.registry.ValidateGraph(definition.Definition); err != nil {
			return NewValidationError(op, "UNRESOLVED_EXECUTORS", err.Error(), ErrInvalidRequest)
		}
	}

	return nil
}

func validateListRequest(op string, req *ListDefinitionsRequest) error {
	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}

	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	if req.SortBy == "" {
		req.SortBy = "created_at"
	}

	if req.SortOrder == "" {
		req.SortOrder = "desc"
	}

	if !slices.Contains(definitionSortFields, req.SortBy) {
		return NewValidationError(op, "INVALID_SORT_BY",
			fmt.Sprintf("sort_by must be one of: %s", strings.Join(definitionSortFields, ", ")), ErrInvalidSortBy)
	}

	if !slices.Contains(definitionSortOrders, req.SortOrder) {
		return NewValidationError(op, "INVALID_SORT_ORDER",
			"sort_order must be asc or desc", ErrInvalidSortOrder)
	}

	if req.Status != "" && !slices.Contains(definitionStatuses, req.Status) {
		return NewValidationError(op, "INVALID_STATUS",
			fmt.Sprintf("unknown definition status: %s", req.Status), ErrInvalidStatus)
	}

	return nil
}

func sortDefinitions(definitions []*models.WorkflowDefinition, field, order string) {
	asc := order == "asc"

	sort.SliceStable(definitions, func(i, j int) bool {
		a, b := definitions[i], definitions[j]
		if !asc {
			a, b = b, a
		}

		switch field {
		case "name":
			if a.Name != b.Name {
				return a.Name < b.Name
			}

			return a.Version < b.Version
		case "version":
			return a.Version < b.Version
		case "updated_at":
			return a.UpdatedAt.Before(b.UpdatedAt)
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
}
