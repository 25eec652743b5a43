package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence/memory"
)

func TestActivation_ActivateDemotesPreviousVersion(t *testing.T) {
	svc := newTestService(t)
	v1 := mustCreate(t, svc, "billing", "1.0.0")
	v2 := mustCreate(t, svc, "billing", "2.0.0")

	activated, err := svc.Activate(t.Context(), v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusActive, activated.Status)

	activated, err = svc.Activate(t.Context(), v2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusActive, activated.Status)

	demoted, err := svc.Get(t.Context(), v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusDeprecated, demoted.Status)

	active, err := svc.GetActiveByName(t.Context(), "billing")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
}

func TestActivation_ActivateIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	created := mustCreate(t, svc, "billing", "1.0.0")

	_, err := svc.Activate(t.Context(), created.ID)
	require.NoError(t, err)

	again, err := svc.Activate(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusActive, again.Status)
}

func TestActivation_ReactivatesDeprecatedVersion(t *testing.T) {
	svc := newTestService(t)
	v1 := mustCreate(t, svc, "billing", "1.0.0")
	v2 := mustCreate(t, svc, "billing", "2.0.0")

	_, err := svc.Activate(t.Context(), v1.ID)
	require.NoError(t, err)
	_, err = svc.Activate(t.Context(), v2.ID)
	require.NoError(t, err)

	// Roll back to the old version.
	rolled, err := svc.Activate(t.Context(), v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusActive, rolled.Status)

	demoted, err := svc.Get(t.Context(), v2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusDeprecated, demoted.Status)
}

func TestActivation_ActivateRefusesArchived(t *testing.T) {
	svc := newTestService(t)
	created := mustCreate(t, svc, "billing", "1.0.0")

	_, err := svc.Archive(t.Context(), created.ID)
	require.NoError(t, err)

	_, err = svc.Activate(t.Context(), created.ID)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrArchived)
	assert.True(t, IsConflictError(err))
}

// A definition authored without binding checks (nil registry) must still
// pass them on the activation gate of a registry-aware service.
func TestActivation_ActivateChecksExecutorBindings(t *testing.T) {
	store := memory.NewPersistence()
	authoring := NewDefinition(store, nil)
	gatekeeper := NewDefinition(store, testRegistry())

	req := createRequest("billing", "1.0.0")
	req.Graph = chainGraph("ghost")

	created, err := authoring.Create(t.Context(), req)
	require.NoError(t, err)

	_, err = gatekeeper.Activate(t.Context(), created.ID)
	require.Error(t, err)

	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "not registered")

	unchanged, err := gatekeeper.Get(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusDraft, unchanged.Status)
}

func TestActivation_DeprecateRequiresActive(t *testing.T) {
	svc := newTestService(t)
	created := mustCreate(t, svc, "billing", "1.0.0")

	_, err := svc.Deprecate(t.Context(), created.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = svc.Activate(t.Context(), created.ID)
	require.NoError(t, err)

	deprecated, err := svc.Deprecate(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusDeprecated, deprecated.Status)

	again, err := svc.Deprecate(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusDeprecated, again.Status)
}

func TestActivation_ArchiveLifecycle(t *testing.T) {
	svc := newTestService(t)

	draft := mustCreate(t, svc, "billing", "1.0.0")

	archived, err := svc.Archive(t.Context(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusArchived, archived.Status)

	again, err := svc.Archive(t.Context(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusArchived, again.Status)

	active := mustCreate(t, svc, "shipping", "1.0.0")
	_, err = svc.Activate(t.Context(), active.ID)
	require.NoError(t, err)

	_, err = svc.Archive(t.Context(), active.ID)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrStillActive)
	assert.True(t, IsConflictError(err))

	_, err = svc.Deprecate(t.Context(), active.ID)
	require.NoError(t, err)

	retired, err := svc.Archive(t.Context(), active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusArchived, retired.Status)
}
