package workflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nornlabs/norn/pkg/models"
)

func TestConflictError_MessageNamesKindAndWinner(t *testing.T) {
	err := &ConflictError{
		Kind:        ConflictKindMutex,
		Key:         "orders",
		Conflicting: &models.WorkflowInstance{ID: 42},
	}

	assert.Contains(t, err.Error(), "mutex")
	assert.Contains(t, err.Error(), `"orders"`)
	assert.Contains(t, err.Error(), "42")
}

func TestConflictError_MessageWithoutWinner(t *testing.T) {
	err := &ConflictError{Kind: ConflictKindBusinessKey, Key: "invoice-9"}

	assert.Contains(t, err.Error(), "business_key")
	assert.Contains(t, err.Error(), `"invoice-9"`)
}

func TestIsConflict_UnwrapsThroughWrapping(t *testing.T) {
	inner := &ConflictError{Kind: ConflictKindExternalID, Key: "order-1"}
	wrapped := fmt.Errorf("start refused: %w", inner)

	conflict, ok := IsConflict(wrapped)
	require.True(t, ok)
	assert.Equal(t, ConflictKindExternalID, conflict.Kind)
	assert.Equal(t, "order-1", conflict.Key)

	_, ok = IsConflict(errors.New("unrelated"))
	assert.False(t, ok)
}

func TestIsLockContention_UnwrapsThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("instance 7: %w", ErrLockNotAcquired)

	assert.True(t, IsLockContention(wrapped))
	assert.False(t, IsLockContention(errors.New("unrelated")))
	assert.False(t, IsLockContention(nil))
}

func TestValidationError_MessageFormats(t *testing.T) {
	withField := NewValidationError("node", "start node missing", nil)
	assert.Equal(t, "validation failed for node: start node missing", withField.Error())

	withoutField := &ValidationError{Message: "graph is empty"}
	assert.Equal(t, "validation failed: graph is empty", withoutField.Error())
}

func TestValidationError_Unwrap(t *testing.T) {
	cause := errors.New("bad json")
	err := NewValidationError("definition", "unparseable", cause)

	assert.ErrorIs(t, err, cause)

	var verr *ValidationError

	wrapped := fmt.Errorf("load: %w", err)
	require.True(t, errors.As(wrapped, &verr))
	assert.Equal(t, "definition", verr.Field)
}
