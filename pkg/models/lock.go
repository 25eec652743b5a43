package models

import (
	"fmt"
	"time"
)

// LockType distinguishes what a lease guards.
type LockType string

const (
	LockTypeInstance LockType = "instance" // One workflow instance
	LockTypeWorkflow LockType = "workflow" // All instances of a definition
)

// ExecutionLock is a time-bounded exclusive ownership lease. A lease whose
// ExpiresAt has passed is free regardless of its continued existence, so a
// crashed owner never blocks progress for longer than one TTL.
type ExecutionLock struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	Type       LockType  `json:"type"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the lease no longer grants ownership.
func (l *ExecutionLock) IsExpired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// InstanceLockKey is the lease key guarding a single workflow instance.
func InstanceLockKey(instanceID int64) string {
	return fmt.Sprintf("instance:%d", instanceID)
}

// WorkflowLockKey is the lease key guarding all instances of one definition.
func WorkflowLockKey(definitionID string) string {
	return "workflow:" + definitionID
}
