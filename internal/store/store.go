// Package store defines the work item persistence contract.
package store

import (
	"context"
	"errors"
	"fmt"

	"tilesync/internal/domain"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrVersionConflict  = errors.New("version conflict")
	ErrAlreadyGenerated = errors.New("default items already generated")
	ErrParentHasItems   = errors.New("parent already has items")
	ErrUnavailable      = errors.New("store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicate        = errors.New("duplicate id")
)

// VersionConflictError carries the record as it is after the competing write.
type VersionConflictError struct {
	Expected int64
	Current  domain.WorkItem
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.Current.ID, e.Expected, e.Current.Version)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// Unavailable wraps a backend failure so callers can match ErrUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Store persists work items with per-item optimistic versioning.
type Store interface {
	// Get returns the item or ErrNotFound.
	Get(ctx context.Context, id string) (domain.WorkItem, error)
	// ListByParent returns the parent's items; an empty parentID lists all.
	ListByParent(ctx context.Context, parentID string) ([]domain.WorkItem, error)
	// Create inserts a new item at version 1.
	Create(ctx context.Context, draft domain.WorkItemDraft) (domain.WorkItem, error)
	// CompareAndSwapStatus sets the status only if the stored version matches.
	CompareAndSwapStatus(ctx context.Context, id string, expectedVersion int64, status domain.Status, sourceView string) (domain.WorkItem, error)
	// Update patches fields under the same version check.
	Update(ctx context.Context, id string, expectedVersion int64, fields domain.FieldUpdate, sourceView string) (domain.WorkItem, error)
	// CreateBatch inserts all drafts for a parent and marks it generated, or nothing.
	CreateBatch(ctx context.Context, parentID string, drafts []domain.WorkItemDraft) ([]domain.WorkItem, error)
	// Transitions lists recorded status writes for an item, oldest first.
	Transitions(ctx context.Context, itemID string) ([]domain.Transition, error)
}

// ValidateDraft checks caller input shared by every implementation.
func ValidateDraft(d domain.WorkItemDraft) error {
	if d.ParentID == "" {
		return fmt.Errorf("%w: parent_id is required", ErrInvalidInput)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if d.Status != 0 && !d.Status.Valid() {
		return fmt.Errorf("%w: invalid status %d", ErrInvalidInput, int(d.Status))
	}
	return validateProgress(d.Progress)
}

// ValidateUpdate checks a field patch.
func ValidateUpdate(u domain.FieldUpdate) error {
	if u.Empty() {
		return fmt.Errorf("%w: no fields to update", ErrInvalidInput)
	}
	if u.Name != nil && *u.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: invalid status %d", ErrInvalidInput, int(*u.Status))
	}
	if u.Progress != nil {
		return validateProgress(*u.Progress)
	}
	return nil
}

func validateProgress(p int) error {
	if p < 0 || p > 100 {
		return fmt.Errorf("%w: progress must be within 0..100", ErrInvalidInput)
	}
	return nil
}
