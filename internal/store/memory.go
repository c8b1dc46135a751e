package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tilesync/internal/domain"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store guarded by a single mutex.
type Memory struct {
	Now func() time.Time

	mu          sync.Mutex
	items       map[string]domain.WorkItem
	transitions map[string][]domain.Transition
	generated   map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		Now:         time.Now,
		items:       map[string]domain.WorkItem{},
		transitions: map[string][]domain.Transition{},
		generated:   map[string]string{},
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return domain.WorkItem{}, ErrNotFound
	}
	return clone(it), nil
}

func (m *Memory) ListByParent(ctx context.Context, parentID string) ([]domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.WorkItem
	for _, it := range m.items {
		if parentID == "" || it.ParentID == parentID {
			res = append(res, clone(it))
		}
	}
	return res, nil
}

func (m *Memory) Create(ctx context.Context, d domain.WorkItemDraft) (domain.WorkItem, error) {
	if err := ValidateDraft(d); err != nil {
		return domain.WorkItem{}, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[d.ID]; exists {
		return domain.WorkItem{}, fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
	}
	it := domain.NewItem(d, m.now())
	m.items[it.ID] = it
	return clone(it), nil
}

func (m *Memory) CompareAndSwapStatus(ctx context.Context, id string, expectedVersion int64, status domain.Status, sourceView string) (domain.WorkItem, error) {
	return m.Update(ctx, id, expectedVersion, domain.FieldUpdate{Status: &status}, sourceView)
}

func (m *Memory) Update(ctx context.Context, id string, expectedVersion int64, fields domain.FieldUpdate, sourceView string) (domain.WorkItem, error) {
	if err := ValidateUpdate(fields); err != nil {
		return domain.WorkItem{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return domain.WorkItem{}, ErrNotFound
	}
	if it.Version != expectedVersion {
		return domain.WorkItem{}, &VersionConflictError{Expected: expectedVersion, Current: clone(it)}
	}
	now := m.now()
	it = clone(it)
	prev := fields.Apply(&it, now)
	it.Version++
	it.UpdatedAt = now.UTC().Format(time.RFC3339)
	m.items[id] = it
	if fields.Status != nil {
		m.transitions[id] = append(m.transitions[id], domain.Transition{
			ID:         uuid.NewString(),
			ItemID:     id,
			ParentID:   it.ParentID,
			From:       prev,
			To:         it.Status,
			SourceView: sourceView,
			Version:    it.Version,
			At:         it.UpdatedAt,
		})
	}
	return clone(it), nil
}

func (m *Memory) CreateBatch(ctx context.Context, parentID string, drafts []domain.WorkItemDraft) ([]domain.WorkItem, error) {
	if parentID == "" {
		return nil, fmt.Errorf("%w: parent_id is required", ErrInvalidInput)
	}
	for i := range drafts {
		if drafts[i].ParentID != parentID {
			return nil, fmt.Errorf("%w: draft %d belongs to %q", ErrInvalidInput, i, drafts[i].ParentID)
		}
		if err := ValidateDraft(drafts[i]); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.generated[parentID]; done {
		return nil, ErrAlreadyGenerated
	}
	for _, it := range m.items {
		if it.ParentID == parentID {
			return nil, ErrParentHasItems
		}
	}
	now := m.now()
	created := make([]domain.WorkItem, 0, len(drafts))
	seen := map[string]bool{}
	for _, d := range drafts {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if _, exists := m.items[d.ID]; exists || seen[d.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
		}
		seen[d.ID] = true
		created = append(created, domain.NewItem(d, now))
	}
	for _, it := range created {
		m.items[it.ID] = it
	}
	m.generated[parentID] = now.UTC().Format(time.RFC3339)
	res := make([]domain.WorkItem, len(created))
	for i, it := range created {
		res[i] = clone(it)
	}
	return res, nil
}

func (m *Memory) Transitions(ctx context.Context, itemID string) ([]domain.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[itemID]; !ok {
		return nil, ErrNotFound
	}
	return append([]domain.Transition(nil), m.transitions[itemID]...), nil
}

func clone(it domain.WorkItem) domain.WorkItem {
	it.Materials = append([]string(nil), it.Materials...)
	if it.StartedAt != nil {
		v := *it.StartedAt
		it.StartedAt = &v
	}
	if it.CompletedAt != nil {
		v := *it.CompletedAt
		it.CompletedAt = &v
	}
	return it
}
