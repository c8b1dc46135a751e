// Package storetest holds behaviour checks shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"tilesync/internal/domain"
	"tilesync/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the store contract against the implementation built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("ListByParent", func(t *testing.T) { testListByParent(t, newStore(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newStore(t)) })
	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
	t.Run("UpdateFields", func(t *testing.T) { testUpdateFields(t, newStore(t)) })
	t.Run("CreateBatchOnce", func(t *testing.T) { testCreateBatchOnce(t, newStore(t)) })
	t.Run("CreateBatchAtomic", func(t *testing.T) { testCreateBatchAtomic(t, newStore(t)) })
	t.Run("Transitions", func(t *testing.T) { testTransitions(t, newStore(t)) })
}

func draft(parent, id, name string) domain.WorkItemDraft {
	return domain.WorkItemDraft{
		ID:        id,
		ParentID:  parent,
		Name:      name,
		Priority:  "Wysoki",
		Zone:      "Strefa A",
		Materials: []string{"Stal S355"},
	}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, draft("P1", "P1-T-001", "Panel sterowania"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if it.Version != 1 || it.Status != domain.FirstStage() {
		t.Fatalf("unexpected new item %+v", it)
	}
	got, err := s.Get(ctx, "P1-T-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Panel sterowania" || got.ParentID != "P1" || len(got.Materials) != 1 || got.Materials[0] != "Stal S355" {
		t.Fatalf("unexpected item %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Create(ctx, draft("P1", "P1-T-001", "again")); err == nil {
		t.Fatalf("expected duplicate id to fail")
	}
	generated, err := s.Create(ctx, draft("P1", "", "generated id"))
	if err != nil || generated.ID == "" {
		t.Fatalf("expected generated id, got %q %v", generated.ID, err)
	}
	bad := draft("P1", "", "x")
	bad.Progress = 101
	if _, err := s.Create(ctx, bad); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func testListByParent(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, parent := range []string{"A", "A", "B"} {
		if _, err := s.Create(ctx, draft(parent, fmt.Sprintf("%s-%d", parent, i), "item")); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	a, err := s.ListByParent(ctx, "A")
	if err != nil || len(a) != 2 {
		t.Fatalf("expected 2 items for A, got %d %v", len(a), err)
	}
	all, err := s.ListByParent(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 items, got %d %v", len(all), err)
	}
	none, err := s.ListByParent(ctx, "C")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no items for C, got %d %v", len(none), err)
	}
}

func testCompareAndSwap(t *testing.T, s store.Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, draft("P1", "T1", "Rama"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := s.CompareAndSwapStatus(ctx, it.ID, 1, domain.StatusInProgress, "production")
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if updated.Version != 2 || updated.Status != domain.StatusInProgress || updated.StartedAt == nil {
		t.Fatalf("unexpected cas result %+v", updated)
	}
	_, err = s.CompareAndSwapStatus(ctx, it.ID, 1, domain.StatusInProgress, "production")
	var conflict *store.VersionConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if conflict.Current.Version != 2 || conflict.Current.Status != domain.StatusInProgress {
		t.Fatalf("conflict should carry current record, got %+v", conflict.Current)
	}
	if _, err := s.CompareAndSwapStatus(ctx, "missing", 1, domain.StatusDone, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	done, err := s.CompareAndSwapStatus(ctx, it.ID, 2, domain.StatusReadyForNextStage, "production")
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if done.Progress != 100 || done.CompletedAt == nil || done.Version != 3 {
		t.Fatalf("expected completion effects, got %+v", done)
	}
}

func testConcurrentCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, draft("P1", "T1", "Rama"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	targets := []domain.Status{domain.StatusQueued, domain.StatusPendingApproval}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      []domain.WorkItem
		conflicts int
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target domain.Status) {
			defer wg.Done()
			res, err := s.CompareAndSwapStatus(ctx, it.ID, it.Version, target, "project")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, res)
			case errors.Is(err, store.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(target)
	}
	wg.Wait()
	if len(wins) != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %d/%d", len(wins), conflicts)
	}
	final, err := s.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != wins[0].Status || final.Version != it.Version+1 {
		t.Fatalf("final state %s v%d does not match winner %s", final.Status, final.Version, wins[0].Status)
	}
}

func testUpdateFields(t *testing.T, s store.Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, draft("P1", "T1", "Rama"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	notes := "check welds"
	progress := 40
	materials := []string{"Aluminium 6061", "Płyta HPL"}
	updated, err := s.Update(ctx, it.ID, 1, domain.FieldUpdate{Notes: &notes, Progress: &progress, Materials: &materials}, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Notes != notes || updated.Progress != 40 || len(updated.Materials) != 2 {
		t.Fatalf("unexpected update %+v", updated)
	}
	if updated.Status != domain.FirstStage() {
		t.Fatalf("status changed by field update: %s", updated.Status)
	}
	if _, err := s.Update(ctx, it.ID, 1, domain.FieldUpdate{Notes: &notes}, ""); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	tooMuch := 150
	if _, err := s.Update(ctx, it.ID, 2, domain.FieldUpdate{Progress: &tooMuch}, ""); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := s.Update(ctx, it.ID, 2, domain.FieldUpdate{}, ""); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected empty update to be rejected, got %v", err)
	}
	status := domain.StatusAssembling
	moved, err := s.Update(ctx, it.ID, 2, domain.FieldUpdate{Status: &status}, "project")
	if err != nil || moved.Status != domain.StatusAssembling || moved.Version != 3 {
		t.Fatalf("status via update: %+v %v", moved, err)
	}
	dxf, drawing := "rama-v2.dxf", "zlozenie-A1.pdf"
	if _, err := s.Update(ctx, it.ID, 3, domain.FieldUpdate{DxfFile: &dxf, AssemblyDrawing: &drawing}, ""); err != nil {
		t.Fatalf("update drawings: %v", err)
	}
	stored, err := s.Get(ctx, it.ID)
	if err != nil || stored.DxfFile != dxf || stored.AssemblyDrawing != drawing || stored.Version != 4 || stored.Status != domain.StatusAssembling {
		t.Fatalf("drawings not stored: %+v %v", stored, err)
	}
}

func testCreateBatchOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	drafts := []domain.WorkItemDraft{draft("P1", "P1-T-001", "a"), draft("P1", "P1-T-002", "b"), draft("P1", "P1-T-003", "c")}
	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateBatch(ctx, "P1", drafts)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, store.ErrAlreadyGenerated), errors.Is(err, store.ErrParentHasItems):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one batch, got %d", winners)
	}
	items, err := s.ListByParent(ctx, "P1")
	if err != nil || len(items) != 3 {
		t.Fatalf("expected 3 items, got %d %v", len(items), err)
	}

	if _, err := s.Create(ctx, draft("P2", "manual", "manual")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateBatch(ctx, "P2", []domain.WorkItemDraft{draft("P2", "P2-T-001", "x")}); !errors.Is(err, store.ErrParentHasItems) {
		t.Fatalf("expected parent has items, got %v", err)
	}
	if _, err := s.CreateBatch(ctx, "P1", drafts); !errors.Is(err, store.ErrAlreadyGenerated) {
		t.Fatalf("expected already generated, got %v", err)
	}
}

func testCreateBatchAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	bad := []domain.WorkItemDraft{draft("P1", "P1-T-001", "a"), draft("P1", "P1-T-001", "dup")}
	if _, err := s.CreateBatch(ctx, "P1", bad); err == nil {
		t.Fatalf("expected duplicate ids to fail the batch")
	}
	items, err := s.ListByParent(ctx, "P1")
	if err != nil || len(items) != 0 {
		t.Fatalf("failed batch left %d items (%v)", len(items), err)
	}
	good := []domain.WorkItemDraft{draft("P1", "P1-T-001", "a"), draft("P1", "P1-T-002", "b")}
	created, err := s.CreateBatch(ctx, "P1", good)
	if err != nil || len(created) != 2 {
		t.Fatalf("retry after failed batch: %d %v", len(created), err)
	}
}

func testTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, draft("P1", "T1", "Rama"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CompareAndSwapStatus(ctx, it.ID, 1, domain.StatusQueued, "project"); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if _, err := s.CompareAndSwapStatus(ctx, it.ID, 2, domain.StatusInProgress, "production"); err != nil {
		t.Fatalf("cas: %v", err)
	}
	notes := "n"
	if _, err := s.Update(ctx, it.ID, 3, domain.FieldUpdate{Notes: &notes}, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	history, err := s.Transitions(ctx, it.ID)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(history))
	}
	first, second := history[0], history[1]
	if first.From != domain.StatusDesigning || first.To != domain.StatusQueued || first.SourceView != "project" || first.Version != 2 {
		t.Fatalf("unexpected first transition %+v", first)
	}
	if second.From != domain.StatusQueued || second.To != domain.StatusInProgress || second.SourceView != "production" || second.Version != 3 {
		t.Fatalf("unexpected second transition %+v", second)
	}
	if _, err := s.Transitions(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
