package engine_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"tilesync/internal/backfill"
	"tilesync/internal/config"
	"tilesync/internal/db"
	"tilesync/internal/domain"
	"tilesync/internal/engine"
	"tilesync/internal/migrate"
	"tilesync/internal/notify"
	"tilesync/internal/repo"
	"tilesync/internal/store"
	"tilesync/internal/vocab"
)

type testEnv struct {
	Engine engine.Engine
	Store  store.Store
	Log    *bytes.Buffer
	Ctx    context.Context
}

func newEnv(t *testing.T, s store.Store) testEnv {
	t.Helper()
	cfg := config.Default()
	reg, err := vocab.FromConfig(cfg.Views)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	gen := backfill.New(s, backfill.OptionsFromConfig(cfg.Backfill), logger)
	eng := engine.New(s, reg, gen, notify.NewBroker(logger), logger)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Store: s, Log: &buf, Ctx: context.Background()}
}

func newTestEnv(t *testing.T) testEnv {
	return newEnv(t, store.NewMemory())
}

func newSQLiteEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(context.Background(), db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return newEnv(t, repo.New(conn, db.SQLite))
}

// seed creates an item at status and confirms it until it reaches version.
func seed(t *testing.T, env testEnv, id string, status domain.Status, version int64) domain.WorkItem {
	t.Helper()
	it, err := env.Store.Create(env.Ctx, domain.WorkItemDraft{ID: id, ParentID: "PRJ-1", Name: "Rama konstrukcyjna główna", Status: status})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for it.Version < version {
		it, err = env.Store.CompareAndSwapStatus(env.Ctx, id, it.Version, status, "seed")
		if err != nil {
			t.Fatalf("seed cas: %v", err)
		}
	}
	if it.Status != status {
		t.Fatalf("seed could not reach %s at v%d", status, version)
	}
	return it
}

func drain(sub *notify.Subscription) []notify.Notification {
	var res []notify.Notification
	for {
		select {
		case n := <-sub.C():
			res = append(res, n)
		default:
			return res
		}
	}
}

func TestScenarioProductionMoveNotifiesProject(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "T1", domain.StatusQueued, 3)
	project, err := env.Engine.Subscribe("project")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer project.Close()

	it, err := env.Engine.UpdateStatusFromView(env.Ctx, "production", "T1", "W TRAKCIE CIĘCIA", 3)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if it.Status != domain.StatusInProgress || it.Version != 4 {
		t.Fatalf("expected in_progress v4, got %s v%d", it.Status, it.Version)
	}
	got := drain(project)
	if len(got) != 1 || got[0].Label != "W produkcji CNC" || got[0].Removed || got[0].Version != 4 {
		t.Fatalf("unexpected project notifications %+v", got)
	}
	if !strings.Contains(env.Log.String(), "transition item=T1 parent=PRJ-1 to=in_progress source=production version=4") {
		t.Fatalf("transition not logged: %q", env.Log.String())
	}
}

func TestScenarioListExcludesOutOfZone(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "T1", domain.StatusDesigning, 1)
	seed(t, env, "T2", domain.StatusReadyForNextStage, 2)
	seed(t, env, "T3", domain.StatusQueued, 2)

	items, err := env.Engine.ListForView(env.Ctx, "production", "PRJ-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 production items, got %d", len(items))
	}
	if items[0].Item.ID != "T3" || items[0].Label != "W KOLEJCE" || items[1].Item.ID != "T2" || items[1].Label != "WYCIĘTE" {
		t.Fatalf("unexpected listing %+v", items)
	}
	all, err := env.Engine.ListForView(env.Ctx, "project", "PRJ-1")
	if err != nil || len(all) != 3 {
		t.Fatalf("project view should see all 3, got %d %v", len(all), err)
	}
	if _, err := env.Engine.ListForView(env.Ctx, "warehouse", "PRJ-1"); !errors.Is(err, vocab.ErrUnknownView) {
		t.Fatalf("expected unknown view, got %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "T2", domain.StatusQueued, 1)
	seed(t, env, "T1", domain.StatusQueued, 2)
	seed(t, env, "T3", domain.StatusDesigning, 1)
	if _, err := env.Store.Create(env.Ctx, domain.WorkItemDraft{ID: "X1", ParentID: "PRJ-2", Name: "Panel", Status: domain.StatusQueued}); err != nil {
		t.Fatalf("create: %v", err)
	}

	items, err := env.Engine.ListByStatus(env.Ctx, domain.StatusQueued, "PRJ-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "T1" || items[1].ID != "T2" {
		t.Fatalf("unexpected queued items %+v", items)
	}
	all, err := env.Engine.ListByStatus(env.Ctx, domain.StatusQueued, "")
	if err != nil || len(all) != 3 || all[2].ID != "X1" {
		t.Fatalf("expected 3 queued items across parents, got %+v %v", all, err)
	}
	if none, err := env.Engine.ListByStatus(env.Ctx, domain.StatusDone, ""); err != nil || len(none) != 0 {
		t.Fatalf("expected no done items, got %+v %v", none, err)
	}
}

func TestScenarioBackfillNoOpWhenItemsExist(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		seed(t, env, id, domain.StatusDesigning, 1)
	}
	rep, err := env.Engine.EnsureDefaultItems(env.Ctx, []domain.ParentEntity{{ID: "PRJ-1", Name: "Hala"}})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(rep.Created) != 0 {
		t.Fatalf("expected no items created, got %d", len(rep.Created))
	}
	items, _ := env.Store.ListByParent(env.Ctx, "PRJ-1")
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
}

func TestScenarioStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "T1", domain.StatusQueued, 5)
	sub, _ := env.Engine.Subscribe("")
	defer sub.Close()

	_, err := env.Engine.UpdateStatusFromView(env.Ctx, "production", "T1", "WYCIĘTE", 3)
	var conflict *store.VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if conflict.Current.Version != 5 || conflict.Current.Status != domain.StatusQueued {
		t.Fatalf("conflict should carry v5 record, got %+v", conflict.Current)
	}
	if n := drain(sub); len(n) != 0 {
		t.Fatalf("conflict must not notify, got %+v", n)
	}
}

func TestRepeatedUpdateWithSameVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "T1", domain.StatusQueued, 1)
	if _, err := env.Engine.UpdateStatusFromView(env.Ctx, "production", "T1", "W TRAKCIE CIĘCIA", 1); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := env.Engine.UpdateStatusFromView(env.Ctx, "production", "T1", "W TRAKCIE CIĘCIA", 1); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected conflict on replay, got %v", err)
	}
}

func TestUnknownLabelLeavesStoreUntouched(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "T1", domain.StatusQueued, 1)
	_, err := env.Engine.UpdateStatusFromView(env.Ctx, "production", "T1", "Zakończony", 1)
	if !errors.Is(err, vocab.ErrUnknownLabel) {
		t.Fatalf("expected unknown label, got %v", err)
	}
	it, _ := env.Store.Get(env.Ctx, "T1")
	if it.Version != 1 {
		t.Fatalf("store changed on rejected label: v%d", it.Version)
	}
	if _, err := env.Engine.UpdateStatusFromView(env.Ctx, "production", "missing", "W KOLEJCE", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLeavingZoneNotifiesRemoval(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "T1", domain.StatusReadyForNextStage, 2)
	prod, _ := env.Engine.Subscribe("production")
	defer prod.Close()
	it, err := env.Engine.UpdateStatusFromView(env.Ctx, "project", "T1", "W montażu", 2)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if it.Status != domain.StatusAssembling {
		t.Fatalf("unexpected status %s", it.Status)
	}
	got := drain(prod)
	if len(got) != 1 || !got[0].Removed || got[0].Label != "" {
		t.Fatalf("expected removal notification, got %+v", got)
	}
	if _, err := env.Engine.Subscribe("warehouse"); !errors.Is(err, vocab.ErrUnknownView) {
		t.Fatalf("expected unknown view, got %v", err)
	}
}

func TestConcurrentUpdatesConverge(t *testing.T) {
	envs := map[string]func(*testing.T) testEnv{"memory": newTestEnv, "sqlite": newSQLiteEnv}
	for name, mk := range envs {
		t.Run(name, func(t *testing.T) {
			env := mk(t)
			seed(t, env, "T1", domain.StatusQueued, 1)
			sub, _ := env.Engine.Subscribe("project")
			defer sub.Close()
			calls := []struct{ view, label string }{
				{"production", "W TRAKCIE CIĘCIA"},
				{"project", "Do akceptacji"},
			}
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins []domain.WorkItem
				errs []error
			)
			for _, c := range calls {
				wg.Add(1)
				go func(view, label string) {
					defer wg.Done()
					it, err := env.Engine.UpdateStatusFromView(env.Ctx, view, "T1", label, 1)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					wins = append(wins, it)
				}(c.view, c.label)
			}
			wg.Wait()
			if len(wins) != 1 || len(errs) != 1 || !errors.Is(errs[0], store.ErrVersionConflict) {
				t.Fatalf("expected one winner and one conflict, got %d wins, errs %v", len(wins), errs)
			}
			final, _ := env.Store.Get(env.Ctx, "T1")
			if final.Status != wins[0].Status || final.Version != 2 {
				t.Fatalf("final %s v%d, winner %s", final.Status, final.Version, wins[0].Status)
			}
			if got := drain(sub); len(got) != 1 || got[0].Version != 2 {
				t.Fatalf("expected a single notification for the winner, got %+v", got)
			}
		})
	}
}

func TestCreateItemWithLabel(t *testing.T) {
	env := newTestEnv(t)
	sub, _ := env.Engine.Subscribe("production")
	defer sub.Close()
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		Draft: domain.WorkItemDraft{ParentID: "PRJ-1", Name: "Panel sterowania"},
		View:  "production",
		Label: "W KOLEJCE",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if it.Status != domain.StatusQueued || it.Version != 1 {
		t.Fatalf("unexpected item %+v", it)
	}
	if got := drain(sub); len(got) != 1 || got[0].Label != "W KOLEJCE" {
		t.Fatalf("expected appearance notification, got %+v", got)
	}
	plain, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{Draft: domain.WorkItemDraft{ParentID: "PRJ-1", Name: "x"}})
	if err != nil || plain.Status != domain.StatusDesigning {
		t.Fatalf("default status: %+v %v", plain, err)
	}
	if _, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{Draft: domain.WorkItemDraft{ParentID: "PRJ-1", Name: "x"}, View: "production", Label: "Projektowanie"}); !errors.Is(err, vocab.ErrUnknownLabel) {
		t.Fatalf("expected unknown label, got %v", err)
	}
}

func TestUpdateFields(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "T1", domain.StatusQueued, 1)
	sub, _ := env.Engine.Subscribe("")
	defer sub.Close()

	notes := "sprawdzić spawy"
	it, err := env.Engine.UpdateFields(env.Ctx, engine.ItemUpdateOptions{ID: "T1", ExpectedVersion: 1, Fields: domain.FieldUpdate{Notes: &notes}})
	if err != nil || it.Notes != notes || it.Version != 2 {
		t.Fatalf("notes update: %+v %v", it, err)
	}
	if got := drain(sub); len(got) != 2 {
		t.Fatalf("field update should reach every view, got %+v", got)
	}
	it, err = env.Engine.UpdateFields(env.Ctx, engine.ItemUpdateOptions{ID: "T1", ExpectedVersion: 2, View: "production", Label: "WYCIĘTE"})
	if err != nil || it.Status != domain.StatusReadyForNextStage || it.Progress != 100 {
		t.Fatalf("label update: %+v %v", it, err)
	}
	if got := drain(sub); len(got) != 2 {
		t.Fatalf("expected one notification per view, got %+v", got)
	}
	st := domain.StatusDone
	if _, err := env.Engine.UpdateFields(env.Ctx, engine.ItemUpdateOptions{ID: "T1", ExpectedVersion: 3, Fields: domain.FieldUpdate{Status: &st}, View: "project", Label: "Zakończony"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected status+label rejection, got %v", err)
	}
	history, err := env.Engine.History(env.Ctx, "T1")
	if err != nil || len(history) != 1 {
		t.Fatalf("expected 1 transition, got %d %v", len(history), err)
	}
	if history[0].From != domain.StatusQueued || history[0].To != domain.StatusReadyForNextStage || history[0].SourceView != "production" {
		t.Fatalf("unexpected transition %+v", history[0])
	}
}

func TestFieldUpdateNotifiesOpenViews(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, "T1", domain.StatusInProgress, 1)
	production, err := env.Engine.Subscribe("production")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer production.Close()

	progress := 40
	it, err := env.Engine.UpdateFields(env.Ctx, engine.ItemUpdateOptions{ID: "T1", ExpectedVersion: 1, Fields: domain.FieldUpdate{Progress: &progress}})
	if err != nil || it.Version != 2 || it.Progress != 40 {
		t.Fatalf("progress update: %+v %v", it, err)
	}
	got := drain(production)
	if len(got) != 1 || got[0].Version != 2 || got[0].Label != "W TRAKCIE CIĘCIA" || got[0].Removed {
		t.Fatalf("expected one production notification at v2, got %+v", got)
	}
	if strings.Contains(env.Log.String(), "transition item=T1") {
		t.Fatalf("progress-only write logged as a transition: %q", env.Log.String())
	}
}

func TestCreateSkipsViewsOutsideZone(t *testing.T) {
	env := newTestEnv(t)
	production, _ := env.Engine.Subscribe("production")
	defer production.Close()
	project, _ := env.Engine.Subscribe("project")
	defer project.Close()

	if _, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{Draft: domain.WorkItemDraft{ParentID: "PRJ-1", Name: "Szkic ramy"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := drain(production); len(got) != 0 {
		t.Fatalf("production never showed a design item, got %+v", got)
	}
	if got := drain(project); len(got) != 1 || got[0].Label != "Projektowanie" {
		t.Fatalf("expected project appearance, got %+v", got)
	}
}

func TestEnsureDefaultItemsNotifies(t *testing.T) {
	env := newTestEnv(t)
	sub, _ := env.Engine.Subscribe("project")
	defer sub.Close()
	rep, err := env.Engine.EnsureDefaultItems(env.Ctx, []domain.ParentEntity{{ID: "PRJ-9", Name: "Nowa hala", Team: []string{"Ola"}}})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(rep.Created) < 3 {
		t.Fatalf("expected at least 3 items, got %d", len(rep.Created))
	}
	got := drain(sub)
	if len(got) != len(rep.Created) {
		t.Fatalf("expected %d notifications, got %d", len(rep.Created), len(got))
	}
	for _, n := range got {
		if n.Label != "Projektowanie" {
			t.Fatalf("unexpected label %q", n.Label)
		}
	}
	prod := env.Engine.Notifications(rep.Created[0])[0]
	if prod.View != "production" || !prod.Removed {
		t.Fatalf("unexpected production notification %+v", prod)
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, notify.Notification) error {
	return errors.New("relay down")
}

func TestNotifyFailureDoesNotFailWrite(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Notifier = notify.Multi{env.Engine.Broker, failingPublisher{}}
	seed(t, env, "T1", domain.StatusQueued, 1)
	if _, err := env.Engine.UpdateStatusFromView(env.Ctx, "production", "T1", "W TRAKCIE CIĘCIA", 1); err != nil {
		t.Fatalf("update should succeed: %v", err)
	}
	if !strings.Contains(env.Log.String(), "relay down") {
		t.Fatalf("expected notify failure logged")
	}
}

func TestLoggerDefaults(t *testing.T) {
	eng := engine.New(store.NewMemory(), vocab.NewRegistry(), nil, nil, nil)
	if eng.Broker == nil || eng.Logger == nil {
		t.Fatalf("expected defaults")
	}
	if _, err := eng.EnsureDefaultItems(context.Background(), nil); err == nil {
		t.Fatalf("expected error without generator")
	}
}
