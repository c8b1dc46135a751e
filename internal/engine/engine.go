package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"tilesync/internal/backfill"
	"tilesync/internal/domain"
	"tilesync/internal/notify"
	"tilesync/internal/store"
	"tilesync/internal/vocab"
)

// Engine coordinates view vocabularies, the item store and notifications.
// It holds no item state of its own.
type Engine struct {
	Store    store.Store
	Views    *vocab.Registry
	Backfill *backfill.Generator
	Broker   *notify.Broker
	Notifier notify.Publisher
	Logger   *log.Logger
	Now      func() time.Time
}

func New(s store.Store, views *vocab.Registry, gen *backfill.Generator, broker *notify.Broker, logger *log.Logger) Engine {
	if logger == nil {
		logger = log.Default()
	}
	if broker == nil {
		broker = notify.NewBroker(logger)
	}
	return Engine{
		Store:    s,
		Views:    views,
		Backfill: gen,
		Broker:   broker,
		Notifier: broker,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// ViewItem is an item as one view sees it.
type ViewItem struct {
	Item  domain.WorkItem
	Label string
}

// ListForView returns the parent's items that fall inside the view's zone,
// ordered by lifecycle stage then ID. An empty parentID lists every parent.
func (e Engine) ListForView(ctx context.Context, view, parentID string) ([]ViewItem, error) {
	if _, err := e.Views.View(view); err != nil {
		return nil, err
	}
	items, err := e.Store.ListByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	res := make([]ViewItem, 0, len(items))
	for _, it := range items {
		label, ok := e.Views.ToLocal(view, it.Status)
		if !ok {
			continue
		}
		res = append(res, ViewItem{Item: it, Label: label})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Item.Status != res[j].Item.Status {
			return res[i].Item.Status < res[j].Item.Status
		}
		return res[i].Item.ID < res[j].Item.ID
	})
	return res, nil
}

// ListByStatus returns the items at a canonical status, ordered by parent
// then ID. An empty parentID searches every parent.
func (e Engine) ListByStatus(ctx context.Context, status domain.Status, parentID string) ([]domain.WorkItem, error) {
	items, err := e.Store.ListByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	res := make([]domain.WorkItem, 0, len(items))
	for _, it := range items {
		if it.Status == status {
			res = append(res, it)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].ParentID != res[j].ParentID {
			return res[i].ParentID < res[j].ParentID
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// UpdateStatusFromView applies a status change expressed in a view's
// vocabulary. A *store.VersionConflictError is returned unchanged so the
// caller can refresh from its Current record.
func (e Engine) UpdateStatusFromView(ctx context.Context, view, itemID, label string, expectedVersion int64) (domain.WorkItem, error) {
	status, err := e.Views.ToCanonical(view, label)
	if err != nil {
		return domain.WorkItem{}, err
	}
	it, err := e.Store.CompareAndSwapStatus(ctx, itemID, expectedVersion, status, view)
	if err != nil {
		return domain.WorkItem{}, err
	}
	e.logTransition(it, view)
	e.publish(ctx, it)
	return it, nil
}

// ItemCreateOptions are parameters for creating an item. When Label is set
// it is translated through View to the initial status.
type ItemCreateOptions struct {
	Draft domain.WorkItemDraft
	View  string
	Label string
}

func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.WorkItem, error) {
	if opts.Label != "" {
		status, err := e.Views.ToCanonical(opts.View, opts.Label)
		if err != nil {
			return domain.WorkItem{}, err
		}
		opts.Draft.Status = status
	}
	it, err := e.Store.Create(ctx, opts.Draft)
	if err != nil {
		return domain.WorkItem{}, err
	}
	e.logTransition(it, opts.View)
	e.announce(ctx, it)
	return it, nil
}

// ItemUpdateOptions patch an item's fields. A status change may be given
// canonically in Fields.Status or as a view Label, not both.
type ItemUpdateOptions struct {
	ID              string
	ExpectedVersion int64
	Fields          domain.FieldUpdate
	View            string
	Label           string
}

func (e Engine) UpdateFields(ctx context.Context, opts ItemUpdateOptions) (domain.WorkItem, error) {
	if opts.Label != "" {
		if opts.Fields.Status != nil {
			return domain.WorkItem{}, fmt.Errorf("%w: give either status or label", store.ErrInvalidInput)
		}
		status, err := e.Views.ToCanonical(opts.View, opts.Label)
		if err != nil {
			return domain.WorkItem{}, err
		}
		opts.Fields.Status = &status
	}
	it, err := e.Store.Update(ctx, opts.ID, opts.ExpectedVersion, opts.Fields, opts.View)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if opts.Fields.Status != nil {
		e.logTransition(it, opts.View)
	}
	e.publish(ctx, it)
	return it, nil
}

// EnsureDefaultItems backfills parents without items and announces what was created.
func (e Engine) EnsureDefaultItems(ctx context.Context, parents []domain.ParentEntity) (backfill.Report, error) {
	if e.Backfill == nil {
		return backfill.Report{}, errors.New("backfill not configured")
	}
	rep, err := e.Backfill.EnsureDefaultItems(ctx, parents)
	for _, it := range rep.Created {
		e.announce(ctx, it)
	}
	return rep, err
}

func (e Engine) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.Store.Get(ctx, id)
}

func (e Engine) History(ctx context.Context, id string) ([]domain.Transition, error) {
	return e.Store.Transitions(ctx, id)
}

// Subscribe streams notifications for view, or all views when view is empty.
func (e Engine) Subscribe(view string) (*notify.Subscription, error) {
	if view != "" {
		if _, err := e.Views.View(view); err != nil {
			return nil, err
		}
	}
	return e.Broker.Subscribe(view), nil
}

// Notifications builds the per-view messages for the item's current state.
func (e Engine) Notifications(it domain.WorkItem) []notify.Notification {
	at := e.now().UTC()
	views := e.Views.Views()
	res := make([]notify.Notification, 0, len(views))
	for _, v := range views {
		n := notify.Notification{
			View:     v.Name,
			ItemID:   it.ID,
			ParentID: it.ParentID,
			Status:   it.Status,
			Version:  it.Version,
			At:       at,
		}
		if label, ok := v.Label(it.Status); ok {
			n.Label = label
		} else {
			n.Removed = true
		}
		res = append(res, n)
	}
	return res
}

// publish runs after commit; delivery failures are logged, the write stands.
func (e Engine) publish(ctx context.Context, it domain.WorkItem) {
	e.deliver(ctx, e.Notifications(it))
}

// announce publishes a new item to the views that can see it. Views outside
// its zone never showed it, so they get no removal.
func (e Engine) announce(ctx context.Context, it domain.WorkItem) {
	all := e.Notifications(it)
	visible := all[:0]
	for _, n := range all {
		if !n.Removed {
			visible = append(visible, n)
		}
	}
	e.deliver(ctx, visible)
}

func (e Engine) deliver(ctx context.Context, ns []notify.Notification) {
	if e.Notifier == nil {
		return
	}
	for _, n := range ns {
		if err := e.Notifier.Publish(ctx, n); err != nil {
			e.logger().Printf("notify view=%s item=%s: %v", n.View, n.ItemID, err)
		}
	}
}

func (e Engine) logTransition(it domain.WorkItem, source string) {
	if source == "" {
		source = "-"
	}
	e.logger().Printf("transition item=%s parent=%s to=%s source=%s version=%d at=%s",
		it.ID, it.ParentID, it.Status, source, it.Version, e.now().UTC().Format(time.RFC3339))
}
