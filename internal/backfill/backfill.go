// Package backfill generates the default work items of parents that have none.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"tilesync/internal/config"
	"tilesync/internal/domain"
	"tilesync/internal/store"
)

// Options shape the generated items.
type Options struct {
	MinItems   int
	MaxItems   int
	Templates  []string
	Zones      []string
	Priorities []string
	Materials  []string
	Machines   []string
}

func OptionsFromConfig(cfg config.BackfillConfig) Options {
	return Options{
		MinItems:   cfg.MinItems,
		MaxItems:   cfg.MaxItems,
		Templates:  cfg.Templates,
		Zones:      cfg.Zones,
		Priorities: cfg.Priorities,
		Materials:  cfg.Materials,
		Machines:   cfg.Machines,
	}
}

// Report describes one EnsureDefaultItems call.
type Report struct {
	Created   []domain.WorkItem `json:"created"`
	Generated []string          `json:"generated"`
	Skipped   []string          `json:"skipped"`
}

// Generator creates each parent's default batch at most once. Concurrent
// calls for the same parent share one attempt in-process; the store's
// conditional batch write settles races between processes.
type Generator struct {
	Store   store.Store
	Options Options
	Logger  *log.Logger

	group singleflight.Group
}

func New(s store.Store, opts Options, logger *log.Logger) *Generator {
	if logger == nil {
		logger = log.Default()
	}
	return &Generator{Store: s, Options: opts, Logger: logger}
}

type attempt struct {
	items   []domain.WorkItem
	claimed atomic.Bool
}

// EnsureDefaultItems backfills every parent with no items. Parents that
// already have items, or were generated before, are skipped. A failing
// parent does not stop the others.
func (g *Generator) EnsureDefaultItems(ctx context.Context, parents []domain.ParentEntity) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	for _, p := range parents {
		if strings.TrimSpace(p.ID) == "" {
			errs = append(errs, fmt.Errorf("%w: parent without id", store.ErrInvalidInput))
			continue
		}
		res, err := g.join(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("backfill %s: %w", p.ID, err))
			continue
		}
		// callers sharing one attempt report its items once
		if res.items == nil || !res.claimed.CompareAndSwap(false, true) {
			rep.Skipped = append(rep.Skipped, p.ID)
			continue
		}
		rep.Generated = append(rep.Generated, p.ID)
		rep.Created = append(rep.Created, res.items...)
	}
	return rep, errors.Join(errs...)
}

// join runs or joins the attempt for p. The attempt outlives any one
// caller's cancellation; each caller stops waiting when its own ctx ends.
func (g *Generator) join(ctx context.Context, p domain.ParentEntity) (*attempt, error) {
	work := context.WithoutCancel(ctx)
	ch := g.group.DoChan(p.ID, func() (any, error) {
		items, err := g.ensureParent(work, p)
		return &attempt{items: items}, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*attempt), nil
	}
}

func (g *Generator) ensureParent(ctx context.Context, p domain.ParentEntity) ([]domain.WorkItem, error) {
	existing, err := g.Store.ListByParent(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, nil
	}
	items, err := g.Store.CreateBatch(ctx, p.ID, Plan(p, g.Options))
	switch {
	case errors.Is(err, store.ErrAlreadyGenerated), errors.Is(err, store.ErrParentHasItems):
		return nil, nil
	case err != nil:
		return nil, err
	}
	g.Logger.Printf("backfill parent=%s items=%d", p.ID, len(items))
	return items, nil
}

// Plan derives the default drafts for p. The result depends only on p and opts.
func Plan(p domain.ParentEntity, opts Options) []domain.WorkItemDraft {
	h := hash(p.ID)
	count := opts.MinItems
	if span := opts.MaxItems - opts.MinItems; span > 0 {
		count += int(h % uint32(span+1))
	}
	suffix := firstWords(p.Name, 3)
	drafts := make([]domain.WorkItemDraft, 0, count)
	for i := 0; i < count; i++ {
		k := int(h%1024) + i
		name := pick(opts.Templates, k)
		if name == "" {
			name = fmt.Sprintf("Element %d", i+1)
		}
		if suffix != "" {
			name += " - " + suffix
		}
		d := domain.WorkItemDraft{
			ID:            fmt.Sprintf("%s-T-%03d", p.ID, i+1),
			ParentID:      p.ID,
			Status:        domain.FirstStage(),
			Name:          name,
			AssignedTo:    pick(p.Team, i),
			Priority:      pick(opts.Priorities, k),
			Zone:          pick(opts.Zones, k),
			Machine:       pick(opts.Machines, k),
			EstimatedTime: fmt.Sprintf("%dh", 4+(k*7)%20),
		}
		if m := pick(opts.Materials, k); m != "" {
			d.Materials = []string{m}
		}
		drafts = append(drafts, d)
	}
	return drafts
}

func hash(s string) uint32 {
	f := fnv.New32a()
	_, _ = f.Write([]byte(s))
	return f.Sum32()
}

func pick(list []string, i int) string {
	if len(list) == 0 {
		return ""
	}
	return list[i%len(list)]
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
