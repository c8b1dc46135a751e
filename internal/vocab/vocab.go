// Package vocab maps per-view status labels to canonical statuses and back.
package vocab

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tilesync/internal/domain"
)

var (
	ErrUnknownView  = errors.New("unknown view")
	ErrUnknownLabel = errors.New("unknown label")
)

// UnknownLabelError is returned when a label is not part of a view's vocabulary.
type UnknownLabelError struct {
	View  string
	Label string
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("view %s: unknown label %q", e.View, e.Label)
}

func (e *UnknownLabelError) Is(target error) bool { return target == ErrUnknownLabel }

// ConfigurationError reports an invalid view definition.
type ConfigurationError struct {
	View   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.View == "" {
		return "vocabulary: " + e.Reason
	}
	return fmt.Sprintf("vocabulary %s: %s", e.View, e.Reason)
}

// View is a registered vocabulary.
type View struct {
	Name   string
	Zone   []domain.Status
	Labels map[domain.Status]string
}

// Label returns the view label for s.
func (v View) Label(s domain.Status) (string, bool) {
	l, ok := v.Labels[s]
	return l, ok
}

type entry struct {
	view    View
	toLocal map[domain.Status]string
	toCanon map[string]domain.Status
}

// Registry holds view vocabularies. It is populated at startup and read-mostly after.
type Registry struct {
	mu    sync.RWMutex
	order []string
	views map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{views: map[string]*entry{}}
}

// RegisterView validates and stores a vocabulary. The label map must be a
// bijection between zone and labels.
func (r *Registry) RegisterView(name string, zone []domain.Status, labels map[domain.Status]string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ConfigurationError{Reason: "view name is required"}
	}
	if len(zone) == 0 {
		return &ConfigurationError{View: name, Reason: "zone is empty"}
	}
	inZone := map[domain.Status]bool{}
	for _, s := range zone {
		if !s.Valid() {
			return &ConfigurationError{View: name, Reason: fmt.Sprintf("invalid status %d in zone", int(s))}
		}
		if inZone[s] {
			return &ConfigurationError{View: name, Reason: fmt.Sprintf("status %s listed twice in zone", s)}
		}
		inZone[s] = true
	}
	if len(labels) != len(zone) {
		return &ConfigurationError{View: name, Reason: fmt.Sprintf("labels cover %d statuses, zone has %d", len(labels), len(zone))}
	}
	toLocal := make(map[domain.Status]string, len(labels))
	toCanon := make(map[string]domain.Status, len(labels))
	for s, label := range labels {
		if !inZone[s] {
			return &ConfigurationError{View: name, Reason: fmt.Sprintf("label given for status %s outside zone", s)}
		}
		if strings.TrimSpace(label) == "" {
			return &ConfigurationError{View: name, Reason: fmt.Sprintf("empty label for status %s", s)}
		}
		if other, dup := toCanon[label]; dup {
			return &ConfigurationError{View: name, Reason: fmt.Sprintf("label %q maps to both %s and %s", label, other, s)}
		}
		toLocal[s] = label
		toCanon[label] = s
	}
	z := append([]domain.Status(nil), zone...)
	sort.Slice(z, func(i, j int) bool { return z[i] < z[j] })

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.views[name]; exists {
		return &ConfigurationError{View: name, Reason: "view already registered"}
	}
	r.views[name] = &entry{
		view:    View{Name: name, Zone: z, Labels: copyLabels(toLocal)},
		toLocal: toLocal,
		toCanon: toCanon,
	}
	r.order = append(r.order, name)
	return nil
}

// ToCanonical translates a view label into the canonical status.
func (r *Registry) ToCanonical(view, label string) (domain.Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.views[view]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownView, view)
	}
	s, ok := e.toCanon[label]
	if !ok {
		return 0, &UnknownLabelError{View: view, Label: label}
	}
	return s, nil
}

// ToLocal translates a canonical status into the view's label. ok is false
// when the status lies outside the view's zone or the view is unknown.
func (r *Registry) ToLocal(view string, s domain.Status) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.views[view]
	if !ok {
		return "", false
	}
	label, ok := e.toLocal[s]
	return label, ok
}

func (r *Registry) Contains(view string, s domain.Status) bool {
	_, ok := r.ToLocal(view, s)
	return ok
}

// View returns a copy of the named vocabulary.
func (r *Registry) View(name string) (View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.views[name]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownView, name)
	}
	return cloneView(e.view), nil
}

// Views returns all vocabularies in registration order.
func (r *Registry) Views() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]View, 0, len(r.order))
	for _, name := range r.order {
		res = append(res, cloneView(r.views[name].view))
	}
	return res
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func cloneView(v View) View {
	return View{Name: v.Name, Zone: append([]domain.Status(nil), v.Zone...), Labels: copyLabels(v.Labels)}
}

func copyLabels(in map[domain.Status]string) map[domain.Status]string {
	out := make(map[domain.Status]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
