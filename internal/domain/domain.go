package domain

import (
	"fmt"
	"time"
)

// Status is the canonical lifecycle stage of a work item. Values are ordered.
type Status int

const (
	StatusDesigning Status = iota + 1
	StatusPendingApproval
	StatusQueued
	StatusInProgress
	StatusReadyForNextStage
	StatusAssembling
	StatusDone
)

var statusNames = map[Status]string{
	StatusDesigning:         "designing",
	StatusPendingApproval:   "pending_approval",
	StatusQueued:            "queued",
	StatusInProgress:        "in_progress",
	StatusReadyForNextStage: "ready_for_next_stage",
	StatusAssembling:        "assembling",
	StatusDone:              "done",
}

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusDesigning,
		StatusPendingApproval,
		StatusQueued,
		StatusInProgress,
		StatusReadyForNextStage,
		StatusAssembling,
		StatusDone,
	}
}

// FirstStage is the status assigned to new items when none is given.
func FirstStage() Status { return StatusDesigning }

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseStatus accepts only the canonical wire names.
func ParseStatus(v string) (Status, error) {
	for s, name := range statusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("invalid status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type WorkItem struct {
	ID            string   `json:"id"`
	ParentID      string   `json:"parent_id"`
	Status        Status   `json:"status"`
	Name          string   `json:"name"`
	AssignedTo    string   `json:"assigned_to,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	Progress      int      `json:"progress"`
	Zone          string   `json:"zone,omitempty"`
	Machine       string   `json:"machine,omitempty"`
	Materials     []string `json:"materials,omitempty"`
	EstimatedTime string   `json:"estimated_time,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	// DxfFile and AssemblyDrawing reference drawings stored elsewhere.
	DxfFile         string  `json:"dxf_file,omitempty"`
	AssemblyDrawing string  `json:"assembly_drawing,omitempty"`
	Version         int64   `json:"version"`
	StartedAt       *string `json:"started_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// WorkItemDraft carries the caller-supplied fields of a new item.
type WorkItemDraft struct {
	ID              string
	ParentID        string
	Status          Status
	Name            string
	AssignedTo      string
	Priority        string
	Progress        int
	Zone            string
	Machine         string
	Materials       []string
	EstimatedTime   string
	Notes           string
	DxfFile         string
	AssemblyDrawing string
}

// FieldUpdate is a partial patch. Nil fields are left unchanged.
type FieldUpdate struct {
	Status          *Status
	Name            *string
	AssignedTo      *string
	Priority        *string
	Progress        *int
	Zone            *string
	Machine         *string
	Materials       *[]string
	EstimatedTime   *string
	Notes           *string
	DxfFile         *string
	AssemblyDrawing *string
}

func (u FieldUpdate) Empty() bool {
	return u.Status == nil && u.Name == nil && u.AssignedTo == nil && u.Priority == nil &&
		u.Progress == nil && u.Zone == nil && u.Machine == nil && u.Materials == nil &&
		u.EstimatedTime == nil && u.Notes == nil && u.DxfFile == nil && u.AssemblyDrawing == nil
}

// ParentEntity owns work items, e.g. a project with its team roster.
type ParentEntity struct {
	ID   string   `json:"id" yaml:"id"`
	Name string   `json:"name" yaml:"name"`
	Team []string `json:"team,omitempty" yaml:"team"`
}

// Transition records one committed status write.
type Transition struct {
	ID         string `json:"id"`
	ItemID     string `json:"item_id"`
	ParentID   string `json:"parent_id"`
	From       Status `json:"from,omitempty"`
	To         Status `json:"to"`
	SourceView string `json:"source_view,omitempty"`
	Version    int64  `json:"version"`
	At         string `json:"at"`
}

// NewItem builds version 1 of an item from a draft.
func NewItem(d WorkItemDraft, now time.Time) WorkItem {
	ts := now.UTC().Format(time.RFC3339)
	status := d.Status
	if status == 0 {
		status = FirstStage()
	}
	it := WorkItem{
		ID:              d.ID,
		ParentID:        d.ParentID,
		Status:          status,
		Name:            d.Name,
		AssignedTo:      d.AssignedTo,
		Priority:        d.Priority,
		Progress:        d.Progress,
		Zone:            d.Zone,
		Machine:         d.Machine,
		Materials:       append([]string(nil), d.Materials...),
		EstimatedTime:   d.EstimatedTime,
		Notes:           d.Notes,
		DxfFile:         d.DxfFile,
		AssemblyDrawing: d.AssemblyDrawing,
		Version:         1,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	ApplyStatusEffects(&it, 0, status, now)
	return it
}

// ApplyStatusEffects stamps lifecycle timestamps when an item enters a stage.
// Entering in_progress records the start once; entering ready_for_next_stage
// records completion and forces progress to 100.
func ApplyStatusEffects(it *WorkItem, from, to Status, now time.Time) {
	if from == to {
		return
	}
	ts := now.UTC().Format(time.RFC3339)
	switch to {
	case StatusInProgress:
		if it.StartedAt == nil {
			it.StartedAt = &ts
		}
	case StatusReadyForNextStage:
		it.CompletedAt = &ts
		it.Progress = 100
	}
}

// Apply copies the set fields of u onto it and reports the previous status.
func (u FieldUpdate) Apply(it *WorkItem, now time.Time) Status {
	prev := it.Status
	if u.Name != nil {
		it.Name = *u.Name
	}
	if u.AssignedTo != nil {
		it.AssignedTo = *u.AssignedTo
	}
	if u.Priority != nil {
		it.Priority = *u.Priority
	}
	if u.Progress != nil {
		it.Progress = *u.Progress
	}
	if u.Zone != nil {
		it.Zone = *u.Zone
	}
	if u.Machine != nil {
		it.Machine = *u.Machine
	}
	if u.Materials != nil {
		it.Materials = append([]string(nil), (*u.Materials)...)
	}
	if u.EstimatedTime != nil {
		it.EstimatedTime = *u.EstimatedTime
	}
	if u.Notes != nil {
		it.Notes = *u.Notes
	}
	if u.DxfFile != nil {
		it.DxfFile = *u.DxfFile
	}
	if u.AssemblyDrawing != nil {
		it.AssemblyDrawing = *u.AssemblyDrawing
	}
	if u.Status != nil {
		it.Status = *u.Status
		ApplyStatusEffects(it, prev, it.Status, now)
	}
	return prev
}
