package server

import (
	"fmt"

	"tilesync/internal/backfill"
	"tilesync/internal/domain"
	"tilesync/internal/engine"
	"tilesync/internal/store"
	"tilesync/internal/vocab"
)

// Request payloads

type UpdateStatusRequest struct {
	Label           string `json:"label" minLength:"1" example:"W TRAKCIE CIĘCIA"`
	ExpectedVersion int64  `json:"expected_version" minimum:"1"`
}

type CreateItemRequest struct {
	ID              *string  `json:"id,omitempty"`
	ParentID        string   `json:"parent_id" minLength:"1"`
	Name            string   `json:"name" minLength:"1"`
	Status          *string  `json:"status,omitempty" enum:"designing,pending_approval,queued,in_progress,ready_for_next_stage,assembling,done"`
	View            *string  `json:"view,omitempty"`
	Label           *string  `json:"label,omitempty"`
	AssignedTo      *string  `json:"assigned_to,omitempty"`
	Priority        *string  `json:"priority,omitempty"`
	Progress        *int     `json:"progress,omitempty" minimum:"0" maximum:"100"`
	Zone            *string  `json:"zone,omitempty"`
	Machine         *string  `json:"machine,omitempty"`
	Materials       []string `json:"materials,omitempty"`
	EstimatedTime   *string  `json:"estimated_time,omitempty"`
	Notes           *string  `json:"notes,omitempty"`
	DxfFile         *string  `json:"dxf_file,omitempty"`
	AssemblyDrawing *string  `json:"assembly_drawing,omitempty"`
}

type UpdateItemRequest struct {
	ExpectedVersion int64     `json:"expected_version" minimum:"1"`
	Status          *string   `json:"status,omitempty" enum:"designing,pending_approval,queued,in_progress,ready_for_next_stage,assembling,done"`
	View            *string   `json:"view,omitempty"`
	Label           *string   `json:"label,omitempty"`
	Name            *string   `json:"name,omitempty"`
	AssignedTo      *string   `json:"assigned_to,omitempty"`
	Priority        *string   `json:"priority,omitempty"`
	Progress        *int      `json:"progress,omitempty" minimum:"0" maximum:"100"`
	Zone            *string   `json:"zone,omitempty"`
	Machine         *string   `json:"machine,omitempty"`
	Materials       *[]string `json:"materials,omitempty"`
	EstimatedTime   *string   `json:"estimated_time,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	DxfFile         *string   `json:"dxf_file,omitempty"`
	AssemblyDrawing *string   `json:"assembly_drawing,omitempty"`
}

type ParentRequest struct {
	ID   string   `json:"id" minLength:"1"`
	Name string   `json:"name,omitempty"`
	Team []string `json:"team,omitempty"`
}

type BackfillRequest struct {
	Parents []ParentRequest `json:"parents,omitempty"`
}

// Responses

type ItemResponse struct {
	ID              string   `json:"id"`
	ParentID        string   `json:"parent_id"`
	Status          string   `json:"status"`
	Name            string   `json:"name"`
	AssignedTo      string   `json:"assigned_to,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	Progress        int      `json:"progress"`
	Zone            string   `json:"zone,omitempty"`
	Machine         string   `json:"machine,omitempty"`
	Materials       []string `json:"materials,omitempty"`
	EstimatedTime   string   `json:"estimated_time,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	DxfFile         string   `json:"dxf_file,omitempty"`
	AssemblyDrawing string   `json:"assembly_drawing,omitempty"`
	Version         int64    `json:"version"`
	StartedAt       *string  `json:"started_at,omitempty"`
	CompletedAt     *string  `json:"completed_at,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

type ViewItemResponse struct {
	Label string       `json:"label"`
	Item  ItemResponse `json:"item"`
}

type ViewResponse struct {
	Name   string            `json:"name"`
	Zone   []string          `json:"zone"`
	Labels map[string]string `json:"labels"`
}

type TransitionResponse struct {
	ID         string `json:"id"`
	ItemID     string `json:"item_id"`
	ParentID   string `json:"parent_id"`
	From       string `json:"from,omitempty"`
	To         string `json:"to"`
	SourceView string `json:"source_view,omitempty"`
	Version    int64  `json:"version"`
	At         string `json:"at"`
}

type BackfillResponse struct {
	Created   []ItemResponse `json:"created"`
	Generated []string       `json:"generated"`
	Skipped   []string       `json:"skipped"`
	Errors    []string       `json:"errors,omitempty"`
}

func itemResponse(it domain.WorkItem) ItemResponse {
	return ItemResponse{
		ID:              it.ID,
		ParentID:        it.ParentID,
		Status:          it.Status.String(),
		Name:            it.Name,
		AssignedTo:      it.AssignedTo,
		Priority:        it.Priority,
		Progress:        it.Progress,
		Zone:            it.Zone,
		Machine:         it.Machine,
		Materials:       it.Materials,
		EstimatedTime:   it.EstimatedTime,
		Notes:           it.Notes,
		DxfFile:         it.DxfFile,
		AssemblyDrawing: it.AssemblyDrawing,
		Version:         it.Version,
		StartedAt:       it.StartedAt,
		CompletedAt:     it.CompletedAt,
		CreatedAt:       it.CreatedAt,
		UpdatedAt:       it.UpdatedAt,
	}
}

func itemResponses(items []domain.WorkItem) []ItemResponse {
	res := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, itemResponse(it))
	}
	return res
}

func viewItemResponses(items []engine.ViewItem) []ViewItemResponse {
	res := make([]ViewItemResponse, 0, len(items))
	for _, vi := range items {
		res = append(res, ViewItemResponse{Label: vi.Label, Item: itemResponse(vi.Item)})
	}
	return res
}

func viewResponse(v vocab.View) ViewResponse {
	zone := make([]string, 0, len(v.Zone))
	labels := make(map[string]string, len(v.Labels))
	for _, s := range v.Zone {
		zone = append(zone, s.String())
		labels[s.String()] = v.Labels[s]
	}
	return ViewResponse{Name: v.Name, Zone: zone, Labels: labels}
}

func transitionResponse(tr domain.Transition) TransitionResponse {
	res := TransitionResponse{
		ID:         tr.ID,
		ItemID:     tr.ItemID,
		ParentID:   tr.ParentID,
		To:         tr.To.String(),
		SourceView: tr.SourceView,
		Version:    tr.Version,
		At:         tr.At,
	}
	if tr.From.Valid() {
		res.From = tr.From.String()
	}
	return res
}

func backfillResponse(rep backfill.Report) BackfillResponse {
	res := BackfillResponse{
		Created:   make([]ItemResponse, 0, len(rep.Created)),
		Generated: append([]string{}, rep.Generated...),
		Skipped:   append([]string{}, rep.Skipped...),
	}
	for _, it := range rep.Created {
		res.Created = append(res.Created, itemResponse(it))
	}
	return res
}

func parseStatus(v *string) (*domain.Status, error) {
	if v == nil {
		return nil, nil
	}
	s, err := domain.ParseStatus(*v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return &s, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func (r CreateItemRequest) options() (engine.ItemCreateOptions, error) {
	status, err := parseStatus(r.Status)
	if err != nil {
		return engine.ItemCreateOptions{}, err
	}
	draft := domain.WorkItemDraft{
		ID:              deref(r.ID),
		ParentID:        r.ParentID,
		Name:            r.Name,
		AssignedTo:      deref(r.AssignedTo),
		Priority:        deref(r.Priority),
		Zone:            deref(r.Zone),
		Machine:         deref(r.Machine),
		Materials:       r.Materials,
		EstimatedTime:   deref(r.EstimatedTime),
		Notes:           deref(r.Notes),
		DxfFile:         deref(r.DxfFile),
		AssemblyDrawing: deref(r.AssemblyDrawing),
	}
	if status != nil {
		if r.Label != nil {
			return engine.ItemCreateOptions{}, fmt.Errorf("%w: give either status or label", store.ErrInvalidInput)
		}
		draft.Status = *status
	}
	if r.Progress != nil {
		draft.Progress = *r.Progress
	}
	return engine.ItemCreateOptions{Draft: draft, View: deref(r.View), Label: deref(r.Label)}, nil
}

func (r UpdateItemRequest) options(id string) (engine.ItemUpdateOptions, error) {
	status, err := parseStatus(r.Status)
	if err != nil {
		return engine.ItemUpdateOptions{}, err
	}
	return engine.ItemUpdateOptions{
		ID:              id,
		ExpectedVersion: r.ExpectedVersion,
		View:            deref(r.View),
		Label:           deref(r.Label),
		Fields: domain.FieldUpdate{
			Status:          status,
			Name:            r.Name,
			AssignedTo:      r.AssignedTo,
			Priority:        r.Priority,
			Progress:        r.Progress,
			Zone:            r.Zone,
			Machine:         r.Machine,
			Materials:       r.Materials,
			EstimatedTime:   r.EstimatedTime,
			Notes:           r.Notes,
			DxfFile:         r.DxfFile,
			AssemblyDrawing: r.AssemblyDrawing,
		},
	}, nil
}

func (r BackfillRequest) parents() []domain.ParentEntity {
	res := make([]domain.ParentEntity, 0, len(r.Parents))
	for _, p := range r.Parents {
		res = append(res, domain.ParentEntity{ID: p.ID, Name: p.Name, Team: p.Team})
	}
	return res
}
