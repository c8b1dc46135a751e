package tilesyncsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Client is a minimal Tilesync HTTP API client. Every call is made on
// behalf of one view, whose labels it sends and receives.
type Client struct {
	BaseURL    string
	View       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, view string) *Client {
	return &Client{
		BaseURL: baseURL,
		View:    view,
		Timeout: 10 * time.Second,
	}
}

// Item represents the API work item model.
type Item struct {
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

// ViewItem is an item with its label in the client's view.
type ViewItem struct {
	Label string `json:"label"`
	Item  Item   `json:"item"`
}

// View describes a vocabulary: canonical status names mapped to labels.
type View struct {
	Name   string            `json:"name"`
	Zone   []string          `json:"zone"`
	Labels map[string]string `json:"labels"`
}

// NewItem is the payload for CreateItem. Label is read in the client's view.
type NewItem struct {
	ID              string   `json:"id,omitempty"`
	ParentID        string   `json:"parent_id"`
	Name            string   `json:"name"`
	Label           string   `json:"label,omitempty"`
	AssignedTo      string   `json:"assigned_to,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	Zone            string   `json:"zone,omitempty"`
	Machine         string   `json:"machine,omitempty"`
	Materials       []string `json:"materials,omitempty"`
	EstimatedTime   string   `json:"estimated_time,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	DxfFile         string   `json:"dxf_file,omitempty"`
	AssemblyDrawing string   `json:"assembly_drawing,omitempty"`
}

// ItemPatch is the payload for UpdateFields. Nil fields are left unchanged.
type ItemPatch struct {
	Label           *string   `json:"label,omitempty"`
	Name            *string   `json:"name,omitempty"`
	AssignedTo      *string   `json:"assigned_to,omitempty"`
	Priority        *string   `json:"priority,omitempty"`
	Progress        *int      `json:"progress,omitempty"`
	Zone            *string   `json:"zone,omitempty"`
	Machine         *string   `json:"machine,omitempty"`
	Materials       *[]string `json:"materials,omitempty"`
	EstimatedTime   *string   `json:"estimated_time,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	DxfFile         *string   `json:"dxf_file,omitempty"`
	AssemblyDrawing *string   `json:"assembly_drawing,omitempty"`
}

// Parent is a backfill target.
type Parent struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Team []string `json:"team,omitempty"`
}

// BackfillReport lists what a backfill run did.
type BackfillReport struct {
	Created   []Item   `json:"created"`
	Generated []string `json:"generated"`
	Skipped   []string `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Notification is one websocket message.
type Notification struct {
	View     string    `json:"view"`
	ItemID   string    `json:"item_id"`
	ParentID string    `json:"parent_id"`
	Label    string    `json:"label,omitempty"`
	Removed  bool      `json:"removed,omitempty"`
	Status   string    `json:"status"`
	Version  int64     `json:"version"`
	At       time.Time `json:"at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// ConflictError is returned when the item moved on since the version the
// caller sent. Current is the item as stored now.
type ConflictError struct {
	ExpectedVersion int64
	Current         Item
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.Current.ID, e.ExpectedVersion, e.Current.Version)
}

// Views lists every vocabulary the server knows.
func (c *Client) Views(ctx context.Context) ([]View, error) {
	var resp []View
	err := c.do(ctx, http.MethodGet, "v0/views", nil, &resp)
	return resp, err
}

// ListForView lists the parent's items visible in the client's view. An
// empty parentID lists every parent.
func (c *Client) ListForView(ctx context.Context, parentID string) ([]ViewItem, error) {
	endpoint := c.viewPath("items")
	if parentID != "" {
		endpoint += "?parent_id=" + url.QueryEscape(parentID)
	}
	var resp []ViewItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateStatus moves an item to the status behind label. On a stale
// expectedVersion it returns a *ConflictError.
func (c *Client) UpdateStatus(ctx context.Context, itemID, label string, expectedVersion int64) (ViewItem, error) {
	body := map[string]any{
		"label":            label,
		"expected_version": expectedVersion,
	}
	var resp ViewItem
	err := c.do(ctx, http.MethodPost, c.viewPath(fmt.Sprintf("items/%s/status", url.PathEscape(itemID))), body, &resp)
	return resp, err
}

// CreateItem creates an item. A set Label is translated in the client's view.
func (c *Client) CreateItem(ctx context.Context, item NewItem) (Item, error) {
	body := struct {
		NewItem
		View string `json:"view,omitempty"`
	}{NewItem: item}
	if item.Label != "" {
		body.View = c.View
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, "v0/items", body, &resp)
	return resp, err
}

// ListByStatus lists items at a canonical status, e.g. "queued". An empty
// parentID searches every parent.
func (c *Client) ListByStatus(ctx context.Context, status, parentID string) ([]Item, error) {
	q := url.Values{"status": {status}}
	if parentID != "" {
		q.Set("parent_id", parentID)
	}
	var resp []Item
	err := c.do(ctx, http.MethodGet, "v0/items?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/items/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// UpdateFields patches an item under the same version check as UpdateStatus.
func (c *Client) UpdateFields(ctx context.Context, id string, expectedVersion int64, patch ItemPatch) (Item, error) {
	body := struct {
		ItemPatch
		ExpectedVersion int64  `json:"expected_version"`
		View            string `json:"view,omitempty"`
	}{ItemPatch: patch, ExpectedVersion: expectedVersion}
	if patch.Label != nil {
		body.View = c.View
	}
	var resp Item
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("v0/items/%s", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Backfill creates default items for parents without any. With no parents
// the server uses its configured roster.
func (c *Client) Backfill(ctx context.Context, parents []Parent) (BackfillReport, error) {
	var body any
	if len(parents) > 0 {
		body = map[string]any{"parents": parents}
	}
	var resp BackfillReport
	err := c.do(ctx, http.MethodPost, "v0/backfill", body, &resp)
	return resp, err
}

// Watch streams notifications for the client's view to fn until ctx is
// done or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(Notification)) error {
	u, err := url.Parse(c.base() + "/v0/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"view": {c.View}}.Encode()
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		fn(n)
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details struct {
			ExpectedVersion int64 `json:"expected_version"`
			Current         *Item `json:"current"`
		} `json:"details"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apiErr
	}
	apiErr.Code = env.Error.Code
	if status == http.StatusConflict && env.Error.Code == "version_conflict" && env.Error.Details.Current != nil {
		return &ConflictError{ExpectedVersion: env.Error.Details.ExpectedVersion, Current: *env.Error.Details.Current}
	}
	return apiErr
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func (c *Client) viewPath(p string) string {
	return fmt.Sprintf("v0/views/%s/%s", url.PathEscape(c.View), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
