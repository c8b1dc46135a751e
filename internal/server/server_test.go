package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"tilesync/internal/backfill"
	"tilesync/internal/config"
	"tilesync/internal/domain"
	"tilesync/internal/engine"
	"tilesync/internal/notify"
	"tilesync/internal/store"
	"tilesync/internal/vocab"
)

type testServer struct {
	URL    string
	client *http.Client
	engine engine.Engine
	srv    *Server
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, roster []domain.ParentEntity) (*testServer, func()) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	cfg := config.Default()
	views, err := vocab.FromConfig(cfg.Views)
	if err != nil {
		t.Fatalf("views: %v", err)
	}
	st := store.NewMemory()
	gen := backfill.New(st, backfill.OptionsFromConfig(cfg.Backfill), logger)
	e := engine.New(st, views, gen, notify.NewBroker(logger), logger)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Parents:  func() ([]domain.ParentEntity, error) { return roster, nil },
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		engine: e,
		srv:    handler,
		close: func() {
			handler.Close()
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func createItem(t *testing.T, srv *testServer, body map[string]any) ItemResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", body)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, data)
	}
	var it ItemResponse
	if err := json.Unmarshal(data, &it); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	return it
}

func TestViewStatusUpdateAndConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	it := createItem(t, srv, map[string]any{
		"id":        "PRJ-1-T-001",
		"parent_id": "PRJ-1",
		"name":      "Rama konstrukcyjna główna",
		"view":      "production",
		"label":     "W KOLEJCE",
	})
	if it.Status != "queued" || it.Version != 1 {
		t.Fatalf("unexpected created item %+v", it)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/views/production/items/PRJ-1-T-001/status", map[string]any{
		"label":            "W TRAKCIE CIĘCIA",
		"expected_version": 1,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, data)
	}
	var moved ViewItemResponse
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if moved.Label != "W TRAKCIE CIĘCIA" || moved.Item.Status != "in_progress" || moved.Item.Version != 2 || moved.Item.StartedAt == nil {
		t.Fatalf("unexpected moved item %+v", moved)
	}

	// project view sees the same item under its own label
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/views/project/items?parent_id=PRJ-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list %d: %s", res.StatusCode, data)
	}
	var listed []ViewItemResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 || listed[0].Label != "W produkcji CNC" {
		t.Fatalf("unexpected project listing %+v", listed)
	}

	// stale version
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/views/project/items/PRJ-1-T-001/status", map[string]any{
		"label":            "W montażu",
		"expected_version": 1,
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, data)
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	current, _ := env.Error.Details["current"].(map[string]any)
	if env.Error.Code != "version_conflict" || current["version"] != float64(2) || current["status"] != "in_progress" {
		t.Fatalf("unexpected conflict envelope %s", data)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	createItem(t, srv, map[string]any{"id": "A-1", "parent_id": "A", "name": "Panel"})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown label", http.MethodPost, "/v0/views/production/items/A-1/status", map[string]any{"label": "DONE", "expected_version": 1}, http.StatusBadRequest, "unknown_label"},
		{"unknown view", http.MethodGet, "/v0/views/warehouse/items", nil, http.StatusNotFound, "unknown_view"},
		{"missing item", http.MethodGet, "/v0/items/nope", nil, http.StatusNotFound, "not_found"},
		{"missing item status", http.MethodPost, "/v0/views/project/items/nope/status", map[string]any{"label": "Projektowanie", "expected_version": 1}, http.StatusNotFound, "not_found"},
		{"duplicate id", http.MethodPost, "/v0/items", map[string]any{"id": "A-1", "parent_id": "A", "name": "Panel"}, http.StatusConflict, "duplicate"},
		{"empty patch", http.MethodPatch, "/v0/items/A-1", map[string]any{"expected_version": 1}, http.StatusBadRequest, "bad_request"},
		{"label without view", http.MethodPatch, "/v0/items/A-1", map[string]any{"expected_version": 1, "label": "W KOLEJCE"}, http.StatusBadRequest, "bad_request"},
		{"schema validation", http.MethodPost, "/v0/items", map[string]any{"parent_id": "A"}, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, tc.method, srv.URL+tc.path, tc.body)
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.StatusCode, data)
			}
			var env errorEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("unmarshal: %v (%s)", err, data)
			}
			if env.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, data)
			}
		})
	}
}

func TestPatchItemAndTransitions(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	createItem(t, srv, map[string]any{"id": "B-1", "parent_id": "B", "name": "Obudowa", "status": "in_progress"})

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/B-1", map[string]any{
		"expected_version": 1,
		"status":           "ready_for_next_stage",
		"notes":            "gotowe",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch %d: %s", res.StatusCode, data)
	}
	var it ItemResponse
	if err := json.Unmarshal(data, &it); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if it.Progress != 100 || it.CompletedAt == nil || it.Notes != "gotowe" || it.Version != 2 {
		t.Fatalf("unexpected patched item %+v", it)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/B-1/transitions", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions %d: %s", res.StatusCode, data)
	}
	var trs []TransitionResponse
	if err := json.Unmarshal(data, &trs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(trs) != 1 || trs[0].From != "in_progress" || trs[0].To != "ready_for_next_stage" {
		t.Fatalf("unexpected transitions %+v", trs)
	}
}

func TestListItemsByStatusCarriesDrawings(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	createItem(t, srv, map[string]any{"id": "D-2", "parent_id": "D", "name": "Drzwi", "status": "queued"})
	createItem(t, srv, map[string]any{"id": "D-1", "parent_id": "D", "name": "Rama", "status": "queued", "dxf_file": "rama.dxf"})
	createItem(t, srv, map[string]any{"id": "D-3", "parent_id": "D", "name": "Szkic"})

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/D-2", map[string]any{
		"expected_version": 1,
		"assembly_drawing": "drzwi-A1.pdf",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items?status=queued&parent_id=D", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list %d: %s", res.StatusCode, data)
	}
	var items []ItemResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 2 || items[0].ID != "D-1" || items[0].DxfFile != "rama.dxf" || items[1].AssemblyDrawing != "drzwi-A1.pdf" {
		t.Fatalf("unexpected queued items %+v", items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items?status=waiting", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d: %s", res.StatusCode, data)
	}
}

func TestBackfillUsesRosterWhenBodyEmpty(t *testing.T) {
	roster := []domain.ParentEntity{{ID: "PRJ-2024-001", Name: "Linia produkcyjna automatyczna", Team: []string{"Jan Kowalski"}}}
	srv, cleanup := newTestServer(t, roster)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/backfill", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("backfill %d: %s", res.StatusCode, data)
	}
	var rep BackfillResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rep.Generated) != 1 || len(rep.Created) < 3 || rep.Created[0].AssignedTo != "Jan Kowalski" {
		t.Fatalf("unexpected report %+v", rep)
	}

	// a second run, with an explicit body, creates nothing
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/backfill", map[string]any{
		"parents": []map[string]any{{"id": "PRJ-2024-001"}},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("backfill %d: %s", res.StatusCode, data)
	}
	rep = BackfillResponse{}
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rep.Created) != 0 || len(rep.Skipped) != 1 {
		t.Fatalf("expected skip on second run, got %+v", rep)
	}
}

func TestViewsAndHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/views", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("views %d: %s", res.StatusCode, data)
	}
	var views []ViewResponse
	if err := json.Unmarshal(data, &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 2 || views[0].Name != "production" || views[0].Labels["queued"] != "W KOLEJCE" || len(views[1].Zone) != 7 {
		t.Fatalf("unexpected views %+v", views)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"ok"`) {
		t.Fatalf("health %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/views/{view}/items/{id}/status") {
		t.Fatalf("openapi %d", res.StatusCode)
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		bodies [][]byte
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			defer res.Body.Close()
			b, _ := io.ReadAll(res.Body)
			mu.Lock()
			bodies = append(bodies, b)
			mu.Unlock()
		}()
	}
	wg.Wait()
	for _, b := range bodies {
		if len(b) == 0 || !bytes.Equal(b, bodies[0]) {
			t.Fatalf("openapi documents differ across concurrent requests")
		}
	}
}

func TestWebsocketStreamsViewNotifications(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/ws?view=production"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// subscription is registered before the upgrade completes
	deadline := time.Now().Add(2 * time.Second)
	for srv.srv.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	createItem(t, srv, map[string]any{"id": "C-1", "parent_id": "C", "name": "Panel", "status": "queued"})
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var n notify.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.View != "production" || n.ItemID != "C-1" || n.Label != "W KOLEJCE" || n.Removed {
		t.Fatalf("unexpected notification %+v", n)
	}

	// moving past the production zone tells the board to drop the card
	if _, err := srv.engine.UpdateFields(ctx, engine.ItemUpdateOptions{
		ID:              "C-1",
		ExpectedVersion: 1,
		Fields:          domain.FieldUpdate{Status: statusPtr(domain.StatusAssembling)},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	n = notify.Notification{}
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !n.Removed || n.Label != "" || n.Status != domain.StatusAssembling {
		t.Fatalf("expected removal notification, got %+v", n)
	}
}

func TestWebsocketRejectsUnknownView(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/ws?view=warehouse", nil)
	if res.StatusCode != http.StatusNotFound || !strings.Contains(string(data), "unknown_view") {
		t.Fatalf("expected unknown_view 404, got %d: %s", res.StatusCode, data)
	}
}

func statusPtr(s domain.Status) *domain.Status { return &s }
