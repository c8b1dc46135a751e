package tilesyncsdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestUpdateStatusReturnsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/views/production/items/T-1/status" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["label"] != "WYCIĘTE" || body["expected_version"] != float64(3) {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"version_conflict","message":"stale","details":{"expected_version":3,"current":{"id":"T-1","status":"assembling","version":5}}}}`)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "production")
	_, err := c.UpdateStatus(context.Background(), "T-1", "WYCIĘTE", 3)
	ce, ok := err.(*ConflictError)
	if !ok || !IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if ce.Current.Version != 5 || ce.Current.Status != "assembling" || ce.ExpectedVersion != 3 {
		t.Fatalf("unexpected conflict %+v", ce)
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":"unknown_label","message":"view production: unknown label \"X\""}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "production").UpdateStatus(context.Background(), "T-1", "X", 1)
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != "unknown_label" || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestCreateAndPatchSendView(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		io.WriteString(w, `{"id":"T-9","parent_id":"P","status":"queued","name":"Panel","version":1}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "project")
	it, err := c.CreateItem(context.Background(), NewItem{ParentID: "P", Name: "Panel", Label: "W kolejce CNC"})
	if err != nil || it.ID != "T-9" {
		t.Fatalf("create: %+v %v", it, err)
	}
	notes := "pilne"
	if _, err := c.UpdateFields(context.Background(), "T-9", 1, ItemPatch{Notes: &notes}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if bodies[0]["view"] != "project" || bodies[0]["label"] != "W kolejce CNC" {
		t.Fatalf("create body %v", bodies[0])
	}
	if _, ok := bodies[1]["view"]; ok || bodies[1]["expected_version"] != float64(1) || bodies[1]["notes"] != "pilne" {
		t.Fatalf("patch body %v", bodies[1])
	}
}

func TestListForViewAndBackfill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v0/views/project/items":
			if r.URL.Query().Get("parent_id") != "PRJ 1" {
				t.Errorf("parent filter lost: %s", r.URL.RawQuery)
			}
			io.WriteString(w, `[{"label":"Projektowanie","item":{"id":"T-1","status":"designing","version":1}}]`)
		case r.URL.Path == "/v0/items":
			if r.URL.Query().Get("status") != "queued" || r.URL.Query().Get("parent_id") != "" {
				t.Errorf("unexpected status query: %s", r.URL.RawQuery)
			}
			io.WriteString(w, `[{"id":"T-2","status":"queued","version":2,"dxf_file":"rama.dxf"}]`)
		case r.URL.Path == "/v0/backfill":
			b, _ := io.ReadAll(r.Body)
			if strings.TrimSpace(string(b)) != "" {
				t.Errorf("expected empty backfill body, got %s", b)
			}
			io.WriteString(w, `{"created":[],"generated":[],"skipped":["PRJ 1"]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "project")
	items, err := c.ListForView(context.Background(), "PRJ 1")
	if err != nil || len(items) != 1 || items[0].Label != "Projektowanie" {
		t.Fatalf("list: %+v %v", items, err)
	}
	queued, err := c.ListByStatus(context.Background(), "queued", "")
	if err != nil || len(queued) != 1 || queued[0].DxfFile != "rama.dxf" {
		t.Fatalf("by status: %+v %v", queued, err)
	}
	rep, err := c.Backfill(context.Background(), nil)
	if err != nil || len(rep.Skipped) != 1 {
		t.Fatalf("backfill: %+v %v", rep, err)
	}
}
