package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	es "github.com/terraskye/eventflow"
	"github.com/terraskye/eventflow/eventstore/memory"
	"github.com/terraskye/eventflow/examples/orderfulfillment"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.MemoryStore) {
	t.Helper()

	store := memory.NewMemoryStore(64)
	t.Cleanup(func() { store.Close() })

	commands := es.NewCommandBus(8, 2)
	t.Cleanup(commands.Stop)
	es.Register(commands, orderfulfillment.NewCreateOrderHandler(store))
	es.Register(commands, orderfulfillment.NewMarkItemReadyHandler(store))

	queries := es.NewQueryBus()
	es.RegisterQueryHandler(queries, orderfulfillment.NewGetOrderHandler(store))

	srv := &server{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		commands: commands,
		queries:  queries,
	}

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_CreateOrder(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/orders", `{"order_id":"o1","items":["mug","lid"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/orders/o1" {
		t.Fatalf("unexpected location %q", loc)
	}

	// Creating the same order again is a conflict, not an overwrite.
	resp = postJSON(t, ts.URL+"/orders", `{"order_id":"o1","items":["mug"]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", resp.StatusCode)
	}
}

func TestServer_CreateOrder_BadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/orders", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/orders", `{"order_id":"o1","items":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty items, got %d", resp.StatusCode)
	}
}

func TestServer_ReadinessFlow(t *testing.T) {
	ts, store := newTestServer(t)

	if resp := postJSON(t, ts.URL+"/orders", `{"order_id":"o1","items":["mug","lid"]}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}

	if resp := postJSON(t, ts.URL+"/orders/o1/items/mug/ready", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("first ready: %d", resp.StatusCode)
	}
	if resp := postJSON(t, ts.URL+"/orders/o1/items/lid/ready", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("second ready: %d", resp.StatusCode)
	}

	// Unknown item names are client errors.
	if resp := postJSON(t, ts.URL+"/orders/o1/items/straw/ready", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown item: expected 400, got %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/orders/o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}

	var view orderfulfillment.OrderView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if !view.Ready {
		t.Fatalf("expected ready order, got %+v", view)
	}
	// Readying the last item committed ItemReady + OrderReady on top of the
	// creation and first ItemReady.
	if view.Version != 4 {
		t.Fatalf("expected version 4, got %d", view.Version)
	}

	// The shipping instruction is waiting in the outbox.
	pending, err := store.PendingMessages(t.Context(), 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 staged shipping instruction, got %d", len(pending))
	}
}

func TestServer_GetMissingOrder(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/orders/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
