package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"promptsched/internal/action"
	"promptsched/internal/auth"
	"promptsched/internal/cycle"
	"promptsched/internal/eventbus"
	"promptsched/internal/store"
	logx "promptsched/pkg/logx"
)

type stubInvoker struct{}

func (stubInvoker) Invoke(ctx context.Context, prompt string) (action.Result, error) {
	return action.Result{Output: "done"}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	keys := auth.New(auth.Config{Salt: "s", Keys: []auth.Key{
		{Key: "alice-key", Tier: auth.TierPremium},
		{Key: "bob-key"},
	}})
	coord := cycle.New(cycle.Config{EntryDelay: time.Millisecond}, st, stubInvoker{}, nil, eventbus.New(), logx.Nop())
	svc := New(Config{Enabled: true}, keys, st, coord, logx.Nop())

	ts := httptest.NewServer(svc.handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func doReq(t *testing.T, ts *httptest.Server, method, path, key string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if key != "" {
		req.Header.Set(keyHeader, key)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func createSchedule(t *testing.T, ts *httptest.Server, key string, body map[string]any) entryView {
	t.Helper()
	resp, raw := doReq(t, ts, http.MethodPost, "/v1/schedules", key, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d: %s", resp.StatusCode, raw)
	}
	var v entryView
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHealthzUnauthenticated(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	resp, _ := doReq(t, ts, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	resp, _ := doReq(t, ts, http.MethodGet, "/v1/schedules", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: status %d, want 401", resp.StatusCode)
	}
	resp, _ = doReq(t, ts, http.MethodGet, "/v1/schedules", "wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key: status %d, want 401", resp.StatusCode)
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	v := createSchedule(t, ts, "alice-key", map[string]any{
		"name":   "digest",
		"prompt": "summarize",
		"rule":   map[string]any{"type": "interval", "value": 2, "unit": "hours"},
	})
	if !v.Enabled {
		t.Fatal("enabled must default to true")
	}
	if v.NextExecutionAt.IsZero() {
		t.Fatal("next execution not computed")
	}

	resp, raw := doReq(t, ts, http.MethodGet, "/v1/schedules/"+v.ID, "alice-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d: %s", resp.StatusCode, raw)
	}
	var got entryView
	_ = json.Unmarshal(raw, &got)
	if got.Name != "digest" {
		t.Fatalf("got %+v", got)
	}
	if bytes.Contains(raw, []byte("owner_key")) {
		t.Fatal("owner hash leaked into response")
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"prompt": "p", "rule": "daily"}},
		{"missing prompt", map[string]any{"name": "n", "rule": "daily"}},
		{"bad rule", map[string]any{"name": "n", "prompt": "p", "rule": map[string]any{"type": "interval", "value": 0, "unit": "hours"}}},
		{"unknown field", map[string]any{"name": "n", "prompt": "p", "rule": "daily", "oops": 1}},
	}
	for _, tc := range cases {
		resp, raw := doReq(t, ts, http.MethodPost, "/v1/schedules", "alice-key", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status %d: %s", tc.name, resp.StatusCode, raw)
		}
	}
}

func TestOwnerIsolation(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	v := createSchedule(t, ts, "alice-key", map[string]any{"name": "n", "prompt": "p", "rule": "daily"})

	// Bob cannot see, update or delete Alice's entry.
	resp, _ := doReq(t, ts, http.MethodGet, "/v1/schedules/"+v.ID, "bob-key", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get: status %d, want 404", resp.StatusCode)
	}
	resp, _ = doReq(t, ts, http.MethodPatch, "/v1/schedules/"+v.ID, "bob-key", map[string]any{"name": "stolen"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("patch: status %d, want 404", resp.StatusCode)
	}
	resp, _ = doReq(t, ts, http.MethodDelete, "/v1/schedules/"+v.ID, "bob-key", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete: status %d, want 404", resp.StatusCode)
	}

	// Bob's listing is empty.
	_, raw := doReq(t, ts, http.MethodGet, "/v1/schedules", "bob-key", nil)
	var list struct {
		Schedules []entryView `json:"schedules"`
	}
	_ = json.Unmarshal(raw, &list)
	if len(list.Schedules) != 0 {
		t.Fatalf("bob sees %d schedules", len(list.Schedules))
	}
}

func TestUpdateAndDelete(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	v := createSchedule(t, ts, "alice-key", map[string]any{"name": "n", "prompt": "p", "rule": "daily"})

	resp, raw := doReq(t, ts, http.MethodPatch, "/v1/schedules/"+v.ID, "alice-key", map[string]any{
		"name": "renamed",
		"rule": map[string]any{"type": "interval", "value": 10, "unit": "minutes"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: status %d: %s", resp.StatusCode, raw)
	}
	var got entryView
	_ = json.Unmarshal(raw, &got)
	if got.Name != "renamed" {
		t.Fatalf("patch result: %+v", got)
	}
	if !got.NextExecutionAt.After(time.Now()) || got.NextExecutionAt.After(time.Now().Add(11*time.Minute)) {
		t.Fatalf("rule change did not recompute next execution: %v", got.NextExecutionAt)
	}

	resp, _ = doReq(t, ts, http.MethodDelete, "/v1/schedules/"+v.ID, "alice-key", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	resp, _ = doReq(t, ts, http.MethodGet, "/v1/schedules/"+v.ID, "alice-key", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: status %d", resp.StatusCode)
	}
}

func TestTierCapEnforced(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	// Bob is on the default tier: five enabled entries.
	for i := 0; i < 5; i++ {
		createSchedule(t, ts, "bob-key", map[string]any{
			"name":   fmt.Sprintf("s%d", i),
			"prompt": "p",
			"rule":   "daily",
		})
	}
	resp, raw := doReq(t, ts, http.MethodPost, "/v1/schedules", "bob-key", map[string]any{
		"name": "one too many", "prompt": "p", "rule": "daily",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", resp.StatusCode, raw)
	}

	// Creating it disabled is fine.
	v := createSchedule(t, ts, "bob-key", map[string]any{
		"name": "parked", "prompt": "p", "rule": "daily", "enabled": false,
	})
	// Enabling it bumps over the cap.
	resp, _ = doReq(t, ts, http.MethodPatch, "/v1/schedules/"+v.ID, "bob-key", map[string]any{"enabled": true})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("enable over cap: status %d", resp.StatusCode)
	}
}

func TestRecordsEndpoint(t *testing.T) {
	t.Parallel()

	ts, st := newTestServer(t)
	v := createSchedule(t, ts, "alice-key", map[string]any{"name": "n", "prompt": "p", "rule": "daily"})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = st.AppendRecord(ctx, store.ExecutionRecord{EntryID: v.ID, Success: i%2 == 0, CreatedAt: time.Now().Add(time.Duration(i) * time.Minute)})
	}

	resp, raw := doReq(t, ts, http.MethodGet, "/v1/schedules/"+v.ID+"/records?limit=2", "alice-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Records []store.ExecutionRecord `json:"records"`
	}
	_ = json.Unmarshal(raw, &out)
	if len(out.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(out.Records))
	}

	resp, _ = doReq(t, ts, http.MethodGet, "/v1/schedules/"+v.ID+"/records?limit=0", "alice-key", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit=0: status %d", resp.StatusCode)
	}
}

func TestManualCycle(t *testing.T) {
	t.Parallel()

	ts, st := newTestServer(t)
	v := createSchedule(t, ts, "alice-key", map[string]any{
		"name": "n", "prompt": "p",
		"rule": map[string]any{"type": "interval", "value": 5, "unit": "minutes"},
	})
	// Backdate so the entry is due.
	if _, err := st.MarkExecuted(context.Background(), v.ID, time.Now().Add(-time.Hour), true); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	resp, raw := doReq(t, ts, http.MethodPost, "/v1/cycle", "alice-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, raw)
	}
	var rep struct {
		Due       int `json:"due"`
		Succeeded int `json:"succeeded"`
	}
	_ = json.Unmarshal(raw, &rep)
	if rep.Due != 1 || rep.Succeeded != 1 {
		t.Fatalf("report: %s", raw)
	}
}
