package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ternhq/tern/internal/bucket"
	"github.com/ternhq/tern/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProject(t *testing.T, s *store.Store) (store.Project, store.APIKey) {
	t.Helper()
	p, k, err := s.CreateProject(context.Background(), "checkout", "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	return p, k
}

func ingestBody(endpoint string) string {
	return `{"endpoint":"` + endpoint + `","method":"GET","status_code":200,"latency_ms":42,"timestamp":"2026-03-01T12:00:00Z"}`
}

func TestIngest(t *testing.T) {
	s := testStore(t)
	_, k := testProject(t, s)
	h := HandleIngest(newKeyCache(s), s)

	tests := []struct {
		name   string
		auth   string
		body   string
		status int
	}{
		{"valid", "Bearer " + k.Key, ingestBody("/api/orders"), http.StatusNoContent},
		{"missing auth", "", ingestBody("/api/orders"), http.StatusUnauthorized},
		{"wrong scheme", "Basic " + k.Key, ingestBody("/api/orders"), http.StatusUnauthorized},
		{"unknown key", "Bearer deadbeef", ingestBody("/api/orders"), http.StatusUnauthorized},
		{"bad json", "Bearer " + k.Key, "{not json", http.StatusBadRequest},
		{"missing endpoint", "Bearer " + k.Key, `{"method":"GET","status_code":200,"latency_ms":42,"timestamp":"2026-03-01T12:00:00Z"}`, http.StatusBadRequest},
		{"missing status", "Bearer " + k.Key, `{"endpoint":"/x","latency_ms":42,"timestamp":"2026-03-01T12:00:00Z"}`, http.StatusBadRequest},
		{"missing latency", "Bearer " + k.Key, `{"endpoint":"/x","status_code":200,"timestamp":"2026-03-01T12:00:00Z"}`, http.StatusBadRequest},
		{"negative latency", "Bearer " + k.Key, `{"endpoint":"/x","status_code":200,"latency_ms":-1,"timestamp":"2026-03-01T12:00:00Z"}`, http.StatusBadRequest},
		{"bad timestamp", "Bearer " + k.Key, `{"endpoint":"/x","status_code":200,"latency_ms":42,"timestamp":"yesterday"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestIngestStoresObservation(t *testing.T) {
	s := testStore(t)
	p, k := testProject(t, s)
	h := HandleIngest(newKeyCache(s), s)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(ingestBody("/api/orders")))
	req.Header.Set("Authorization", "Bearer "+k.Key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	obs, err := s.RecentObservations(context.Background(), p.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 1 {
		t.Fatalf("observations = %d, want 1", len(obs))
	}
	o := obs[0]
	if o.Endpoint != "/api/orders" || o.LatencyMS != 42 || o.StatusCode != 200 {
		t.Errorf("stored = %+v", o)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !o.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", o.Timestamp, want)
	}
}

func TestIngestDefaultsMethod(t *testing.T) {
	s := testStore(t)
	p, k := testProject(t, s)
	h := HandleIngest(newKeyCache(s), s)

	body := `{"endpoint":"/x","status_code":200,"latency_ms":1,"timestamp":"2026-03-01T12:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+k.Key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}

	obs, _ := s.RecentObservations(context.Background(), p.ID, 1)
	if len(obs) != 1 || obs[0].Method != "GET" {
		t.Errorf("method = %q, want GET", obs[0].Method)
	}
}

func TestCreateProject(t *testing.T) {
	s := testStore(t)
	h := HandleCreateProject(s)

	req := httptest.NewRequest(http.MethodPost, "/api/projects",
		strings.NewReader(`{"name":"checkout","email":"ops@example.com"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var got projectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID == "" || got.Name != "checkout" {
		t.Errorf("response = %+v", got)
	}
	if len(got.APIKey) != 64 {
		t.Errorf("api_key length = %d, want 64", len(got.APIKey))
	}

	// The key is returned once; the list omits it.
	rec = httptest.NewRecorder()
	HandleListProjects(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects", nil))
	if strings.Contains(rec.Body.String(), got.APIKey) {
		t.Error("project list leaks the api key")
	}
}

func TestCreateProjectValidation(t *testing.T) {
	s := testStore(t)
	h := HandleCreateProject(s)

	for _, body := range []string{
		`{"email":"ops@example.com"}`,
		`{"name":"checkout"}`,
		`{broken`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestDeleteProject(t *testing.T) {
	s := testStore(t)
	p, _ := testProject(t, s)

	req := httptest.NewRequest(http.MethodDelete, "/api/projects/"+p.ID, nil)
	req.SetPathValue("id", p.ID)
	rec := httptest.NewRecorder()
	HandleDeleteProject(s).ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/projects/"+p.ID, nil)
	req.SetPathValue("id", p.ID)
	rec = httptest.NewRecorder()
	HandleDeleteProject(s).ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestCreatePolicyValidation(t *testing.T) {
	s := testStore(t)
	p, _ := testProject(t, s)
	h := HandleCreatePolicy(s)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid", `{"name":"slow","metric":"latency_p95","comparison":">","threshold":500,"severity":"warn"}`, http.StatusCreated},
		{"missing name", `{"metric":"latency_p95","comparison":">","threshold":500,"severity":"warn"}`, http.StatusBadRequest},
		{"bad metric", `{"name":"x","metric":"cpu","comparison":">","threshold":1,"severity":"warn"}`, http.StatusBadRequest},
		{"bad comparison", `{"name":"x","metric":"latency_p95","comparison":">=","threshold":1,"severity":"warn"}`, http.StatusBadRequest},
		{"missing threshold", `{"name":"x","metric":"latency_p95","comparison":">","severity":"warn"}`, http.StatusBadRequest},
		{"bad severity", `{"name":"x","metric":"latency_p95","comparison":">","threshold":1,"severity":"urgent"}`, http.StatusBadRequest},
		{"negative cooldown", `{"name":"x","metric":"latency_p95","comparison":">","threshold":1,"severity":"warn","cooldown_minutes":-1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/projects/"+p.ID+"/policies", strings.NewReader(tt.body))
			req.SetPathValue("id", p.ID)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestCreatePolicyDefaults(t *testing.T) {
	s := testStore(t)
	p, _ := testProject(t, s)

	body := `{"name":"slow","metric":"latency_p95","comparison":">","threshold":500,"severity":"warn"}`
	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+p.ID+"/policies", strings.NewReader(body))
	req.SetPathValue("id", p.ID)
	rec := httptest.NewRecorder()
	HandleCreatePolicy(s).ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var got policyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.CooldownMinutes != 15 {
		t.Errorf("cooldown_minutes = %d, want default 15", got.CooldownMinutes)
	}
	if !got.IsActive {
		t.Error("is_active should default to true")
	}
}

func TestListRollups(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p, _ := testProject(t, s)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = tx.UpsertRollup(ctx, store.Rollup{
		Key: store.RollupKey{
			ProjectID: p.ID, Endpoint: "/api/orders",
			BucketStart: start, Width: bucket.FiveMinutes,
		},
		RequestCount: 10, ErrorCount: 1, P95LatencyMS: 120,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects/"+p.ID+"/metrics/aggregated?bucket=5m", nil)
	req.SetPathValue("id", p.ID)
	rec := httptest.NewRecorder()
	HandleListRollups(s).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var got []rollupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("rollups = %d, want 1", len(got))
	}
	if got[0].RequestCount != 10 || got[0].P95LatencyMS != 120 {
		t.Errorf("rollup = %+v", got[0])
	}
	if got[0].BucketStart != "2026-03-01T12:00:00Z" {
		t.Errorf("bucket_start = %q", got[0].BucketStart)
	}
}

func TestListRollupsValidation(t *testing.T) {
	s := testStore(t)
	p, _ := testProject(t, s)

	tests := []struct {
		name   string
		id     string
		query  string
		status int
	}{
		{"unknown project", "missing", "", http.StatusNotFound},
		{"bad bucket", p.ID, "?bucket=2m", http.StatusBadRequest},
		{"bad from", p.ID, "?from=yesterday", http.StatusBadRequest},
		{"bad to", p.ID, "?to=tomorrow", http.StatusBadRequest},
		{"empty ok", p.ID, "?bucket=1h", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/projects/"+tt.id+"/metrics/aggregated"+tt.query, nil)
			req.SetPathValue("id", tt.id)
			rec := httptest.NewRecorder()
			HandleListRollups(s).ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestListAlerts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p, _ := testProject(t, s)

	pol, err := s.CreatePolicy(ctx, store.Policy{
		ProjectID: p.ID, Name: "slow", Metric: "latency_p95",
		Comparison: ">", Threshold: 500, Severity: "warn",
		CooldownMinutes: 15, Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.InsertAlertEvent(ctx, store.AlertEvent{
		PolicyID:    pol.ID,
		TriggeredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Value:       750,
	}, 0); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects/"+p.ID+"/alerts", nil)
	req.SetPathValue("id", p.ID)
	rec := httptest.NewRecorder()
	HandleListAlerts(s).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var got []alertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("alerts = %d, want 1", len(got))
	}
	a := got[0]
	if a.PolicyName != "slow" || a.Value != 750 || a.Severity != "warn" {
		t.Errorf("alert = %+v", a)
	}
}

func TestKeyCacheLookup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p, k := testProject(t, s)
	cache := newKeyCache(s)

	got, err := cache.Lookup(ctx, k.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID {
		t.Errorf("project = %q, want %q", got.ID, p.ID)
	}

	// Cached: still resolves after the key row is gone, until the TTL expires.
	if err := s.DeleteProject(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	got, err = cache.Lookup(ctx, k.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID {
		t.Errorf("cached project = %q, want %q", got.ID, p.ID)
	}

	if _, err := cache.Lookup(ctx, "unknown"); err == nil {
		t.Error("expected an error for an unknown key")
	}
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHealthz().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRequestBodyLimit(t *testing.T) {
	s := testStore(t)
	_, k := testProject(t, s)

	h := RequestBodyLimitMiddleware(64, HandleIngest(newKeyCache(s), s))
	big := `{"endpoint":"/` + strings.Repeat("a", 200) + `","status_code":200,"latency_ms":1,"timestamp":"2026-03-01T12:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(big))
	req.Header.Set("Authorization", "Bearer "+k.Key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an oversized body", rec.Code)
	}
}
