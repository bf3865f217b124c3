package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pilot-net/alertcore/control-plane/internal/alerting"
	"github.com/pilot-net/alertcore/control-plane/internal/clock"
	"github.com/pilot-net/alertcore/control-plane/internal/incident"
	"github.com/pilot-net/alertcore/control-plane/internal/service"
	"github.com/pilot-net/alertcore/control-plane/internal/state"
	"github.com/pilot-net/alertcore/control-plane/internal/testutil"
	"github.com/pilot-net/alertcore/pkg/types"
)

type noopEscalator struct{}

func (noopEscalator) Start(*types.Alert, *types.EscalationPolicy) string { return "run" }
func (noopEscalator) Resume(*types.Alert, *types.EscalationPolicy, int, time.Time) string {
	return "run"
}
func (noopEscalator) Cancel(string) bool { return true }
func (noopEscalator) IsCurrent(string, string) bool { return true }

// memoryCache stores encoded responses per namespace and query.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *memoryCache) GetJSON(ctx context.Context, namespace, query string, v any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[namespace+"|"+query]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func (c *memoryCache) SetJSON(ctx context.Context, namespace, query string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[namespace+"|"+query] = data
	return nil
}

type recordingInvalidator struct {
	dirty []string
}

func (r *recordingInvalidator) MarkDirty(namespace string) {
	r.dirty = append(r.dirty, namespace)
}

type testServer struct {
	server      *Server
	cache       *memoryCache
	invalidator *recordingInvalidator
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	c := clock.NewFake(testutil.Epoch)
	logger := testutil.NewTestLogger()

	router, err := alerting.NewPolicyRouter([]types.EscalationPolicy{*testutil.FixturePolicy()})
	if err != nil {
		t.Fatalf("NewPolicyRouter() error = %v", err)
	}
	alerts, err := alerting.NewManager(alerting.Deps{
		Router:    router,
		Escalator: noopEscalator{},
		Clock:     c,
	}, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	incidents := incident.NewManager(state.NewIncidentStore(), alerts, c, nil, logger)
	alerts.SetTimelineRecorder(incidents)

	svc, err := service.NewService(service.Deps{
		Alerts:    alerts,
		Incidents: incidents,
		Clock:     c,
	}, logger)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	mc := &memoryCache{entries: make(map[string][]byte)}
	inv := &recordingInvalidator{}
	s := NewServer(svc, nil, mc, cfg, logger)
	s.SetInvalidator(inv)
	return &testServer{server: s, cache: mc, invalidator: inv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (ts *testServer) ingest(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/events", testutil.FixtureEvent())
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, body = %s", rec.Code, rec.Body.String())
	}
	result := decode[service.IngestResult](t, rec)
	if len(result.Alerts) != 1 {
		t.Fatalf("ingest returned %d handles", len(result.Alerts))
	}
	return result.Alerts[0].Fingerprint
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("system health status = %d, want 200", rec.Code)
	}
	health := decode[types.SystemHealth](t, rec)
	if health.Status != "healthy" {
		t.Errorf("status = %q, want healthy", health.Status)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := ts.do(t, http.MethodOptions, "/api/v1/alerts", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestIngestEvents(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCount  int
	}{
		{"single event", testutil.FixtureEvent(), http.StatusOK, 1},
		{"array", []*types.AlertEvent{
			testutil.FixtureEvent(),
			testutil.FixtureEvent(func(e *types.AlertEvent) { e.Labels = map[string]string{"host": "web-2"} }),
		}, http.StatusOK, 2},
		{"wrapped", map[string]any{"events": []*types.AlertEvent{testutil.FixtureEvent()}}, http.StatusOK, 1},
		{"missing rule", testutil.FixtureEvent(func(e *types.AlertEvent) { e.RuleID = "" }), http.StatusBadRequest, 0},
		{"empty array", "[]", http.StatusBadRequest, 0},
		{"malformed", "{not json", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Config{})
			rec := ts.do(t, http.MethodPost, "/api/v1/events", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			result := decode[service.IngestResult](t, rec)
			if result.Accepted != tt.wantCount {
				t.Errorf("accepted = %d, want %d", result.Accepted, tt.wantCount)
			}
			if len(ts.invalidator.dirty) == 0 {
				t.Error("ingestion did not invalidate the alert list cache")
			}
		})
	}
}

func TestIngestGzip(t *testing.T) {
	ts := newTestServer(t, Config{})

	data, _ := json.Marshal(testutil.FixtureEvent())
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(data)
	gz.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestListAlertsUsesCache(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.ingest(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/alerts?state=firing", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Cache") != "" {
		t.Error("first request should miss the cache")
	}
	list := decode[alertListResponse](t, rec)
	if list.Count != 1 {
		t.Fatalf("count = %d, want 1", list.Count)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/alerts?state=firing", nil)
	if rec.Header().Get("X-Cache") != "hit" {
		t.Error("second request should hit the cache")
	}
	if got := decode[alertListResponse](t, rec); got.Count != 1 {
		t.Errorf("cached count = %d, want 1", got.Count)
	}
}

func TestListAlertsFilters(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.ingest(t)

	tests := []struct {
		query      string
		wantStatus int
		wantCount  int
	}{
		{"label=host=web-1", http.StatusOK, 1},
		{"label=host=web-9", http.StatusOK, 0},
		{"severity=critical", http.StatusOK, 0},
		{"exhausted=false", http.StatusOK, 1},
		{"state=bogus", http.StatusBadRequest, 0},
		{"label=nokey", http.StatusBadRequest, 0},
		{"exhausted=maybe", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/v1/alerts?"+tt.query, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if got := decode[alertListResponse](t, rec); got.Count != tt.wantCount {
					t.Errorf("count = %d, want %d", got.Count, tt.wantCount)
				}
			}
		})
	}
}

func TestAlertLifecycle(t *testing.T) {
	ts := newTestServer(t, Config{})
	fp := ts.ingest(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/alerts/"+fp, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/alerts/"+fp+"/ack", nil, "X-Actor", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if a := decode[types.Alert](t, rec); a.State != types.AlertStateAcknowledged || a.AcknowledgedBy != "alice" {
		t.Errorf("acknowledged alert = %+v", a)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/alerts/"+fp+"/resolve", map[string]string{"reason": "fixed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/alerts/"+fp+"/ack", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("ack after resolve status = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/alerts/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown alert status = %d, want 404", rec.Code)
	}
}

func TestIncidentEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{})
	fp := ts.ingest(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/incidents", service.DeclareIncidentRequest{
		Title:        "Checkout latency",
		Severity:     types.SeverityCritical,
		Fingerprints: []string{fp},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("declare status = %d, body = %s", rec.Code, rec.Body.String())
	}
	inc := decode[types.Incident](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/transition",
		map[string]string{"state": string(types.IncidentStateInvestigating)})
	if rec.Code != http.StatusOK {
		t.Fatalf("transition status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/notes", map[string]string{"note": "rolled back"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("note status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/notes", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty note status = %d, want 400", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents?open=true", nil)
	if got := decode[incidentListResponse](t, rec); got.Count != 1 {
		t.Errorf("open incidents = %d, want 1", got.Count)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/resolve", map[string]string{"summary": "bad deploy"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", rec.Code)
	}
	resolved := decode[types.Incident](t, rec)
	if resolved.State != types.IncidentStateResolved || resolved.Postmortem == nil {
		t.Errorf("resolved incident = %+v", resolved)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/resolve", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("second resolve status = %d, want 422", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown incident status = %d, want 404", rec.Code)
	}

	var sawIncidents bool
	for _, ns := range ts.invalidator.dirty {
		if ns == "incidents" {
			sawIncidents = true
		}
	}
	if !sawIncidents {
		t.Error("incident mutations did not invalidate the incident cache")
	}
}

func TestAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, Config{AdminTokenHash: string(hash)})
	window := testutil.FixtureWindow(func(w *types.MaintenanceWindow) { w.ID = "" })

	tests := []struct {
		name       string
		headers    []string
		wantStatus int
	}{
		{"missing token", nil, http.StatusUnauthorized},
		{"wrong token", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid token", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPut, "/api/v1/admin/windows/upgrade", window, tt.headers...)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	// Reads are open.
	rec := ts.do(t, http.MethodGet, "/api/v1/admin/windows", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"upgrade"`) {
		t.Errorf("window list missing upgrade: %s", rec.Body.String())
	}
}

func TestAdminPolicies(t *testing.T) {
	ts := newTestServer(t, Config{})

	policy := testutil.FixturePolicy(func(p *types.EscalationPolicy) {
		p.ID = ""
		p.Selector = `{team="db"}`
	})
	rec := ts.do(t, http.MethodPut, "/api/v1/admin/policies/database", policy)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", rec.Code, rec.Body.String())
	}

	mismatched := testutil.FixturePolicy(func(p *types.EscalationPolicy) { p.ID = "other" })
	rec = ts.do(t, http.MethodPut, "/api/v1/admin/policies/database", mismatched)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("mismatched id status = %d, want 400", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/admin/policies", nil)
	list := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	if list.Count != 2 {
		t.Errorf("policy count = %d, want 2", list.Count)
	}

	rec = ts.do(t, http.MethodDelete, "/api/v1/admin/policies/database", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	rec = ts.do(t, http.MethodDelete, "/api/v1/admin/policies/database", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAdminCreatePolicy(t *testing.T) {
	ts := newTestServer(t, Config{})
	policy := testutil.FixturePolicy(func(p *types.EscalationPolicy) {
		p.ID = "database"
		p.Selector = `{team="db"}`
	})

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"new policy", policy, http.StatusCreated},
		{"duplicate api policy", policy, http.StatusConflict},
		{"duplicate file policy", testutil.FixturePolicy(), http.StatusConflict},
		{"missing id", testutil.FixturePolicy(func(p *types.EscalationPolicy) { p.ID = "" }), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/admin/policies", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d, body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestPagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"limit=10&offset=20", 10, 20},
		{"limit=100000", 500, 0},
		{"limit=-1&offset=-5", 50, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?"+tt.query, nil)
			limit, offset := pagination(r)
			if limit != tt.wantLimit || offset != tt.wantOffset {
				t.Errorf("pagination = (%d, %d), want (%d, %d)", limit, offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}
