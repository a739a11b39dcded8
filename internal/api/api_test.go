package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/trialflow/trialflow/internal/experiment"
	"github.com/trialflow/trialflow/internal/health"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
)

func newTestServer(t *testing.T) (*Server, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	d, err := experiment.LoadDefinition("../experiment/testdata/demo.yaml")
	if err != nil {
		t.Fatalf("LoadDefinition: %v", err)
	}
	exp, err := d.Build(db, nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := exp.Deploy(context.Background()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	return NewServer(exp, nil), db
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodePage(t *testing.T, w *httptest.ResponseRecorder) experiment.PageView {
	t.Helper()
	var v experiment.PageView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	return v
}

func decodeOutcome(t *testing.T, w *httptest.ResponseRecorder) experiment.Outcome {
	t.Helper()
	var out experiment.Outcome
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	return out
}

func start(t *testing.T, h http.Handler, worker string) experiment.PageView {
	t.Helper()
	w := do(t, h, "POST", "/api/participants", map[string]string{"worker_id": worker})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", w.Code, w.Body.String())
	}
	return decodePage(t, w)
}

func respond(t *testing.T, h http.Handler, v experiment.PageView, answer any) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, "POST", fmt.Sprintf("/api/participants/%d/response", v.ParticipantID),
		map[string]any{"page_uuid": v.UUID, "answer": answer})
}

// ─── Health & Status ────────────────────────────────────────────────────────

func TestAPI_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv.Handler(), "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestAPI_HealthDegraded(t *testing.T) {
	srv, db := newTestServer(t)
	c := health.NewChecker(db, "/nonexistent/trialflow", nil, health.DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)
	srv.SetHealth(c)

	w := do(t, srv.Handler(), "GET", "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAPI_Status(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	start(t, h, "w1")

	w := do(t, h, "GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var st experiment.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.ID != "lexical-decision" {
		t.Errorf("id = %q", st.ID)
	}
	if st.Participants.Working != 1 {
		t.Errorf("working = %d, want 1", st.Participants.Working)
	}
	if len(st.TrialMakers) != 1 {
		t.Errorf("trial makers = %d, want 1", len(st.TrialMakers))
	}
}

func TestAPI_Networks(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	w := do(t, h, "GET", "/api/networks?trial_maker=words", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Networks []map[string]any `json:"networks"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if len(body.Networks) != 3 {
		t.Errorf("networks = %d, want one per block", len(body.Networks))
	}

	w = do(t, h, "GET", "/api/networks?trial_maker=nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown trial maker status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPI_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)
	if w := do(t, srv.Handler(), "GET", "/metrics", nil); w.Code != http.StatusNotFound {
		t.Errorf("metrics disabled status = %d, want 404", w.Code)
	}
	srv.EnableMetrics()
	if w := do(t, srv.Handler(), "GET", "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", w.Code)
	}
}

// ─── Participants ───────────────────────────────────────────────────────────

func TestAPI_ParticipantFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	page := start(t, h, "w1")
	if page.Label != "welcome" {
		t.Fatalf("first page = %q, want welcome", page.Label)
	}

	w := do(t, h, "GET", fmt.Sprintf("/api/participants/%d/page", page.ParticipantID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("page status = %d", w.Code)
	}
	if got := decodePage(t, w); got.UUID != page.UUID {
		t.Errorf("page uuid = %q, want %q", got.UUID, page.UUID)
	}

	w = respond(t, h, page, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("respond status = %d, body %s", w.Code, w.Body.String())
	}
	consent := decodeOutcome(t, w).Page
	if consent.Label != "consent" {
		t.Fatalf("second page = %q, want consent", consent.Label)
	}

	w = respond(t, h, *consent, "perhaps")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid answer status = %d, want 422", w.Code)
	}
	out := decodeOutcome(t, w)
	if out.Validation == nil || out.Page.UUID != consent.UUID {
		t.Errorf("invalid answer should keep the participant on the page: %+v", out)
	}

	w = respond(t, h, *consent, "yes")
	if w.Code != http.StatusOK {
		t.Fatalf("valid answer status = %d", w.Code)
	}
	if next := decodeOutcome(t, w).Page; next.Label != "words/trial" {
		t.Errorf("next page = %q, want words/trial", next.Label)
	}

	// The consent page is gone now.
	w = respond(t, h, *consent, "yes")
	if w.Code != http.StatusConflict {
		t.Errorf("stale page status = %d, want 409", w.Code)
	}
}

func TestAPI_Abandon(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	page := start(t, h, "w1")

	path := fmt.Sprintf("/api/participants/%d/abandon", page.ParticipantID)
	if w := do(t, h, "POST", path, nil); w.Code != http.StatusNoContent {
		t.Fatalf("abandon status = %d, want 204", w.Code)
	}
	if w := do(t, h, "POST", path, nil); w.Code != http.StatusConflict {
		t.Errorf("second abandon status = %d, want 409", w.Code)
	}

	w := do(t, h, "GET", fmt.Sprintf("/api/participants/%d/page", page.ParticipantID), nil)
	got := decodePage(t, w)
	if !got.Failed || got.FailedReason != "premature_exit" {
		t.Errorf("abandoned participant = %+v", got)
	}
}

func TestAPI_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"non-numeric id", "GET", "/api/participants/abc/page", nil, http.StatusBadRequest},
		{"unknown participant", "GET", "/api/participants/999/page", nil, http.StatusNotFound},
		{"missing page uuid", "POST", "/api/participants/1/response", map[string]any{"answer": 1}, http.StatusBadRequest},
		{"unknown participant response", "POST", "/api/participants/999/response",
			map[string]any{"page_uuid": "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/participants/1/response", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}

func TestAPI_CORS(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv.Handler(), "OPTIONS", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
