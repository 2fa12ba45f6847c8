package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pvflow/pvflow/internal/platform/auth"
	"github.com/pvflow/pvflow/internal/platform/db"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLogger_EmitsTenantAndActor(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cases", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "rid-1")

	actor := auth.Actor{ID: uuid.New(), Name: "Reviewer", Roles: []string{"qc_reviewer"}}

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	h := Logger(logger)(func(c echo.Context) error {
		// The auth and tenant middlewares attach identity by swapping the
		// request; do the same here.
		ctx := auth.WithActor(c.Request().Context(), actor)
		ctx = context.WithValue(ctx, db.TenantIDKey, "acme")
		c.SetRequest(c.Request().WithContext(ctx))
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["tenant"] != "acme" {
		t.Errorf("expected tenant acme, got %v", line["tenant"])
	}
	if line["actor_id"] != actor.ID.String() {
		t.Errorf("expected actor_id %s, got %v", actor.ID, line["actor_id"])
	}
	if line["request_id"] != "rid-1" {
		t.Errorf("expected request_id rid-1, got %v", line["request_id"])
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	logger := zerolog.New(os.Stderr)
	h := Recovery(logger)(func(c echo.Context) error {
		panic("boom")
	})

	err := h(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
}

func TestAudit_RecordsCaseAccess(t *testing.T) {
	e := echo.New()
	caseID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cases/"+caseID.String()+"/qc/approve", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/cases/:id/qc/approve")

	actor := auth.Actor{ID: uuid.New(), Name: "QC One", OrgID: uuid.New(), Roles: []string{"qc_reviewer"}}
	c.SetRequest(req.WithContext(auth.WithActor(req.Context(), actor)))

	var recorded AuditEntry
	recorder := AuditRecorderFunc(func(entry AuditEntry) error {
		recorded = entry
		return nil
	})

	logger := zerolog.New(os.Stderr)
	h := Audit(logger, recorder)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if recorded.CaseID != caseID.String() {
		t.Errorf("expected case id %s, got %s", caseID, recorded.CaseID)
	}
	if recorded.UserID != actor.ID.String() {
		t.Errorf("expected user id %s, got %s", actor.ID, recorded.UserID)
	}
	if recorded.Action != "create" {
		t.Errorf("expected action create, got %s", recorded.Action)
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	recorder := AuditRecorderFunc(func(entry AuditEntry) error {
		called = true
		return nil
	})

	logger := zerolog.New(os.Stderr)
	h := Audit(logger, recorder)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("expected no audit entry for /health")
	}
}

func TestExtractCaseID(t *testing.T) {
	id := uuid.New().String()
	cases := map[string]string{
		"/api/v1/cases/" + id + "/classify": id,
		"/api/v1/cases/" + id:               id,
		"/api/v1/cases/allocate":            "",
		"/api/v1/cases/batch-process":       "",
		"/api/v1/cases/stats":               "",
		"/api/v1/orgs/" + id + "/settings":  "",
	}
	for path, want := range cases {
		if got := extractCaseID(path); got != want {
			t.Errorf("extractCaseID(%s) = %q, want %q", path, got, want)
		}
	}
}

func TestRateLimit_KeyedByActorAndTenant(t *testing.T) {
	e := echo.New()
	cfg := RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1}
	mw := RateLimit(cfg)
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	request := func(actor auth.Actor, tenant string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		ctx := req.Context()
		if actor.ID != uuid.Nil {
			ctx = auth.WithActor(ctx, actor)
		}
		if tenant != "" {
			ctx = context.WithValue(ctx, db.TenantIDKey, tenant)
		}
		c := e.NewContext(req.WithContext(ctx), httptest.NewRecorder())
		return h(c)
	}

	reviewer := auth.Actor{ID: uuid.New(), Roles: []string{"qc_reviewer"}}
	if err := request(reviewer, "acme"); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	// Same actor drained their bucket.
	err := request(reviewer, "acme")
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for same actor, got %v", err)
	}

	// A different reviewer in the same org gets a fresh bucket, even though
	// both requests come from the same test IP.
	other := auth.Actor{ID: uuid.New(), Roles: []string{"qc_reviewer"}}
	if err := request(other, "acme"); err != nil {
		t.Fatalf("different actor should pass: %v", err)
	}

	// Same actor ID under another tenant is a separate key.
	if err := request(reviewer, "globex"); err != nil {
		t.Fatalf("different tenant should pass: %v", err)
	}
}

func TestRateLimit_Blocks(t *testing.T) {
	e := echo.New()
	cfg := RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1}
	mw := RateLimit(cfg)
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	if err := h(c); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	c2 := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := h(c2)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
}
