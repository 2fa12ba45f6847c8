package cases

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pvflow/pvflow/internal/platform/auth"
)

type testValidator struct {
	v *validator.Validate
}

func (tv *testValidator) Validate(i interface{}) error {
	return tv.v.Struct(i)
}

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, Repository) {
	t.Helper()
	svc, repo := newTestService(t, DefaultPipelineConfig())
	h := NewHandler(svc)
	e := echo.New()
	e.Validator = &testValidator{v: validator.New()}
	return h, e, repo
}

func doRequest(e *echo.Echo, actor auth.Actor, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "/", rd)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithActor(req.Context(), actor))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

// -- REST Handler Tests --

func TestHandler_CreateCase(t *testing.T) {
	h, e, _ := newTestHandler(t)
	admin := auth.Actor{ID: uuid.New(), Name: "admin", OrgID: uuid.New(), Roles: []string{auth.RoleAdmin}}

	c, rec := doRequest(e, admin, http.MethodPost, `{"title":"PMID 38112233 screening hit"}`)
	if err := h.CreateCase(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got Case
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Stage != StagePendingReview || got.SubStatus != SubStatusTriage {
		t.Errorf("new case landed in %s/%s, want triage pool", got.Stage, got.SubStatus)
	}
}

func TestHandler_CreateCase_TitleRequired(t *testing.T) {
	h, e, _ := newTestHandler(t)
	admin := auth.Actor{ID: uuid.New(), Name: "admin", OrgID: uuid.New(), Roles: []string{auth.RoleAdmin}}

	c, _ := doRequest(e, admin, http.MethodPost, `{}`)
	err := h.CreateCase(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_GetCase_NotFound(t *testing.T) {
	h, e, _ := newTestHandler(t)
	actor := auth.Actor{ID: uuid.New(), OrgID: uuid.New(), Roles: []string{auth.RoleReviewer}}

	c, _ := doRequest(e, actor, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	err := h.GetCase(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_Classify(t *testing.T) {
	h, e, repo := newTestHandler(t)
	org := uuid.New()
	reviewer := auth.Actor{ID: uuid.New(), Name: "alice", OrgID: org, Roles: []string{auth.RoleReviewer}}
	item := seedCase(t, h.svc, org)
	allocateTo(t, repo, h.svc, reviewer, item.ID)

	c, rec := doRequest(e, reviewer, http.MethodPut, `{"classification":"ICSR"}`)
	c.SetParamNames("id")
	c.SetParamValues(item.ID.String())
	if err := h.Classify(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var got Case
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Stage != StageQCAllocation {
		t.Errorf("stage = %s, want %s", got.Stage, StageQCAllocation)
	}
}

func TestHandler_Classify_UnknownTag(t *testing.T) {
	h, e, _ := newTestHandler(t)
	reviewer := auth.Actor{ID: uuid.New(), OrgID: uuid.New(), Roles: []string{auth.RoleReviewer}}

	c, _ := doRequest(e, reviewer, http.MethodPut, `{"classification":"Maybe"}`)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	err := h.Classify(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_RejectClassification_ReasonRequired(t *testing.T) {
	h, e, _ := newTestHandler(t)
	qc := auth.Actor{ID: uuid.New(), OrgID: uuid.New(), Roles: []string{auth.RoleQCReviewer}}

	c, _ := doRequest(e, qc, http.MethodPost, `{"reason":""}`)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	err := h.RejectClassification(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	body, _ := json.Marshal(he.Message)
	if !strings.Contains(string(body), "reason_required") {
		t.Errorf("error should carry the reason_required code, got %s", body)
	}
}

func TestHandler_InvalidTransitionIsConflict(t *testing.T) {
	h, e, _ := newTestHandler(t)
	org := uuid.New()
	qc := auth.Actor{ID: uuid.New(), Name: "quinn", OrgID: org, Roles: []string{auth.RoleQCReviewer}}
	item := seedCase(t, h.svc, org)

	// Approving a case still sitting in triage has no classification to confirm.
	c, _ := doRequest(e, qc, http.MethodPost, `{}`)
	c.SetParamNames("id")
	c.SetParamValues(item.ID.String())
	err := h.ApproveClassification(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestHandler_InvalidCaseID(t *testing.T) {
	h, e, _ := newTestHandler(t)
	actor := auth.Actor{ID: uuid.New(), OrgID: uuid.New(), Roles: []string{auth.RoleReviewer}}

	c, _ := doRequest(e, actor, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	err := h.GetCase(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
