package cases

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pvflow/pvflow/internal/platform/auth"
	"github.com/pvflow/pvflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleReviewer, auth.RoleQCReviewer, auth.RoleDataEntry, auth.RoleMedicalReviewer))
	read.GET("/cases", h.ListCases)
	read.GET("/cases/:id", h.GetCase)
	read.GET("/cases/:id/comments", h.ListComments)
	read.GET("/cases/stats", h.StageStats)
	read.POST("/cases/:id/comments", h.AddComment)

	api.POST("/cases", h.CreateCase, auth.RequireRole(auth.RoleAdmin))

	api.PUT("/cases/:id/classify", h.Classify, auth.RequireRole(auth.RoleReviewer))

	qc := api.Group("", auth.RequireRole(auth.RoleQCReviewer))
	qc.POST("/cases/:id/qc/approve", h.ApproveClassification)
	qc.POST("/cases/:id/qc/reject", h.RejectClassification)
	qc.POST("/cases/:id/qc-form/approve", h.ApproveForm)
	qc.POST("/cases/:id/qc-form/reject", h.RejectForm)

	api.POST("/cases/:id/route", h.Route, auth.RequireRole(auth.RoleReviewer, auth.RoleQCReviewer))

	de := api.Group("", auth.RequireRole(auth.RoleDataEntry))
	de.POST("/cases/:id/form/start", h.StartForm)
	de.POST("/cases/:id/form/complete", h.CompleteForm)

	api.POST("/cases/:id/medical-review/complete", h.CompleteMedicalReview, auth.RequireRole(auth.RoleMedicalReviewer))
	api.POST("/cases/:id/revoke", h.Revoke, auth.RequireRole(auth.RoleMedicalReviewer, auth.RoleAdmin))
}

// httpError maps domain errors onto HTTP statuses with stable codes so
// clients can branch without parsing messages.
func httpError(err error) error {
	code := func(status int, code string) error {
		return echo.NewHTTPError(status, echo.Map{"code": code, "message": err.Error()})
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return code(http.StatusNotFound, "not_found")
	case errors.Is(err, ErrMissingReason):
		return code(http.StatusBadRequest, "reason_required")
	case errors.Is(err, ErrAlreadyApproved):
		return code(http.StatusConflict, "already_approved")
	case errors.Is(err, ErrAlreadyCompleted):
		return code(http.StatusConflict, "already_completed")
	case errors.Is(err, ErrFormNotCompleted):
		return code(http.StatusConflict, "form_not_completed")
	case errors.Is(err, ErrNotAllocated):
		return code(http.StatusConflict, "not_allocated")
	case errors.Is(err, ErrAlreadyAssigned):
		return code(http.StatusConflict, "already_assigned")
	case errors.Is(err, ErrInvalidTransition):
		return code(http.StatusConflict, "invalid_transition")
	case errors.Is(err, ErrConflict):
		return code(http.StatusConflict, "version_conflict")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func caseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	return id, nil
}

type CreateCaseRequest struct {
	Title     string  `json:"title" validate:"required"`
	SourceRef *string `json:"source_ref"`
}

func (h *Handler) CreateCase(c echo.Context) error {
	var req CreateCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.ActorFromContext(c.Request().Context())
	created, err := h.svc.CreateCase(c.Request().Context(), actor.OrgID, req.Title, req.SourceRef)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.GetCase(c.Request().Context(), actor.OrgID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	actor := auth.ActorFromContext(c.Request().Context())
	f := Filter{OrganizationID: actor.OrgID}
	if s := c.QueryParam("stage"); s != "" {
		stage := Stage(s)
		if !stage.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid stage")
		}
		f.Stages = []Stage{stage}
	}
	if t := c.QueryParam("track"); t != "" {
		f.Track = Track(t)
	}
	if p := c.QueryParam("priority"); p != "" {
		f.Priority = Priority(p)
	}
	if c.QueryParam("unassigned") == "true" {
		f.Unassigned = true
	}
	if mine := c.QueryParam("assigned_to_me"); mine == "true" {
		id := actor.ID
		f.AssignedTo = &id
	}
	items, total, err := h.svc.ListCases(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListComments(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	actor := auth.ActorFromContext(c.Request().Context())
	items, err := h.svc.ListComments(c.Request().Context(), actor.OrgID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) StageStats(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	counts, err := h.svc.StageCounts(c.Request().Context(), actor.OrgID)
	if err != nil {
		return httpError(err)
	}
	out := make(map[string]int, len(counts))
	for stage, n := range counts {
		out[string(stage)] = n
	}
	return c.JSON(http.StatusOK, echo.Map{"stages": out})
}

type ClassifyRequest struct {
	Classification string `json:"classification" validate:"required,oneof=ICSR AOI NoCase"`
}

func (h *Handler) Classify(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.Classify(c.Request().Context(), actor, id, ClassificationTag(req.Classification))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

type QCDecisionRequest struct {
	Comments string `json:"comments"`
}

func (h *Handler) ApproveClassification(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req QCDecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.ApproveClassification(c.Request().Context(), actor, id, req.Comments)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type RejectClassificationRequest struct {
	Reason      string `json:"reason" validate:"required"`
	TargetStage string `json:"target_stage"`
}

func (h *Handler) RejectClassification(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req RejectClassificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return httpError(ErrMissingReason)
	}
	if req.TargetStage != "" && !Stage(req.TargetStage).Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid target stage")
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.RejectClassification(c.Request().Context(), actor, id, req.Reason, Stage(req.TargetStage))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

type RouteRequest struct {
	Destination string `json:"destination" validate:"omitempty,oneof=data_entry aoi_assessment no_case_assessment reporting"`
	Comments    string `json:"comments"`
}

func (h *Handler) Route(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req RouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Destination == "" && req.Comments == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "destination or comments required")
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.Route(c.Request().Context(), actor, id, RouteDestination(req.Destination), req.Comments)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) StartForm(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.StartForm(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) CompleteForm(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.CompleteForm(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) ApproveForm(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req QCDecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.ApproveForm(c.Request().Context(), actor, id, req.Comments)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) RejectForm(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req RejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return httpError(ErrMissingReason)
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.RejectForm(c.Request().Context(), actor, id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) CompleteMedicalReview(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.CompleteMedicalReview(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

type RevokeRequest struct {
	Reason string `json:"reason" validate:"required"`
	Target string `json:"target" validate:"omitempty,oneof=triage qc_triage data_entry qc_data_entry"`
}

func (h *Handler) Revoke(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req RevokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		if req.Reason == "" {
			return httpError(ErrMissingReason)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Target == "" {
		req.Target = string(RevokeToDataEntry)
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.Revoke(c.Request().Context(), actor, id, req.Reason, RevokeTarget(req.Target))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

type AddCommentRequest struct {
	Text string `json:"text" validate:"required"`
}

func (h *Handler) AddComment(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req AddCommentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.ActorFromContext(c.Request().Context())
	item, err := h.svc.AddComment(c.Request().Context(), actor, id, req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}
