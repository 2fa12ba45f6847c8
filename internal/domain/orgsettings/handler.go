package orgsettings

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pvflow/pvflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/orgs/:id/settings", h.GetSettings, auth.RequireRole(auth.RoleAdmin, auth.RoleQCReviewer))
	api.PUT("/orgs/:id/settings", h.UpdateSettings, auth.RequireRole(auth.RoleAdmin))
}

type UpdateSettingsRequest struct {
	QCClassificationEnabled bool `json:"qc_classification_enabled"`
	QCDataEntryEnabled      bool `json:"qc_data_entry_enabled"`
	MedicalReviewEnabled    bool `json:"medical_review_enabled"`
	QCSamplePercent         int  `json:"qc_sample_percent" validate:"min=0,max=100"`
	MaxBatchSize            int  `json:"max_batch_size" validate:"min=1"`
}

func orgParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid organization id")
	}
	return id, nil
}

func (h *Handler) GetSettings(c echo.Context) error {
	orgID, err := orgParam(c)
	if err != nil {
		return err
	}
	actor := auth.ActorFromContext(c.Request().Context())
	if orgID != actor.OrgID && !actor.HasRole(auth.RoleAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot read another organization's settings")
	}
	set, err := h.svc.Get(c.Request().Context(), orgID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, set)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	orgID, err := orgParam(c)
	if err != nil {
		return err
	}
	var req UpdateSettingsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	set := &Settings{
		OrganizationID:          orgID,
		QCClassificationEnabled: req.QCClassificationEnabled,
		QCDataEntryEnabled:      req.QCDataEntryEnabled,
		MedicalReviewEnabled:    req.MedicalReviewEnabled,
		QCSamplePercent:         req.QCSamplePercent,
		MaxBatchSize:            req.MaxBatchSize,
	}
	if err := h.svc.Update(c.Request().Context(), set); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, set)
}
