package sampling

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pvflow/pvflow/internal/platform/auth"
)

type Handler struct {
	router *Router
}

func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/cases/batch-process", h.RunBatch, auth.RequireRole(auth.RoleAdmin, auth.RoleQCReviewer))
}

type RunBatchRequest struct {
	OrganizationID string `json:"organization_id"`
}

// RunBatch triggers one sampling pass. The organization defaults to the
// caller's own; naming another org requires admin.
func (h *Handler) RunBatch(c echo.Context) error {
	var req RunBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.ActorFromContext(c.Request().Context())
	orgID := actor.OrgID
	if req.OrganizationID != "" {
		parsed, err := uuid.Parse(req.OrganizationID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid organization_id")
		}
		if parsed != actor.OrgID && !actor.HasRole(auth.RoleAdmin) {
			return echo.NewHTTPError(http.StatusForbidden, "cannot run batches for another organization")
		}
		orgID = parsed
	}

	res, err := h.router.RunBatch(c.Request().Context(), actor, orgID)
	if errors.Is(err, ErrBatchRunning) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
