package allocation

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pvflow/pvflow/internal/domain/cases"
	"github.com/pvflow/pvflow/internal/platform/auth"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole(auth.RoleReviewer, auth.RoleQCReviewer, auth.RoleDataEntry, auth.RoleMedicalReviewer)
	api.POST("/cases/allocate", h.Allocate, role)
	api.GET("/cases/allocated", h.Allocated, role)
}

type AllocateRequest struct {
	Queue string `json:"queue" validate:"required,oneof=triage qc data_entry form_qc medical_review"`
}

// Allocate pulls the next case for the caller. An empty pool is not an
// error: the worker simply has nothing to do right now.
func (h *Handler) Allocate(c echo.Context) error {
	var req AllocateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	worker := auth.ActorFromContext(c.Request().Context())
	item, err := h.engine.Allocate(c.Request().Context(), worker, Queue(req.Queue))
	if errors.Is(err, cases.ErrNoCasesAvailable) {
		return c.JSON(http.StatusOK, echo.Map{"available": false})
	}
	if errors.Is(err, ErrQueueForbidden) {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, echo.Map{"available": true, "case": item})
}

func (h *Handler) Allocated(c echo.Context) error {
	queue := Queue(c.QueryParam("queue"))
	if !queue.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown queue")
	}
	worker := auth.ActorFromContext(c.Request().Context())
	items, err := h.engine.Allocated(c.Request().Context(), worker, queue)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, echo.Map{"cases": items})
}
