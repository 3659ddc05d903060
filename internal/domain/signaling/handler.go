package signaling

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/auth"
)

// Handler serves the poll fallback for participants without a socket.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/rooms/:id/signals", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	g.POST("", h.PostSignal)
	g.GET("", h.PollSignals)
}

type signalRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h *Handler) PostSignal(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid room id"))
	}
	var req signalRequest
	if err := c.Bind(&req); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body"))
	}
	ctx := c.Request().Context()
	sig, err := h.svc.Relay(ctx, id, auth.UserIDFromContext(ctx), "", req.Type, req.Data)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "signal": sig})
}

func (h *Handler) PollSignals(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid room id"))
	}
	ctx := c.Request().Context()
	sigs, err := h.svc.Poll(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	if sigs == nil {
		sigs = []*Signal{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"signals": sigs})
}
