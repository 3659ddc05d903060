package carerequest

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := auth.RequireRole(auth.RolePatient)
	doctor := auth.RequireRole(auth.RoleDoctor)
	either := auth.RequireRole(auth.RolePatient, auth.RoleDoctor)

	api.POST("/escalations/risk-signal", h.RiskSignal, patient)

	g := api.Group("/requests")
	g.POST("", h.CreateRoutine, patient)
	g.GET("", h.ListMine, patient)
	g.GET("/pending", h.ListPending, doctor)
	g.GET("/mine", h.LatestActive, patient)
	g.GET("/:id", h.Get, either)
	g.GET("/:id/status", h.Status, either)
	g.POST("/:id/accept", h.Accept, doctor)
	g.POST("/:id/pass", h.Pass, doctor)
	g.POST("/:id/cancel", h.Cancel, patient)
	g.POST("/:id/connect", h.RequestConnection, patient)
	g.POST("/:id/connection/accept", h.ConfirmConnection, doctor)
	g.POST("/:id/connection/decline", h.DeclineConnection, doctor)
}

func requestID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.HTTPError(apperr.Validationf("invalid request id"))
	}
	return id, nil
}

type riskSignalRequest struct {
	RiskLevel string `json:"risk_level"`
	Message   string `json:"message"`
}

type riskSignalResponse struct {
	Success   bool         `json:"success"`
	Escalated bool         `json:"escalated"`
	Request   *CareRequest `json:"request,omitempty"`
	DoctorID  string       `json:"doctor_id,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// RiskSignal receives the classifier verdict for the caller's latest message.
// "No doctor available" is a normal answer, not an error status.
func (h *Handler) RiskSignal(c echo.Context) error {
	var body riskSignalRequest
	if err := c.Bind(&body); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body"))
	}
	ctx := c.Request().Context()
	res, err := h.svc.TriggerEscalation(ctx, RiskSignal{
		UserID:    auth.UserIDFromContext(ctx),
		UserName:  auth.NameFromContext(ctx),
		RiskLevel: body.RiskLevel,
		Message:   body.Message,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}

	resp := riskSignalResponse{Success: true, Escalated: res.Escalated, Request: res.Request, DoctorID: res.DoctorID}
	if res.Escalated && res.DoctorID == "" {
		resp.Success = false
		resp.Error = res.Message
	}
	status := http.StatusOK
	if res.Escalated {
		status = http.StatusCreated
	}
	return c.JSON(status, resp)
}

type routineRequest struct {
	ConnectionType string `json:"connection_type"`
	Note           string `json:"note"`
}

func (h *Handler) CreateRoutine(c echo.Context) error {
	var body routineRequest
	if err := c.Bind(&body); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body"))
	}
	ctx := c.Request().Context()
	req, err := h.svc.CreateRoutine(ctx, auth.UserIDFromContext(ctx), auth.NameFromContext(ctx), body.ConnectionType, body.Note)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) ListMine(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByRequester(ctx, auth.UserIDFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListPending(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPending(ctx, auth.UserIDFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) LatestActive(c echo.Context) error {
	ctx := c.Request().Context()
	req, err := h.svc.LatestActive(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	req, err := h.svc.Get(ctx, id, auth.UserIDFromContext(ctx), auth.HasRole(ctx, auth.RoleDoctor))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Status(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	view, err := h.svc.PollStatus(ctx, id, auth.UserIDFromContext(ctx), auth.HasRole(ctx, auth.RoleDoctor))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Accept(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	req, err := h.svc.Accept(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Pass(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	req, err := h.svc.Pass(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	req, err := h.svc.Cancel(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

type connectRequest struct {
	ConnectionType string `json:"connection_type"`
}

func (h *Handler) RequestConnection(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	var body connectRequest
	if err := c.Bind(&body); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body"))
	}
	ctx := c.Request().Context()
	req, err := h.svc.RequestConnection(ctx, id, body.ConnectionType, auth.UserIDFromContext(ctx), auth.NameFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req.StatusView())
}

func (h *Handler) ConfirmConnection(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	req, err := h.svc.ConfirmConnection(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req.StatusView())
}

func (h *Handler) DeclineConnection(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	req, err := h.svc.DeclineConnection(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req.StatusView())
}
