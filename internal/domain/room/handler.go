package room

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

// RegisterRoutes mounts the room endpoints. Participation is checked per room
// by the service.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/rooms", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	g.GET("", h.ListRooms)
	g.GET("/:id", h.GetRoom)
	g.GET("/by-request/:id", h.GetRoomByRequest)
	g.POST("/:id/end", h.EndRoom)
	g.GET("/:id/messages", h.ListMessages)
	g.POST("/:id/messages", h.PostMessage)
}

func roomID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.HTTPError(apperr.Validationf("invalid room id"))
	}
	return id, nil
}

func (h *Handler) ListRooms(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByParticipant(ctx, auth.UserIDFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRoom(c echo.Context) error {
	id, err := roomID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rm, err := h.svc.Get(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rm)
}

// GetRoomByRequest lets a client that only knows its request id find the
// session to join.
func (h *Handler) GetRoomByRequest(c echo.Context) error {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request id"))
	}
	ctx := c.Request().Context()
	rm, err := h.svc.GetByRequest(ctx, requestID, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rm)
}

func (h *Handler) EndRoom(c echo.Context) error {
	id, err := roomID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rm, err := h.svc.End(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rm)
}

func (h *Handler) ListMessages(c echo.Context) error {
	id, err := roomID(c)
	if err != nil {
		return err
	}
	cur, err := pagination.CursorFromContext(c)
	if err != nil {
		return apperr.HTTPError(apperr.Validationf("%s", err.Error()))
	}

	ctx := c.Request().Context()
	msgs, err := h.svc.ListMessages(ctx, id, auth.UserIDFromContext(ctx), cur.After, cur.Limit)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewCursorResponse(msgs, cur.After, func(m *Message) int64 { return m.Seq }))
}

type postMessageRequest struct {
	Body string `json:"body"`
}

func (h *Handler) PostMessage(c echo.Context) error {
	id, err := roomID(c)
	if err != nil {
		return err
	}
	var req postMessageRequest
	if err := c.Bind(&req); err != nil {
		return apperr.HTTPError(apperr.Validationf("invalid request body"))
	}
	ctx := c.Request().Context()
	m, err := h.svc.PostMessage(ctx, id, auth.UserIDFromContext(ctx), req.Body)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}
