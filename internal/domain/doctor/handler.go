package doctor

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	self := api.Group("/doctors/me", auth.RequireRole(auth.RoleDoctor))
	self.GET("", h.GetSelf)
	self.PUT("", h.UpdateSelf)
	self.PUT("/availability", h.SetAvailability)

	api.GET("/doctors/online", h.ListOnline, auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
}

func (h *Handler) GetSelf(c echo.Context) error {
	ctx := c.Request().Context()
	d, err := h.svc.Get(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type profileRequest struct {
	Name      string  `json:"name"`
	Email     *string `json:"email"`
	Specialty string  `json:"specialty"`
}

func (h *Handler) UpdateSelf(c echo.Context) error {
	var req profileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	d := &Doctor{ID: auth.UserIDFromContext(ctx), Name: req.Name, Email: req.Email, Specialty: req.Specialty}
	if err := h.svc.Upsert(ctx, d); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type availabilityRequest struct {
	IsOnline *bool `json:"is_online"`
}

func (h *Handler) SetAvailability(c echo.Context) error {
	var req availabilityRequest
	if err := c.Bind(&req); err != nil || req.IsOnline == nil {
		return apperr.HTTPError(apperr.Validationf("is_online is required"))
	}
	ctx := c.Request().Context()
	d, err := h.svc.SetOnline(ctx, auth.UserIDFromContext(ctx), auth.NameFromContext(ctx), *req.IsOnline)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListOnline(c echo.Context) error {
	docs, err := h.svc.ListOnline(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	if docs == nil {
		docs = []*Doctor{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": docs, "total": len(docs)})
}
