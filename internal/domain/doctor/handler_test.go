package doctor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/telehealth/internal/platform/auth"
)

func newTestHandler() (*Handler, *mockRepo, *echo.Echo) {
	svc, repo := newTestService()
	return NewHandler(svc), repo, echo.New()
}

func doctorContext(e *echo.Echo, method, body, userID string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), userID, "Dr. "+userID, []string{auth.RoleDoctor}))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_SetAvailability(t *testing.T) {
	h, repo, e := newTestHandler()
	c, rec := doctorContext(e, http.MethodPut, `{"is_online":true}`, "doc-1")

	require.NoError(t, h.SetAvailability(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, repo.doctors["doc-1"].IsOnline)
	assert.Equal(t, "Dr. doc-1", repo.doctors["doc-1"].Name)
}

func TestHandler_SetAvailability_MissingField(t *testing.T) {
	h, _, e := newTestHandler()
	c, _ := doctorContext(e, http.MethodPut, `{}`, "doc-1")

	err := h.SetAvailability(c)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestHandler_UpdateAndGetSelf(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := doctorContext(e, http.MethodPut, `{"name":"Dr. Mehta","specialty":"psyco"}`, "doc-2")
	require.NoError(t, h.UpdateSelf(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	c, rec = doctorContext(e, http.MethodGet, "", "doc-2")
	require.NoError(t, h.GetSelf(c))
	var d Doctor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "Dr. Mehta", d.Name)
	assert.Equal(t, "psyco", d.Specialty)
}

func TestHandler_GetSelf_NotRegistered(t *testing.T) {
	h, _, e := newTestHandler()
	c, _ := doctorContext(e, http.MethodGet, "", "doc-404")

	err := h.GetSelf(c)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestHandler_ListOnline(t *testing.T) {
	h, repo, e := newTestHandler()
	repo.doctors["doc-1"] = &Doctor{ID: "doc-1", Name: "A", IsOnline: true}
	repo.sessions["doc-1"] = 1

	c, rec := doctorContext(e, http.MethodGet, "", "pat-1")
	require.NoError(t, h.ListOnline(c))

	var body struct {
		Data  []Doctor `json:"data"`
		Total int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, 1, body.Data[0].ActiveSessions)
}

func TestHandler_RoutesRequireDoctorRole(t *testing.T) {
	h, _, e := newTestHandler()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			c.SetRequest(r.WithContext(auth.WithIdentity(r.Context(), "pat-1", "P", []string{auth.RolePatient})))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/doctors/me/availability", strings.NewReader(`{"is_online":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/doctors/online", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
