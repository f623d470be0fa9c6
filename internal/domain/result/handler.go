package result

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/allergoexpress/immunolab/internal/platform/middleware"
	"github.com/allergoexpress/immunolab/pkg/pagination"
)

// Router is satisfied by both *echo.Echo and *echo.Group.
type Router interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// Context keys read by the access audit middleware.
const (
	CtxOrderID    = middleware.AuditOrderIDKey
	CtxLookupMode = middleware.AuditLookupModeKey
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type Handler struct {
	svc     *Service
	siteURL string
	now     func() time.Time
}

func NewHandler(svc *Service, siteURL string) *Handler {
	return &Handler{svc: svc, siteURL: siteURL, now: time.Now}
}

// RegisterRoutes mounts the two public endpoints. lookup middleware guards
// GET /get-result, publish middleware guards POST /add-result. Other methods
// on these paths get 405 from the router.
func (h *Handler) RegisterRoutes(r Router, lookup []echo.MiddlewareFunc, publish []echo.MiddlewareFunc) {
	r.POST("/add-result", h.AddResult, publish...)
	r.GET("/get-result", h.GetResult, lookup...)
}

// RegisterAdminRoutes mounts the staff helpers used by the admin form.
func (h *Handler) RegisterAdminRoutes(admin *echo.Group) {
	admin.GET("/order-id", h.NextOrderID)
	admin.GET("/medications", h.ListMedications)
	admin.GET("/results", h.ListResults)
	admin.GET("/results/:orderId", h.GetResultForStaff)
	admin.GET("/results/:orderId/link", h.GetResultLink)
}

// AddResult handles POST /add-result.
func (h *Handler) AddResult(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Could not read request body", Details: err.Error()})
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Request body is empty"})
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid JSON format", Details: err.Error()})
	}

	rec, err := h.svc.Ingest(c.Request().Context(), &req)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return c.JSON(http.StatusBadRequest, errorBody{Error: ve.Message})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}

	c.Set(CtxOrderID, rec.OrderID)
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// GetResult handles GET /get-result?orderId=&birthDate=&phone=.
func (h *Handler) GetResult(c echo.Context) error {
	q := LookupQuery{
		OrderID:   c.QueryParam("orderId"),
		BirthDate: c.QueryParam("birthDate"),
		Phone:     c.QueryParam("phone"),
	}
	mode, err := q.Mode()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Missing search parameters"})
	}
	c.Set(CtxLookupMode, string(mode))
	if mode != ModePhone {
		c.Set(CtxOrderID, q.Normalize().OrderID)
	}

	rec, err := h.svc.Lookup(c.Request().Context(), q)
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: "Not found"})
	case errors.Is(err, ErrMissingSearchParams):
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Missing search parameters"})
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}

	c.Set(CtxOrderID, rec.OrderID)
	return c.JSON(http.StatusOK, rec)
}

// NextOrderID suggests a fresh order id and the link its QR code will carry.
func (h *Handler) NextOrderID(c echo.Context) error {
	id := GenerateOrderID(h.now())
	return c.JSON(http.StatusOK, map[string]string{
		"orderId":   id,
		"resultUrl": ResultLink(h.siteURL, id),
	})
}

func (h *Handler) ListMedications(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"medications": CatalogMedications(),
	})
}

func (h *Handler) ListResults(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListResults(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
	if items == nil {
		items = []*Record{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetResultForStaff(c echo.Context) error {
	rec, err := h.svc.GetResult(c.Request().Context(), c.Param("orderId"))
	if err != nil {
		return staffLookupError(err)
	}
	c.Set(CtxOrderID, rec.OrderID)
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetResultLink(c echo.Context) error {
	rec, err := h.svc.GetResult(c.Request().Context(), c.Param("orderId"))
	if err != nil {
		return staffLookupError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"orderId":   rec.OrderID,
		"resultUrl": ResultLink(h.siteURL, rec.OrderID),
	})
}

func staffLookupError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Not found")
	case errors.Is(err, ErrMissingSearchParams):
		return echo.NewHTTPError(http.StatusBadRequest, "Missing search parameters")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}
