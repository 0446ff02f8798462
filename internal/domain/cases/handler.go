package cases

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/casehq/casehq/internal/casexml"
	"github.com/casehq/casehq/internal/platform/auth"
	"github.com/casehq/casehq/internal/platform/db"
	"github.com/casehq/casehq/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "api", "mobile"))
	read.GET("/cases", h.ListCases)
	read.GET("/cases/resolve", h.ResolveCase)
	read.GET("/cases/:id", h.GetCase)
	read.GET("/forms/:id", h.GetForm)
	read.GET("/forms/:id/attachments/:name", h.GetFormAttachment)

	write := api.Group("", auth.RequireRole("admin", "api"))
	write.POST("/cases", h.CreateCase)
	write.PUT("/cases/:id", h.UpdateCase)
	write.POST("/cases/bulk", h.BulkUpdateCases)
	write.POST("/cases/:id/deidentify", h.DeidentifyCase)
	write.POST("/submissions", h.Submit)
}

func httpError(err error) error {
	var verr *casexml.ValidationError
	var merr *casexml.MalformedXMLError
	switch {
	case errors.As(err, &verr), errors.As(err, &merr):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func maxWaitParam(c echo.Context) time.Duration {
	// "none" means fail immediately; otherwise a Go duration string.
	raw := c.QueryParam("max_wait")
	if raw == "" {
		return 0
	}
	if raw == "none" {
		return -1
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

type createCaseRequest struct {
	CaseType   string            `json:"case_type"`
	CaseName   string            `json:"case_name"`
	OwnerID    string            `json:"owner_id"`
	UserID     string            `json:"user_id"`
	Properties map[string]string `json:"properties"`
}

func (h *Handler) CreateCase(c echo.Context) error {
	var req createCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	domain := db.DomainFromContext(c.Request().Context())
	userID := req.UserID
	if userID == "" {
		userID = auth.UserIDFromContext(c.Request().Context())
	}
	result, err := h.svc.CreateCase(c.Request().Context(), domain,
		req.CaseType, req.CaseName, req.OwnerID, userID, req.Properties,
		SubmitOptions{
			Username: auth.UsernameFromContext(c.Request().Context()),
			MaxWait:  maxWaitParam(c),
		})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) GetCase(c echo.Context) error {
	domain := db.DomainFromContext(c.Request().Context())
	cs, err := h.svc.GetCase(c.Request().Context(), domain, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	domain := db.DomainFromContext(c.Request().Context())
	items, total, err := h.svc.ListCases(c.Request().Context(), domain, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ResolveCase looks a case up by an opaque identifier: alternate
// identifier types first, then primary id. No match is a 404, not an
// error.
func (h *Handler) ResolveCase(c echo.Context) error {
	identifier := c.QueryParam("identifier")
	if identifier == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "identifier is required")
	}
	domain := db.DomainFromContext(c.Request().Context())
	cs, err := h.svc.ResolveCase(c.Request().Context(), domain, identifier)
	if err != nil {
		return httpError(err)
	}
	if cs == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no case matches identifier")
	}
	return c.JSON(http.StatusOK, cs)
}

type updateCaseRequest struct {
	Properties map[string]string `json:"properties"`
	Close      bool              `json:"close"`
	OwnerID    string            `json:"owner_id"`
}

func (h *Handler) UpdateCase(c echo.Context) error {
	var req updateCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	domain := db.DomainFromContext(c.Request().Context())
	result, err := h.svc.UpdateCase(c.Request().Context(), domain, c.Param("id"),
		req.Properties, req.Close, req.OwnerID,
		SubmitOptions{MaxWait: maxWaitParam(c)})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

type bulkUpdateRequest struct {
	Changes  []CaseChange `json:"changes"`
	DeviceID string       `json:"device_id"`
}

func (h *Handler) BulkUpdateCases(c echo.Context) error {
	var req bulkUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Changes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "changes is required")
	}
	domain := db.DomainFromContext(c.Request().Context())
	result, err := h.svc.BulkUpdateCases(c.Request().Context(), domain, req.Changes,
		SubmitOptions{DeviceID: req.DeviceID, MaxWait: maxWaitParam(c)})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

type deidentifyRequest struct {
	Censor map[string]string `json:"censor"`
}

func (h *Handler) DeidentifyCase(c echo.Context) error {
	var req deidentifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	domain := db.DomainFromContext(c.Request().Context())
	view, err := h.svc.DeidentifyCase(c.Request().Context(), domain, c.Param("id"), req.Censor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// Submit accepts a raw submission envelope as the request body.
func (h *Handler) Submit(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty submission")
	}
	domain := db.DomainFromContext(c.Request().Context())
	result, err := h.svc.SubmitEnvelope(c.Request().Context(), domain, body, nil, maxWaitParam(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) GetForm(c echo.Context) error {
	domain := db.DomainFromContext(c.Request().Context())
	f, err := h.svc.GetForm(c.Request().Context(), domain, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) GetFormAttachment(c echo.Context) error {
	domain := db.DomainFromContext(c.Request().Context())
	data, err := h.svc.GetFormAttachment(c.Request().Context(), domain, c.Param("id"), c.Param("name"))
	if err != nil {
		return httpError(err)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}
