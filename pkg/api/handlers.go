package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/events"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/models"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/services"
)

// APIHandler handles HTTP API requests
type APIHandler struct {
	alerts  *services.AlertService
	tracker *services.ConnectionTracker
	poller  *services.Poller
	bus     *events.Bus
	pinger  func(context.Context) error
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(alerts *services.AlertService, tracker *services.ConnectionTracker, poller *services.Poller, bus *events.Bus, pinger func(context.Context) error) *APIHandler {
	return &APIHandler{
		alerts:  alerts,
		tracker: tracker,
		poller:  poller,
		bus:     bus,
		pinger:  pinger,
	}
}

// response is the envelope wrapping every API reply.
type response struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type pagination struct {
	Skip  int   `json:"skip"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, response{Success: true, Data: data})
}

func okPage(c echo.Context, data interface{}, page models.Page, total int64) error {
	return c.JSON(http.StatusOK, response{
		Success:    true,
		Data:       data,
		Pagination: &pagination{Skip: page.Skip, Limit: page.Limit, Total: total},
	})
}

func fail(c echo.Context, status int, message string) error {
	return c.JSON(status, response{Success: false, Error: message})
}

// errStatus maps lifecycle errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetAlerts returns alerts matching the query filters.
// Query parameters: status, min_severity, host, search, skip, limit.
func (h *APIHandler) GetAlerts(c echo.Context) error {
	filter := models.AlertFilter{
		Status: models.AlertStatus(c.QueryParam("status")),
		Host:   c.QueryParam("host"),
		Search: c.QueryParam("search"),
	}
	if raw := c.QueryParam("min_severity"); raw != "" {
		severity, err := strconv.Atoi(raw)
		if err != nil {
			return fail(c, http.StatusBadRequest, fmt.Sprintf("invalid min_severity %q", raw))
		}
		filter.MinSeverity = severity
	}
	page := parsePage(c)

	alerts, total, err := h.alerts.Query(c.Request().Context(), filter, page)
	if err != nil {
		logrus.Errorf("Error querying alerts: %v", err)
		return fail(c, http.StatusBadRequest, err.Error())
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	return okPage(c, alerts, page, total)
}

// GetAlert returns an alert by ID
func (h *APIHandler) GetAlert(c echo.Context) error {
	id := c.Param("id")
	alert, err := h.alerts.GetAlert(c.Request().Context(), id)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			logrus.Errorf("Error getting alert %s: %v", id, err)
		}
		return fail(c, errStatus(err), fmt.Sprintf("Alert with ID %s not found", id))
	}
	return ok(c, alert)
}

// AcknowledgeAlert acknowledges an alert
func (h *APIHandler) AcknowledgeAlert(c echo.Context) error {
	id := c.Param("id")
	var req models.AcknowledgeAlertRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "Invalid request format")
	}
	if req.OperatorName == "" {
		req.OperatorName = c.Request().Header.Get("X-Operator-Name")
	}

	alert, err := h.alerts.Acknowledge(c.Request().Context(), id, req.OperatorName, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			return fail(c, http.StatusNotFound, fmt.Sprintf("Alert with ID %s not found", id))
		case errors.Is(err, services.ErrInvalidTransition):
			return fail(c, http.StatusConflict, "Alert is not in a state that can be acknowledged")
		default:
			logrus.Errorf("Error acknowledging alert %s: %v", id, err)
			return fail(c, http.StatusInternalServerError, "Failed to acknowledge alert")
		}
	}
	return ok(c, alert)
}

// GetAlertHistory returns the status-change timeline of one alert.
func (h *APIHandler) GetAlertHistory(c echo.Context) error {
	id := c.Param("id")
	history, err := h.alerts.History(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return fail(c, http.StatusNotFound, fmt.Sprintf("Alert with ID %s not found", id))
		}
		logrus.Errorf("Error getting history for alert %s: %v", id, err)
		return fail(c, http.StatusInternalServerError, "Failed to get alert history")
	}
	if history == nil {
		history = []*models.HistoryEntry{}
	}
	return ok(c, history)
}

// GetAlertsByDateRange returns alerts created within [date_from, date_to).
// Query parameters: date_from, date_to (RFC 3339), skip, limit.
func (h *APIHandler) GetAlertsByDateRange(c echo.Context) error {
	fromStr := c.QueryParam("date_from")
	toStr := c.QueryParam("date_to")
	if fromStr == "" || toStr == "" {
		return fail(c, http.StatusBadRequest, "date_from and date_to parameters required")
	}

	from, err := parseDate(fromStr)
	if err != nil {
		return fail(c, http.StatusBadRequest, fmt.Sprintf("invalid date_from: %v", err))
	}
	to, err := parseDate(toStr)
	if err != nil {
		return fail(c, http.StatusBadRequest, fmt.Sprintf("invalid date_to: %v", err))
	}
	page := parsePage(c)

	alerts, total, err := h.alerts.HistoryByDateRange(c.Request().Context(), from, to, page)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	return okPage(c, alerts, page, total)
}

// GetStatus returns the source connection state and last poll cycle stats.
func (h *APIHandler) GetStatus(c echo.Context) error {
	return ok(c, map[string]interface{}{
		"connection": h.tracker.Status(),
		"poller":     h.poller.Stats(),
	})
}

// GetHealth is the liveness probe: it verifies the database answers.
func (h *APIHandler) GetHealth(c echo.Context) error {
	dbStatus := "connected"
	if err := h.pinger(c.Request().Context()); err != nil {
		dbStatus = fmt.Sprintf("error: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "zbx-alert-gateway",
		"database":  dbStatus,
	})
}

// SetupRoutes sets up the API routes
func (h *APIHandler) SetupRoutes(e *echo.Echo) {
	e.GET("/api/alerts", h.GetAlerts)
	e.GET("/api/alerts/history", h.GetAlertsByDateRange)
	e.GET("/api/alerts/stream", h.StreamEvents)
	e.GET("/api/alerts/:id", h.GetAlert)
	e.GET("/api/alerts/:id/history", h.GetAlertHistory)
	e.POST("/api/alerts/:id/acknowledge", h.AcknowledgeAlert)

	e.GET("/api/status", h.GetStatus)
	e.GET("/api/health", h.GetHealth)
}

func parsePage(c echo.Context) models.Page {
	page := models.Page{Limit: 100}
	if raw := c.QueryParam("skip"); raw != "" {
		if skip, err := strconv.Atoi(raw); err == nil && skip >= 0 {
			page.Skip = skip
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			page.Limit = limit
		}
	}
	return page
}

func parseDate(raw string) (time.Time, error) {
	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
