package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/events"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/models"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/services"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/store"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/zabbix"
)

// stubSource satisfies the source interface without a live Zabbix.
type stubSource struct{}

func (stubSource) FetchProblems(_ context.Context, cursor zabbix.Cursor) ([]models.RawEvent, zabbix.Cursor, error) {
	return nil, cursor, nil
}
func (stubSource) AcknowledgeEvent(context.Context, string, string) error { return nil }
func (stubSource) HealthCheck(context.Context) error                      { return nil }

// setupTestRouter creates a router backed by a temp database plus the alert
// service used to seed it.
func setupTestRouter(t *testing.T) (*echo.Echo, *services.AlertService) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, st.Open())
	t.Cleanup(func() { st.Close() })

	source := stubSource{}
	bus := events.NewBus()
	tracker := services.NewConnectionTracker(3, services.NewBackoff(time.Second, time.Minute), bus)
	alerts := services.NewAlertService(st, source, bus)
	poller := services.NewPoller(source, alerts, tracker, time.Minute)

	e := echo.New()
	handler := NewAPIHandler(alerts, tracker, poller, bus, st.Ping)
	handler.SetupRoutes(e)
	return e, alerts
}

func seedAlerts(t *testing.T, alerts *services.AlertService, raws ...models.RawEvent) []*models.Alert {
	t.Helper()
	_, err := alerts.Ingest(context.Background(), raws)
	require.NoError(t, err)
	seeded, _, err := alerts.Query(context.Background(), models.AlertFilter{}, models.Page{})
	require.NoError(t, err)
	return seeded
}

func seedEvent(eventID, host string, severity int) models.RawEvent {
	return models.RawEvent{
		EventID:  eventID,
		Host:     host,
		Name:     "Problem on " + host,
		Severity: severity,
		Clock:    time.Now().UTC(),
	}
}

type apiResponse struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Pagination *struct {
		Skip  int   `json:"skip"`
		Limit int   `json:"limit"`
		Total int64 `json:"total"`
	} `json:"pagination"`
	Error string `json:"error"`
}

func doRequest(t *testing.T, e *echo.Echo, method, target string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestGetAlertsEndpoint(t *testing.T) {
	e, alerts := setupTestRouter(t)
	seedAlerts(t, alerts, seedEvent("100", "web-01", 4), seedEvent("101", "db-01", 5))

	rec, resp := doRequest(t, e, http.MethodGet, "/api/alerts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Pagination)
	assert.Equal(t, int64(2), resp.Pagination.Total)

	var list []*models.Alert
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Len(t, list, 2)

	rec, resp = doRequest(t, e, http.MethodGet, "/api/alerts?min_severity=5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), resp.Pagination.Total)

	rec, resp = doRequest(t, e, http.MethodGet, "/api/alerts?status=new&host=web", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), resp.Pagination.Total)

	rec, _ = doRequest(t, e, http.MethodGet, "/api/alerts?min_severity=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doRequest(t, e, http.MethodGet, "/api/alerts?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAlertEndpoint(t *testing.T) {
	e, alerts := setupTestRouter(t)
	seeded := seedAlerts(t, alerts, seedEvent("200", "web-01", 3))

	rec, resp := doRequest(t, e, http.MethodGet, "/api/alerts/"+seeded[0].ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var alert models.Alert
	require.NoError(t, json.Unmarshal(resp.Data, &alert))
	assert.Equal(t, "200", alert.ZabbixEventID)
	assert.Equal(t, "Average", alert.SeverityLabel)

	rec, resp = doRequest(t, e, http.MethodGet, "/api/alerts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestAcknowledgeEndpoint(t *testing.T) {
	e, alerts := setupTestRouter(t)
	seeded := seedAlerts(t, alerts, seedEvent("300", "db-01", 5))
	target := "/api/alerts/" + seeded[0].ID + "/acknowledge"

	rec, resp := doRequest(t, e, http.MethodPost, target,
		models.AcknowledgeAlertRequest{OperatorName: "alice", Reason: "investigating"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	var alert models.Alert
	require.NoError(t, json.Unmarshal(resp.Data, &alert))
	assert.Equal(t, models.AlertStatusAcknowledged, alert.Status)

	// The alert is no longer acknowledgeable.
	rec, resp = doRequest(t, e, http.MethodPost, target,
		models.AcknowledgeAlertRequest{OperatorName: "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = doRequest(t, e, http.MethodPost, "/api/alerts/missing/acknowledge",
		models.AcknowledgeAlertRequest{OperatorName: "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcknowledgeOperatorHeaderFallback(t *testing.T) {
	e, alerts := setupTestRouter(t)
	seeded := seedAlerts(t, alerts, seedEvent("310", "web-01", 2))

	req := httptest.NewRequest(http.MethodPost, "/api/alerts/"+seeded[0].ID+"/acknowledge",
		bytes.NewReader([]byte(`{}`)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Operator-Name", "charlie")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	acks, err := alerts.Acknowledgments(context.Background(), seeded[0].ID)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, "charlie", acks[0].OperatorName)
}

func TestAlertHistoryEndpoint(t *testing.T) {
	e, alerts := setupTestRouter(t)
	seeded := seedAlerts(t, alerts, seedEvent("400", "web-01", 4))

	_, err := alerts.Acknowledge(context.Background(), seeded[0].ID, "alice", "")
	require.NoError(t, err)

	rec, resp := doRequest(t, e, http.MethodGet, "/api/alerts/"+seeded[0].ID+"/history", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var history []*models.HistoryEntry
	require.NoError(t, json.Unmarshal(resp.Data, &history))
	require.Len(t, history, 2)
	assert.Equal(t, models.AlertStatusNew, history[0].ToStatus)
	assert.Equal(t, models.AlertStatusAcknowledged, history[1].ToStatus)

	rec, _ = doRequest(t, e, http.MethodGet, "/api/alerts/missing/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDateRangeEndpoint(t *testing.T) {
	e, alerts := setupTestRouter(t)
	seedAlerts(t, alerts, seedEvent("500", "web-01", 3))

	rec, _ := doRequest(t, e, http.MethodGet, "/api/alerts/history", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec, resp := doRequest(t, e, http.MethodGet,
		"/api/alerts/history?date_from="+from+"&date_to="+to, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Pagination)
	assert.Equal(t, int64(1), resp.Pagination.Total)

	// Date-only values are accepted too.
	rec, _ = doRequest(t, e, http.MethodGet,
		"/api/alerts/history?date_from=2026-01-01&date_to=2026-01-02", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doRequest(t, e, http.MethodGet,
		"/api/alerts/history?date_from=garbage&date_to="+to, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Inverted range is rejected.
	rec, _ = doRequest(t, e, http.MethodGet,
		"/api/alerts/history?date_from="+to+"&date_to="+from, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	e, _ := setupTestRouter(t)

	rec, resp := doRequest(t, e, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	var status struct {
		Connection models.ConnectionStatus `json:"connection"`
		Poller     services.CycleStats     `json:"poller"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.False(t, status.Connection.Connected)
	assert.True(t, status.Poller.LastRunAt.IsZero())
}

func TestHealthEndpoint(t *testing.T) {
	e, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "connected", health["database"])
	assert.Equal(t, "zbx-alert-gateway", health["service"])
}

func TestPaginationParams(t *testing.T) {
	e, alerts := setupTestRouter(t)
	var raws []models.RawEvent
	for _, id := range []string{"600", "601", "602"} {
		raws = append(raws, seedEvent(id, "web-01", 2))
	}
	seedAlerts(t, alerts, raws...)

	rec, resp := doRequest(t, e, http.MethodGet, "/api/alerts?skip=1&limit=1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Pagination)
	assert.Equal(t, 1, resp.Pagination.Skip)
	assert.Equal(t, 1, resp.Pagination.Limit)
	assert.Equal(t, int64(3), resp.Pagination.Total)

	var list []*models.Alert
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Len(t, list, 1)
}
