package zabbix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/config"
)

// fakeZabbix is a minimal JSON-RPC endpoint covering the methods the client
// uses: user.login, problem.get, event.acknowledge and apiinfo.version.
type fakeZabbix struct {
	srv *httptest.Server

	mu         sync.Mutex
	problems   []map[string]interface{}
	token      string
	loginCalls int
	expireNext bool
	lastParams map[string]interface{}
}

func newFakeZabbix(t *testing.T) *fakeZabbix {
	t.Helper()
	f := &fakeZabbix{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeZabbix) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(&config.ZabbixConfig{
		URL:            f.srv.URL,
		Username:       "Admin",
		Password:       "zabbix",
		TimeoutSeconds: 2,
	})
	require.NoError(t, err)
	return c
}

func (f *fakeZabbix) handle(w http.ResponseWriter, r *http.Request) {
	var call struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Auth   string          `json:"auth"`
		ID     int64           `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch call.Method {
	case "apiinfo.version":
		writeResult(w, call.ID, "7.0.0")
	case "user.login":
		f.loginCalls++
		f.token = fmt.Sprintf("token-%d", f.loginCalls)
		writeResult(w, call.ID, f.token)
	case "problem.get":
		if f.expireNext {
			f.expireNext = false
			writeError(w, call.ID, "Session terminated, re-login, please.")
			return
		}
		if call.Auth != f.token {
			writeError(w, call.ID, "Not authorised.")
			return
		}
		var params map[string]interface{}
		_ = json.Unmarshal(call.Params, &params)
		f.lastParams = params
		writeResult(w, call.ID, f.problems)
	case "event.acknowledge":
		if call.Auth != f.token {
			writeError(w, call.ID, "Not authorised.")
			return
		}
		var params struct {
			EventIDs string `json:"eventids"`
		}
		_ = json.Unmarshal(call.Params, &params)
		writeResult(w, call.ID, map[string]interface{}{"eventids": []string{params.EventIDs}})
	default:
		writeError(w, call.ID, fmt.Sprintf("unknown method %q", call.Method))
	}
}

func writeResult(w http.ResponseWriter, id int64, result interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"result":  result,
		"id":      id,
	})
}

func writeError(w http.ResponseWriter, id int64, message string) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   map[string]interface{}{"code": -32602, "message": message, "data": message},
		"id":      id,
	})
}

func problemEntry(eventID, clock, severity, rEventID string) map[string]interface{} {
	return map[string]interface{}{
		"eventid":   eventID,
		"objectid":  "9000",
		"name":      "High CPU utilization",
		"severity":  severity,
		"clock":     clock,
		"r_eventid": rEventID,
		"hosts":     []map[string]string{{"host": "web-01"}},
	}
}

func TestNewClientAppendsAPIPath(t *testing.T) {
	c, err := NewClient(&config.ZabbixConfig{URL: "http://zabbix.local"})
	require.NoError(t, err)
	assert.Equal(t, "http://zabbix.local/api_jsonrpc.php", c.url)

	c, err = NewClient(&config.ZabbixConfig{URL: "http://zabbix.local/api_jsonrpc.php"})
	require.NoError(t, err)
	assert.Equal(t, "http://zabbix.local/api_jsonrpc.php", c.url)

	_, err = NewClient(&config.ZabbixConfig{})
	assert.Error(t, err)
}

func TestFetchProblems(t *testing.T) {
	fake := newFakeZabbix(t)
	fake.problems = []map[string]interface{}{
		problemEntry("101", "1700000200", "4", "0"),
		problemEntry("102", "1700000100", "5", "333"),
	}
	c := fake.client(t)

	events, cursor, err := c.FetchProblems(context.Background(), Cursor{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Sorted by clock, oldest first.
	assert.Equal(t, "102", events[0].EventID)
	assert.True(t, events[0].Resolved)
	assert.Equal(t, "101", events[1].EventID)
	assert.False(t, events[1].Resolved)
	assert.Equal(t, "web-01", events[1].Host)
	assert.Equal(t, 4, events[1].Severity)
	assert.Equal(t, "9000", events[1].ProblemID)
	assert.Contains(t, events[1].Raw, `"eventid"`)

	// The cursor advances to the newest clock seen.
	assert.Equal(t, int64(1700000200), cursor.LastClock)

	// A zero cursor queries without a lower bound.
	fake.mu.Lock()
	_, hasTimeFrom := fake.lastParams["time_from"]
	fake.mu.Unlock()
	assert.False(t, hasTimeFrom)
}

func TestFetchProblemsSendsCursor(t *testing.T) {
	fake := newFakeZabbix(t)
	c := fake.client(t)

	_, cursor, err := c.FetchProblems(context.Background(), Cursor{LastClock: 1700000200})
	require.NoError(t, err)
	assert.Equal(t, int64(1700000200), cursor.LastClock, "empty batch leaves the cursor alone")

	fake.mu.Lock()
	timeFrom := fake.lastParams["time_from"]
	fake.mu.Unlock()
	assert.EqualValues(t, 1700000200, timeFrom)
}

func TestFetchProblemsBadSeverity(t *testing.T) {
	fake := newFakeZabbix(t)
	fake.problems = []map[string]interface{}{
		problemEntry("101", "1700000100", "9", "0"),
	}
	c := fake.client(t)

	_, _, err := c.FetchProblems(context.Background(), Cursor{})
	assert.True(t, IsProtocol(err), "out-of-range severity is a protocol error, got %v", err)
}

func TestFetchProblemsBadClock(t *testing.T) {
	fake := newFakeZabbix(t)
	fake.problems = []map[string]interface{}{
		problemEntry("101", "not-a-timestamp", "4", "0"),
	}
	c := fake.client(t)

	_, _, err := c.FetchProblems(context.Background(), Cursor{})
	assert.True(t, IsProtocol(err))
}

func TestConnectivityError(t *testing.T) {
	fake := newFakeZabbix(t)
	c := fake.client(t)
	fake.srv.Close()

	_, _, err := c.FetchProblems(context.Background(), Cursor{})
	assert.True(t, IsConnectivity(err), "unreachable server is a connectivity error, got %v", err)
}

func TestHTTPErrorIsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(&config.ZabbixConfig{URL: srv.URL, TimeoutSeconds: 2})
	require.NoError(t, err)

	err = c.HealthCheck(context.Background())
	assert.True(t, IsConnectivity(err))
}

func TestMalformedResponseIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	c, err := NewClient(&config.ZabbixConfig{URL: srv.URL, TimeoutSeconds: 2})
	require.NoError(t, err)

	err = c.HealthCheck(context.Background())
	assert.True(t, IsProtocol(err))
}

func TestReloginOnExpiredSession(t *testing.T) {
	fake := newFakeZabbix(t)
	c := fake.client(t)

	// First fetch logs in.
	_, _, err := c.FetchProblems(context.Background(), Cursor{})
	require.NoError(t, err)

	// The next authenticated call hits a terminated session; the client must
	// log in again and retry transparently.
	fake.mu.Lock()
	fake.expireNext = true
	fake.mu.Unlock()

	_, _, err = c.FetchProblems(context.Background(), Cursor{})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 2, fake.loginCalls)
}

func TestAcknowledgeEvent(t *testing.T) {
	fake := newFakeZabbix(t)
	c := fake.client(t)

	err := c.AcknowledgeEvent(context.Background(), "101", "Acknowledged by alice")
	assert.NoError(t, err)
}

func TestHealthCheck(t *testing.T) {
	fake := newFakeZabbix(t)
	c := fake.client(t)

	assert.NoError(t, c.HealthCheck(context.Background()))

	// The probe is unauthenticated.
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Zero(t, fake.loginCalls)
}
