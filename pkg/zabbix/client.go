package zabbix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/config"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/models"
)

// fetchLimit caps how many problems one problem.get call may return.
const fetchLimit = 1000

// Client talks JSON-RPC 2.0 to the Zabbix API. It logs in lazily, caches the
// auth token and re-authenticates once when the server reports an expired
// session.
type Client struct {
	url      string
	username string
	password string
	http     *http.Client

	mu    sync.Mutex
	auth  string
	reqID int64
}

// NewClient creates a Zabbix API client from configuration.
func NewClient(cfg *config.ZabbixConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("zabbix url is required")
	}
	url := cfg.URL
	if !strings.HasSuffix(url, "/api_jsonrpc.php") {
		url = strings.TrimRight(url, "/") + "/api_jsonrpc.php"
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:      url,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	Auth    string      `json:"auth,omitempty"`
	ID      int64       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("code %d: %s %s", e.Code, e.Message, e.Data)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int64           `json:"id"`
}

// call performs one JSON-RPC request. Transport failures map to
// ErrConnectivity, malformed or error responses to ErrProtocol.
func (c *Client) call(ctx context.Context, method string, params interface{}, auth string) (json.RawMessage, error) {
	c.mu.Lock()
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		Auth:    auth,
		ID:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s request: %v", ErrProtocol, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build %s request: %v", ErrProtocol, method, err)
	}
	req.Header.Set("Content-Type", "application/json-rpc")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectivity, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrConnectivity, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %v", ErrProtocol, method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProtocol, method, rpcResp.Error)
	}
	if len(rpcResp.Result) == 0 {
		return nil, fmt.Errorf("%w: %s returned empty result", ErrProtocol, method)
	}
	return rpcResp.Result, nil
}

// login authenticates and caches the session token.
func (c *Client) login(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "user.login", map[string]string{
		"username": c.username,
		"password": c.password,
	}, "")
	if err != nil {
		return "", err
	}

	var token string
	if err := json.Unmarshal(result, &token); err != nil {
		return "", fmt.Errorf("%w: unexpected user.login result: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	c.auth = token
	c.mu.Unlock()
	logrus.Info("Authenticated with Zabbix API")
	return token, nil
}

// authedCall runs an authenticated method, logging in on first use and once
// more if the server rejects a stale session.
func (c *Client) authedCall(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	token := c.auth
	c.mu.Unlock()

	if token == "" {
		var err error
		if token, err = c.login(ctx); err != nil {
			return nil, err
		}
	}

	result, err := c.call(ctx, method, params, token)
	if err != nil && isAuthExpired(err) {
		logrus.Warn("Zabbix session expired, re-authenticating")
		if token, err = c.login(ctx); err != nil {
			return nil, err
		}
		result, err = c.call(ctx, method, params, token)
	}
	return result, err
}

func isAuthExpired(err error) bool {
	if !IsProtocol(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not authorised") || strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "session terminated")
}

// problem mirrors the fields of one problem.get result entry.
type problem struct {
	EventID  string `json:"eventid"`
	ObjectID string `json:"objectid"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Clock    string `json:"clock"`
	REventID string `json:"r_eventid"`
	Hosts    []struct {
		Host string `json:"host"`
	} `json:"hosts"`
}

// FetchProblems retrieves problems changed or created since the cursor.
func (c *Client) FetchProblems(ctx context.Context, cursor Cursor) ([]models.RawEvent, Cursor, error) {
	params := map[string]interface{}{
		"output":      []string{"eventid", "objectid", "clock", "severity", "name", "r_eventid"},
		"selectHosts": []string{"host"},
		"recent":      true,
		"sortfield":   []string{"eventid"},
		"sortorder":   "ASC",
		"limit":       fetchLimit,
	}
	if !cursor.IsZero() {
		params["time_from"] = cursor.LastClock
	}

	result, err := c.authedCall(ctx, "problem.get", params)
	if err != nil {
		return nil, cursor, err
	}

	// Decode each entry individually so the raw payload can be stored
	// verbatim alongside the parsed fields.
	var rawItems []json.RawMessage
	if err := json.Unmarshal(result, &rawItems); err != nil {
		return nil, cursor, fmt.Errorf("%w: problem.get result is not an array: %v", ErrProtocol, err)
	}

	events := make([]models.RawEvent, 0, len(rawItems))
	next := cursor
	for _, item := range rawItems {
		var p problem
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, cursor, fmt.Errorf("%w: decode problem entry: %v", ErrProtocol, err)
		}
		if p.EventID == "" {
			return nil, cursor, fmt.Errorf("%w: problem entry missing eventid", ErrProtocol)
		}

		clock, err := strconv.ParseInt(p.Clock, 10, 64)
		if err != nil {
			return nil, cursor, fmt.Errorf("%w: problem %s has bad clock %q", ErrProtocol, p.EventID, p.Clock)
		}
		severity, err := strconv.Atoi(p.Severity)
		if err != nil || severity < models.SeverityMin || severity > models.SeverityMax {
			return nil, cursor, fmt.Errorf("%w: problem %s has bad severity %q", ErrProtocol, p.EventID, p.Severity)
		}

		host := "Unknown"
		if len(p.Hosts) > 0 && p.Hosts[0].Host != "" {
			host = p.Hosts[0].Host
		}
		name := p.Name
		if name == "" {
			name = "Unnamed Problem"
		}

		events = append(events, models.RawEvent{
			EventID:   p.EventID,
			ProblemID: p.ObjectID,
			Host:      host,
			Name:      name,
			Severity:  severity,
			Clock:     time.Unix(clock, 0).UTC(),
			Resolved:  p.REventID != "" && p.REventID != "0",
			Raw:       string(item),
		})
		if clock > next.LastClock {
			next.LastClock = clock
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Clock.Before(events[j].Clock) })
	logrus.Debugf("Fetched %d problems from Zabbix", len(events))
	return events, next, nil
}

// AcknowledgeEvent acknowledges an event in Zabbix. Action 6 is
// "add message" + "acknowledge".
func (c *Client) AcknowledgeEvent(ctx context.Context, eventID string, message string) error {
	result, err := c.authedCall(ctx, "event.acknowledge", map[string]interface{}{
		"eventids": eventID,
		"action":   6,
		"message":  message,
	})
	if err != nil {
		return err
	}

	// Zabbix versions disagree on whether eventids are strings or numbers.
	var ack struct {
		EventIDs []interface{} `json:"eventids"`
	}
	if err := json.Unmarshal(result, &ack); err != nil {
		return fmt.Errorf("%w: unexpected event.acknowledge result: %v", ErrProtocol, err)
	}
	if len(ack.EventIDs) == 0 {
		return fmt.Errorf("%w: event.acknowledge accepted no events for %s", ErrProtocol, eventID)
	}
	logrus.Infof("Acknowledged event %s in Zabbix", eventID)
	return nil
}

// HealthCheck probes the API with the unauthenticated apiinfo.version call.
func (c *Client) HealthCheck(ctx context.Context) error {
	result, err := c.call(ctx, "apiinfo.version", []string{}, "")
	if err != nil {
		return err
	}
	var version string
	if err := json.Unmarshal(result, &version); err != nil {
		return fmt.Errorf("%w: unexpected apiinfo.version result: %v", ErrProtocol, err)
	}
	logrus.Debugf("Zabbix API version %s", version)
	return nil
}
