package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/model"
)

// DefaultRequestTimeout bounds every pull request.
const DefaultRequestTimeout = 10 * time.Second

// PullClient queries the server's request/response surface.
type PullClient struct {
	base   string
	client *http.Client
}

// NewPullClient targets the server at base, e.g. http://localhost:8080.
func NewPullClient(base string, timeout time.Duration) *PullClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &PullClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// ListAgents returns every known agent.
func (p *PullClient) ListAgents(ctx context.Context) ([]model.Agent, error) {
	var body struct {
		Drones []model.Agent `json:"drones"`
	}
	if err := p.get(ctx, "/api/drones", nil, &body); err != nil {
		return nil, errors.Annotate(err, "list agents")
	}
	return body.Drones, nil
}

// Recent returns up to limit of an agent's newest readings, oldest first.
func (p *PullClient) Recent(ctx context.Context, agentID string, limit int) ([]model.Reading, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("droneId", agentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Readings []model.Reading `json:"readings"`
	}
	if err := p.get(ctx, "/api/telemetry", q, &body); err != nil {
		return nil, errors.Annotate(err, "recent readings")
	}
	readings := body.Readings
	for i, j := 0, len(readings)-1; i < j; i, j = i+1, j-1 {
		readings[i], readings[j] = readings[j], readings[i]
	}
	return readings, nil
}

// History returns an agent's readings within the time-range token, oldest first.
func (p *PullClient) History(ctx context.Context, agentID, timeRange string) ([]model.Reading, error) {
	q := url.Values{}
	if timeRange != "" {
		q.Set("timeRange", timeRange)
	}
	var body struct {
		Readings []model.Reading `json:"readings"`
	}
	path := "/api/drones/" + url.PathEscape(agentID) + "/history"
	if err := p.get(ctx, path, q, &body); err != nil {
		return nil, errors.Annotatef(err, "history of %q", agentID)
	}
	return body.Readings, nil
}

// SendCommand posts a command and returns its request id.
func (p *PullClient) SendCommand(ctx context.Context, agentID, command string, params map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{"command": command, "parameters": params})
	if err != nil {
		return "", errors.Trace(err)
	}
	endpoint := p.base + "/api/drones/" + url.PathEscape(agentID) + "/command"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")

	var body struct {
		Success   bool   `json:"success"`
		RequestID string `json:"requestId"`
		Error     string `json:"error"`
	}
	if err := p.do(req, &body); err != nil {
		return "", errors.Annotatef(err, "send command to %q", agentID)
	}
	if !body.Success {
		return "", errors.Errorf("send command to %q: %s", agentID, body.Error)
	}
	return body.RequestID, nil
}

func (p *PullClient) get(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := p.base + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Trace(err)
	}
	return p.do(req, out)
}

func (p *PullClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.NotFoundf("%s", req.URL.Path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(text)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Annotate(err, "decode response")
	}
	return nil
}
