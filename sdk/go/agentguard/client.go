// Package agentguard is a small Go client for the AgentGuard HTTP API: it
// requests plans, submits them for guarded execution, follows the SSE event
// stream of a run and cancels runs or individual tool streams.
package agentguard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout applies to non-streaming calls made with the default http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// LicenseHeader carries the caller's license tier.
const LicenseHeader = "X-License-Tier"

// ErrStopStream may be returned from a StreamFunc to end the stream without error.
var ErrStopStream = errors.New("agentguard: stop stream")

// Client wraps the HTTP interactions with an AgentGuard server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	license    string
}

// Step mirrors one plan step on the wire. Input is passed through unchanged.
type Step struct {
	StepID               string         `json:"stepId"`
	Tool                 string         `json:"tool"`
	Input                map[string]any `json:"input,omitempty"`
	Risk                 string         `json:"risk"`
	RiskLevel            string         `json:"risk_level,omitempty"`
	RequiresConfirmation *bool          `json:"requires_confirmation,omitempty"`
	VerificationPlan     map[string]any `json:"verification_plan,omitempty"`
	ConfirmationScope    string         `json:"confirmationScope,omitempty"`
	Description          string         `json:"description,omitempty"`
}

// Plan is an ordered list of steps produced by the server's planner.
type Plan struct {
	PlanID      string `json:"planId"`
	IntentText  string `json:"intentText,omitempty"`
	ProjectRoot string `json:"projectRoot,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
	Steps       []Step `json:"steps"`
}

// Execution is the payload of POST /v1/execute-plan.
type Execution struct {
	Plan              Plan   `json:"plan"`
	ProjectRoot       string `json:"projectRoot"`
	Confirmed         bool   `json:"confirmed,omitempty"`
	ConfirmationText  string `json:"confirmationText,omitempty"`
	ConfirmationScope string `json:"confirmationScope,omitempty"`
}

// Event is one server-sent event of a plan run.
type Event struct {
	Type      string          `json:"-"`
	Seq       int             `json:"seq"`
	PlanRunID string          `json:"planRunId"`
	StreamID  string          `json:"streamId,omitempty"`
	License   string          `json:"license,omitempty"`
	Step      *Step           `json:"step,omitempty"`
	Stream    string          `json:"stream,omitempty"`
	Data      string          `json:"data,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Report    json.RawMessage `json:"report,omitempty"`
	Cancelled *bool           `json:"cancelled,omitempty"`
	Time      time.Time       `json:"time"`
}

// RunSummary describes a live or finished plan run.
type RunSummary struct {
	PlanRunID   string            `json:"planRunId"`
	PlanID      string            `json:"planId,omitempty"`
	ProjectRoot string            `json:"projectRoot"`
	License     string            `json:"license"`
	Status      string            `json:"status"`
	HaltReason  string            `json:"haltReason,omitempty"`
	StepsTotal  int               `json:"stepsTotal"`
	StepsRun    int               `json:"stepsRun"`
	Cancelled   bool              `json:"cancelled"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt"`
	Reports     []json.RawMessage `json:"reports,omitempty"`
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name                 string `json:"name"`
	Category             string `json:"category"`
	RequiresConfirmation bool   `json:"requiresConfirmation"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agentguard api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentGuard API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// WithLicense returns a copy of the client that sends license on every call.
func (c *Client) WithLicense(license string) *Client {
	clone := *c
	clone.license = license
	return &clone
}

// Plan asks the server to plan intentText for projectRoot.
func (c *Client) Plan(ctx context.Context, intentText, projectRoot string) (Plan, error) {
	var out struct {
		Plan Plan `json:"plan"`
	}
	payload := map[string]string{"intentText": intentText, "projectRoot": projectRoot}
	if err := c.post(ctx, "/v1/plan", payload, &out); err != nil {
		return Plan{}, err
	}
	return out.Plan, nil
}

// Execute submits a plan and returns the plan run ID.
func (c *Client) Execute(ctx context.Context, exec Execution) (string, error) {
	var out struct {
		PlanRunID string `json:"planRunId"`
	}
	if err := c.post(ctx, "/v1/execute-plan", exec, &out); err != nil {
		return "", err
	}
	return out.PlanRunID, nil
}

// Cancel stops a whole run, or a single tool stream when streamID is set.
// It reports whether anything was cancelled.
func (c *Client) Cancel(ctx context.Context, planRunID, streamID, reason string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	payload := map[string]string{"planRunId": planRunID, "streamId": streamID, "reason": reason}
	if err := c.post(ctx, "/v1/cancel", payload, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

// Run fetches a run summary.
func (c *Client) Run(ctx context.Context, planRunID string) (RunSummary, error) {
	var out struct {
		Run RunSummary `json:"run"`
	}
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(planRunID), nil, &out); err != nil {
		return RunSummary{}, err
	}
	return out.Run, nil
}

// Runs lists recently finished runs. limit <= 0 uses the server default.
func (c *Client) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Runs []RunSummary `json:"runs"`
	}
	if err := c.get(ctx, "/v1/runs", query, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Tools lists the tools the server has registered.
func (c *Client) Tools(ctx context.Context) ([]ToolInfo, error) {
	var out struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := c.get(ctx, "/v1/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// StreamFunc receives events in order.
type StreamFunc func(Event) error

// Stream follows the SSE stream of a run until the server closes it, ctx ends
// or fn returns an error. Returning ErrStopStream ends the stream cleanly.
func (c *Client) Stream(ctx context.Context, planRunID string, fn StreamFunc) error {
	query := url.Values{}
	query.Set("planRunId", planRunID)
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/stream", query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// 流式请求不能受整体超时限制，只依赖 ctx。
	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	err = readEvents(resp.Body, fn)
	if errors.Is(err, ErrStopStream) {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses "event:" / "data:" frames and skips comments.
func readEvents(r io.Reader, fn StreamFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		eventType string
		data      strings.Builder
	)
	dispatch := func() error {
		defer func() {
			eventType = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return nil
		}
		var ev Event
		if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		ev.Type = eventType
		return fn(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.license != "" {
		req.Header.Set(LicenseHeader, c.license)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
