// Package wrapper supervises the sandboxed worker process for a session and
// talks to its local HTTP surface.
package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/holon-run/cloudagent/pkg/telemetry"
)

// Worker endpoints.
const (
	pathHealth           = "/health"
	pathJobStart         = "/job/start"
	pathJobPrompt        = "/job/prompt"
	pathJobCommand       = "/job/command"
	pathAnswerPermission = "/job/answer-permission"
	pathAnswerQuestion   = "/job/answer-question"
	pathRejectQuestion   = "/job/reject-question"
	pathJobAbort         = "/job/abort"
	pathJobStatus        = "/job/status"
	pathEvents           = "/events"
)

// JobStartRequest starts a job on the worker.
type JobStartRequest struct {
	ExecutionID   string `json:"executionId"`
	WorkspacePath string `json:"workspacePath,omitempty"`
	// KiloSessionID resumes an existing downstream session when set.
	KiloSessionID  string `json:"kiloSessionId,omitempty"`
	AutoCommit     bool   `json:"autoCommit,omitempty"`
	Condense       bool   `json:"condenseOnComplete,omitempty"`
	Model          string `json:"model,omitempty"`
	UpstreamBranch string `json:"upstreamBranch,omitempty"`
}

// JobStartResponse is returned by StartJob.
type JobStartResponse struct {
	KiloSessionID string `json:"kiloSessionId"`
}

// PromptRequest sends a user prompt.
type PromptRequest struct {
	MessageID string `json:"messageId"`
	Text      string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	Variant   string `json:"variant,omitempty"`
}

// CommandRequest runs a slash command.
type CommandRequest struct {
	MessageID string `json:"messageId"`
	Command   string `json:"command"`
	Args      string `json:"args,omitempty"`
}

// DispatchResponse acknowledges a prompt or command.
type DispatchResponse struct {
	MessageID string `json:"messageId"`
}

// PermissionAnswer replies to a permission request.
type PermissionAnswer struct {
	PermissionID string `json:"permissionId"`
	// Response is "once", "always" or "reject".
	Response string `json:"response"`
}

// QuestionAnswer replies to a question asked by the agent.
type QuestionAnswer struct {
	QuestionID string     `json:"questionId"`
	Answers    [][]string `json:"answers"`
}

// HealthResponse is the worker health payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// StatusResponse describes the worker's job state.
type StatusResponse struct {
	State         string `json:"state"`
	ExecutionID   string `json:"executionId,omitempty"`
	KiloSessionID string `json:"kiloSessionId,omitempty"`
	Inflight      int    `json:"inflight"`
}

// Client calls one worker.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the worker at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BaseURL returns the worker base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// EventsURL returns the websocket URL of the worker event stream.
func (c *Client) EventsURL() string {
	u := c.baseURL + pathEvents
	if rest, ok := strings.CutPrefix(u, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		return "ws://" + rest
	}
	return u
}

// Health checks that the worker is up.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.call(ctx, "health", http.MethodGet, pathHealth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartJob starts a job.
func (c *Client) StartJob(ctx context.Context, req JobStartRequest) (*JobStartResponse, error) {
	var out JobStartResponse
	if err := c.call(ctx, "startJob", http.MethodPost, pathJobStart, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Prompt sends a prompt.
func (c *Client) Prompt(ctx context.Context, req PromptRequest) (*DispatchResponse, error) {
	var out DispatchResponse
	if err := c.call(ctx, "prompt", http.MethodPost, pathJobPrompt, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Command runs a command.
func (c *Client) Command(ctx context.Context, req CommandRequest) (*DispatchResponse, error) {
	var out DispatchResponse
	if err := c.call(ctx, "command", http.MethodPost, pathJobCommand, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnswerPermission answers a permission request.
func (c *Client) AnswerPermission(ctx context.Context, req PermissionAnswer) error {
	return c.call(ctx, "answerPermission", http.MethodPost, pathAnswerPermission, req, nil)
}

// AnswerQuestion answers a question.
func (c *Client) AnswerQuestion(ctx context.Context, req QuestionAnswer) error {
	return c.call(ctx, "answerQuestion", http.MethodPost, pathAnswerQuestion, req, nil)
}

// RejectQuestion dismisses a question.
func (c *Client) RejectQuestion(ctx context.Context, questionID string) error {
	body := map[string]string{"questionId": questionID}
	return c.call(ctx, "rejectQuestion", http.MethodPost, pathRejectQuestion, body, nil)
}

// Abort aborts the active job.
func (c *Client) Abort(ctx context.Context) error {
	return c.call(ctx, "abort", http.MethodPost, pathJobAbort, struct{}{}, nil)
}

// Status returns the worker job state.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.call(ctx, "status", http.MethodGet, pathJobStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs one request. out may be nil.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "worker."+op,
		attribute.String("worker.url", c.baseURL),
		attribute.String("http.method", method),
	)
	defer func() { telemetry.End(span, err) }()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Op: op, Code: CodeRequestFailed, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Code: CodeRequestFailed, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: op, Code: CodeRequestFailed, Status: resp.StatusCode, Err: err}
	}

	return decodeResponse(op, resp.StatusCode, data, out)
}

// decodeResponse turns a worker reply into out or a typed error.
func decodeResponse(op string, status int, data []byte, out any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		if status >= 400 {
			return decodeError(op, status, "", "")
		}
		return nil
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return &Error{Op: op, Code: CodeParse, Status: status, Err: err}
	}

	code, message := errorFields(envelope.Error, envelope.Message)
	if code != "" || status >= 400 {
		return decodeError(op, status, code, message)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Code: CodeParse, Status: status, Err: err}
	}
	return nil
}

// errorFields accepts both {"error":"CODE"} and {"error":{"code":..,"message":..}}.
func errorFields(raw json.RawMessage, message string) (string, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", message
	}
	var code string
	if err := json.Unmarshal(raw, &code); err == nil {
		return code, message
	}
	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			message = obj.Message
		}
		if obj.Code == "" {
			obj.Code = string(CodeUnknown)
		}
		return obj.Code, message
	}
	return string(CodeUnknown), message
}
