// Package autonomify is a small Go client for the autonomifyd HTTP API.
package autonomify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Writes wait for the executor transaction to be broadcast, so it is longer
// than a typical REST timeout.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with autonomifyd.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Call is a structured contract call.
type Call struct {
	ContractAddress string `json:"contractAddress"`
	FunctionName    string `json:"functionName"`
	// Args is either an ordered list or an object keyed by parameter name.
	Args            any    `json:"args,omitempty"`
	Value           string `json:"value,omitempty"`
}

// CallError mirrors the engine's structured error.
type CallError struct {
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	Stage         string            `json:"stage"`
	Contract      string            `json:"contract,omitempty"`
	Function      string            `json:"function,omitempty"`
	ArgumentIndex *int              `json:"argumentIndex,omitempty"`
	ArgumentName  string            `json:"argumentName,omitempty"`
	ExpectedType  string            `json:"expectedType,omitempty"`
	Received      string            `json:"received,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

func (e *CallError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("autonomify: %s at %s: %s", e.Code, e.Stage, e.Message)
}

// Result is the outcome of one call.
type Result struct {
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	TxHash  string     `json:"txHash,omitempty"`
	Error   *CallError `json:"error,omitempty"`
}

// Validation is the outcome of a dry run.
type Validation struct {
	Valid    bool       `json:"valid"`
	Stage    string     `json:"stage"`
	ReadOnly bool       `json:"readOnly"`
	Calldata string     `json:"calldata,omitempty"`
	Target   string     `json:"target,omitempty"`
	Value    string     `json:"value,omitempty"`
	Error    *CallError `json:"error,omitempty"`
}

// Task is a queued call.
type Task struct {
	ID              string  `json:"id"`
	AgentID         string  `json:"agent_id"`
	Call            Call    `json:"call"`
	Status          string  `json:"status"`
	Attempts        int     `json:"attempts"`
	ResubmittedFrom string  `json:"resubmitted_from,omitempty"`
	LastError       string  `json:"last_error,omitempty"`
	ErrorCode       string  `json:"error_code,omitempty"`
	Result          *Result `json:"result,omitempty"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
}

// Terminal reports whether the task has finished.
func (t Task) Terminal() bool { return t.Status == "succeeded" || t.Status == "failed" }

// ChatReply is one agent turn.
type ChatReply struct {
	Reply string `json:"reply"`
	Steps int    `json:"steps"`
	Calls []struct {
		ToolCallID string `json:"toolCallId"`
		Call       Call   `json:"call"`
		Result     Result `json:"result"`
	} `json:"calls"`
	Error *APIError `json:"error,omitempty"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("autonomify api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("autonomify api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for autonomifyd. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
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

// SetAPIKey sets the bearer key sent with every request.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// Execute runs a call. A failed call is returned as a Result with Error set
// and a nil error; transport problems are returned as errors.
func (c *Client) Execute(ctx context.Context, agentID string, call Call) (Result, error) {
	var res Result
	err := c.post(ctx, "/api/v1/execute", withAgent(agentID, call), &res)
	var apiErr *APIError
	if errors.As(err, &apiErr) && res.Error != nil {
		return res, nil
	}
	return res, err
}

// Validate resolves and encodes a call without sending it.
func (c *Client) Validate(ctx context.Context, agentID string, call Call) (Validation, error) {
	var v Validation
	if err := c.post(ctx, "/api/v1/validate", withAgent(agentID, call), &v); err != nil {
		return Validation{}, err
	}
	return v, nil
}

// SubmitTask queues a call. id is optional and makes the submission idempotent.
func (c *Client) SubmitTask(ctx context.Context, id, agentID string, call Call) (Task, error) {
	payload := struct {
		ID      string `json:"id,omitempty"`
		AgentID string `json:"agentId"`
		Call    Call   `json:"call"`
	}{ID: id, AgentID: agentID, Call: call}
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", payload, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(id), &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitTask polls until the task is terminal or ctx is done.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Chat sends one user message to an agent session.
func (c *Client) Chat(ctx context.Context, agentID, message string) (ChatReply, error) {
	var reply ChatReply
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/chat"
	err := c.post(ctx, endpoint, map[string]string{"message": message}, &reply)
	var apiErr *APIError
	if errors.As(err, &apiErr) && reply.Error != nil {
		// 循环被终止时仍返回部分结果。
		return reply, apiErr
	}
	return reply, err
}

func withAgent(agentID string, call Call) any {
	return struct {
		AgentID string `json:"agentId,omitempty"`
		Call
	}{AgentID: agentID, Call: call}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	key := c.apiKey
	c.mu.RUnlock()
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

// do decodes the body into out even on error statuses, since execute and chat
// return a full result alongside the failure.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			var wrapped struct {
				Error json.RawMessage `json:"error"`
			}
			if json.Unmarshal(data, &wrapped) == nil && len(wrapped.Error) > 0 {
				_ = json.Unmarshal(wrapped.Error, apiErr)
			}
			if out != nil {
				_ = json.Unmarshal(data, out)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
