// Package gravityclaw is a small HTTP client for the Gravity Claw REST API:
// chat, runtime controls and the lead pipeline operator routes.
package gravityclaw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Chat turns may run several model round trips, so it is longer than a plain
// REST timeout.
const DefaultHTTPTimeout = 3 * time.Minute

// Client wraps the HTTP interactions with a Gravity Claw server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Media is an inline attachment sent with a chat message.
type Media struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// ChatRequest is the payload of a chat turn.
type ChatRequest struct {
	SessionID string  `json:"sessionId,omitempty"`
	Message   string  `json:"message"`
	Media     []Media `json:"media,omitempty"`
}

// ChatReply is the final assistant reply.
type ChatReply struct {
	Reply     string `json:"reply"`
	SessionID string `json:"sessionId"`
}

// Runtime mirrors the server's adjustable runtime settings.
type Runtime struct {
	Model      string `json:"model"`
	ThinkLevel string `json:"thinkLevel"`
}

// RuntimeUpdate changes only the non-nil fields.
type RuntimeUpdate struct {
	Model      *string `json:"model,omitempty"`
	ThinkLevel *string `json:"thinkLevel,omitempty"`
}

// Comp is one comparable sale attached to a lead.
type Comp struct {
	Address  string  `json:"address"`
	Price    float64 `json:"price"`
	Sqft     float64 `json:"sqft"`
	LotAcres float64 `json:"lotAcres"`
	Remarks  string  `json:"remarks,omitempty"`
}

// Assets are the artifacts produced for a lead.
type Assets struct {
	InfographicURL string `json:"infographicUrl"`
	MMSDraft       string `json:"mmsDraft"`
	EmailDraft     string `json:"emailDraft"`
}

// Lead is the server-side pipeline record of a lead.
type Lead struct {
	LeadID      string         `json:"leadId"`
	Address     string         `json:"address"`
	TargetPrice *float64       `json:"targetPrice,omitempty"`
	Status      string         `json:"status"`
	Assets      *Assets        `json:"assets,omitempty"`
	Comps       []Comp         `json:"comps,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Accepted is returned by asynchronous endpoints.
type Accepted struct {
	Status string `json:"status"`
	LeadID string `json:"leadId,omitempty"`
}

// APIError represents a non-2xx server response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("gravity-claw api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gravity-claw api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
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

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the stored bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Chat sends one user turn and waits for the final reply.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatReply, error) {
	var reply ChatReply
	err := c.send(ctx, http.MethodPost, "/api/chat", req, &reply)
	return reply, err
}

// Compact replaces a session's history with a summary.
func (c *Client) Compact(ctx context.Context, sessionID string) (ChatReply, error) {
	var reply ChatReply
	err := c.send(ctx, http.MethodPost, "/api/chat/"+url.PathEscape(sessionID)+"/compact", nil, &reply)
	return reply, err
}

// Reset clears a session's long-term memory.
func (c *Client) Reset(ctx context.Context, sessionID string) error {
	return c.send(ctx, http.MethodDelete, "/api/chat/"+url.PathEscape(sessionID), nil, nil)
}

// Runtime fetches the active model and think level.
func (c *Client) Runtime(ctx context.Context) (Runtime, error) {
	var rt Runtime
	err := c.send(ctx, http.MethodGet, "/api/runtime", nil, &rt)
	return rt, err
}

// SetRuntime updates the active model or think level.
func (c *Client) SetRuntime(ctx context.Context, update RuntimeUpdate) (Runtime, error) {
	var rt Runtime
	err := c.send(ctx, http.MethodPut, "/api/runtime", update, &rt)
	return rt, err
}

// IntakeLead submits a lead through the intake webhook. The payload must
// carry an address; lead_id is generated by the server when absent.
func (c *Client) IntakeLead(ctx context.Context, payload map[string]any) (Accepted, error) {
	var accepted Accepted
	err := c.send(ctx, http.MethodPost, "/webhook/lead", payload, &accepted)
	return accepted, err
}

// Pipeline lists pipeline records, optionally filtered by status.
func (c *Client) Pipeline(ctx context.Context, statuses ...string) ([]Lead, error) {
	endpoint := "/api/pipeline"
	if len(statuses) > 0 {
		q := url.Values{}
		q.Set("status", joinComma(statuses))
		endpoint += "?" + q.Encode()
	}
	var leads []Lead
	err := c.send(ctx, http.MethodGet, endpoint, nil, &leads)
	return leads, err
}

// Lead fetches one pipeline record.
func (c *Client) Lead(ctx context.Context, leadID string) (Lead, error) {
	var lead Lead
	err := c.send(ctx, http.MethodGet, "/api/pipeline/"+url.PathEscape(leadID), nil, &lead)
	return lead, err
}

// Resume supplies the target price and starts computing the lead's assets.
func (c *Client) Resume(ctx context.Context, leadID string, targetPrice float64) (Lead, error) {
	var lead Lead
	body := map[string]float64{"targetPrice": targetPrice}
	err := c.send(ctx, http.MethodPost, "/api/pipeline/"+url.PathEscape(leadID)+"/resume", body, &lead)
	return lead, err
}

// Execute approves a lead that is ready for approval.
func (c *Client) Execute(ctx context.Context, leadID string) (Lead, error) {
	var lead Lead
	err := c.send(ctx, http.MethodPost, "/api/pipeline/"+url.PathEscape(leadID)+"/execute", nil, &lead)
	return lead, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	ref.Path = path.Join(c.baseURL.Path, ref.Path)
	u := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func joinComma(values []string) string {
	var b bytes.Buffer
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(v)
	}
	return b.String()
}
