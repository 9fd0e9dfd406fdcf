package handlerclient

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

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the multicall handler REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents operator credentials used to obtain access tokens.
type Credentials struct {
	GrantType string `json:"grant_type,omitempty"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Token represents an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// MessageSubmission represents the payload required to submit a message.
type MessageSubmission struct {
	ID      string `json:"id,omitempty"`
	Chain   string `json:"chain,omitempty"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Sender  string `json:"sender"`
	Payload string `json:"payload"`
}

// Receipt summarises the outcome of a delivered message.
type Receipt struct {
	Guarded       bool   `json:"guarded"`
	CallCount     int    `json:"call_count"`
	BatchFailed   bool   `json:"batch_failed,omitempty"`
	FailureCode   string `json:"failure_code,omitempty"`
	Fallback      string `json:"fallback,omitempty"`
	DrainedAmount string `json:"drained_amount,omitempty"`
}

// Message contains the server side view of a submitted message.
type Message struct {
	ID         string   `json:"id"`
	Chain      string   `json:"chain,omitempty"`
	Asset      string   `json:"asset"`
	Amount     string   `json:"amount"`
	Sender     string   `json:"sender"`
	Payload    string   `json:"payload"`
	Status     string   `json:"status"`
	Attempts   int      `json:"attempts"`
	MaxRetries int      `json:"max_retries"`
	LastError  string   `json:"last_error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	Receipt    *Receipt `json:"receipt,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// DrainRequest asks the handler to sweep leftover funds to a destination.
type DrainRequest struct {
	Asset       string `json:"asset,omitempty"`
	Destination string `json:"destination"`
}

// DrainResult reports the outcome of a manual drain.
type DrainResult struct {
	Asset       string `json:"asset"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("handler api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("handler api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the handler API. When httpClient is
// nil, a default client with a sensible timeout is used.
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

// Authenticate exchanges operator credentials for an access token and stores
// it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// SubmitMessage submits a new instruction message.
func (c *Client) SubmitMessage(ctx context.Context, submission MessageSubmission) (Message, error) {
	var msg Message
	if err := c.post(ctx, "/api/v1/messages", submission, &msg, true); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// GetMessage fetches message details by identifier.
func (c *Client) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var msg Message
	endpoint := "/api/v1/messages/" + url.PathEscape(messageID)
	if err := c.get(ctx, endpoint, &msg, true); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Drain asks the handler to sweep leftover funds to the destination.
func (c *Client) Drain(ctx context.Context, req DrainRequest) (DrainResult, error) {
	var result DrainResult
	if err := c.post(ctx, "/api/v1/drain", req, &result, true); err != nil {
		return DrainResult{}, err
	}
	return result, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
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
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
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
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
