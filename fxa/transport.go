package fxa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const maxResponseBody = 1 << 20

// APIError is a provider-level business error: a non-2xx response carrying a
// JSON body with a numeric errno. Transport failures and non-JSON responses
// are surfaced as plain errors instead.
type APIError struct {
	StatusCode int

	Errno   int    `json:"errno"`
	Err     string `json:"error"`
	Message string `json:"message"`

	Validation struct {
		Keys []string `json:"keys"`
	} `json:"validation"`

	RetryAfter         int    `json:"retryAfter"`
	VerificationMethod string `json:"verificationMethod"`
	Email              string `json:"email"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %d (status %d): %s", e.Errno, e.StatusCode, e.Message)
}

// Client is the thin HTTP boundary the session talks through: JSON posts to
// the accounts API, HAWK-signed calls for privileged endpoints, and plain
// GETs for the handshake and redirect fetches.
type Client struct {
	http            *http.Client
	authBaseURL     string
	accountsBaseURL string
	logger          *slog.Logger
}

// NewClient builds a client from config. A nil httpClient selects a default
// client honouring the configured request timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.API.Timeout()}
	}
	return &Client{
		http:            httpClient,
		authBaseURL:     strings.TrimSuffix(cfg.API.AuthBaseURL, "/"),
		accountsBaseURL: strings.TrimSuffix(cfg.API.AccountsBaseURL, "/"),
		logger:          logger,
	}
}

// AuthorizationURL renders the handshake URL carrying the PKCE challenge and
// the optional pre-filled email address.
func (c *Client) AuthorizationURL(codeChallenge, codeChallengeMethod, emailAddress string) string {
	q := url.Values{}
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", codeChallengeMethod)
	if emailAddress != "" {
		q.Set("email", emailAddress)
	}
	return c.authBaseURL + "?" + q.Encode()
}

// Get fetches rawURL following redirects. It returns the body and the
// effective URL after redirects, so callers can inspect the final query
// string.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, nil, err
	}
	return body, resp.Request.URL, nil
}

// Post sends a JSON body to a versioned accounts API path.
func (c *Client) Post(ctx context.Context, path string, payload any) ([]byte, error) {
	return c.post(ctx, path, payload, nil)
}

// HawkPost sends a JSON body to a versioned accounts API path, signed with a
// single-use HAWK header derived from the session token.
func (c *Client) HawkPost(ctx context.Context, path string, sessionToken []byte, payload any) ([]byte, error) {
	return c.post(ctx, path, payload, sessionToken)
}

// HawkGet fetches a versioned accounts API path with a HAWK header derived
// from the session token. GETs carry no payload, so no payload hash is set.
func (c *Client) HawkGet(ctx context.Context, path string, sessionToken []byte) ([]byte, error) {
	u, err := url.Parse(c.accountsBaseURL + path)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	hawk := NewHawkAuthFromSessionToken(sessionToken)
	req.Header.Set("Authorization", hawk.Generate(u, http.MethodGet, "", nil))

	return c.roundTrip(req)
}

func (c *Client) post(ctx context.Context, path string, payload any, sessionToken []byte) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	u, err := url.Parse(c.accountsBaseURL + path)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if sessionToken != nil {
		hawk := NewHawkAuthFromSessionToken(sessionToken)
		req.Header.Set("Authorization", hawk.Generate(u, http.MethodPost, "application/json", body))
	}

	return c.roundTrip(req)
}

func (c *Client) roundTrip(req *http.Request) ([]byte, error) {
	c.logger.Debug("api request", "method", req.Method, "path", req.URL.Path)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return readBody(resp)
}

func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(body, apiErr) == nil && apiErr.Errno != 0 {
		return nil, apiErr
	}
	return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
}

// isTimeoutError reports whether err was caused by a network timeout rather
// than a provider response.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isCanceledError reports whether the request was superseded before it
// finished.
func isCanceledError(err error) bool {
	return errors.Is(err, context.Canceled)
}
