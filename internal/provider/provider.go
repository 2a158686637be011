package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Response is a provider reply preserved in full. A non-2xx status is not a
// Go error: OK is false and Body/Text carry what the provider said.
type Response struct {
	OK     bool
	Status int
	Body   map[string]any
	Text   string
}

// Options configures a provider Client.
type Options struct {
	BaseURL string
	// AuthHeader is sent verbatim as the Authorization header. Providers
	// disagree on schemes ("Basic ...", "Bearer ...", a bare key), so no
	// prefix is ever added here.
	AuthHeader string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client issues authenticated JSON calls to a single provider. It never retries.
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		authHeader: opts.AuthHeader,
		httpClient: httpClient,
	}
}

// HasCredentials reports whether an Authorization value is configured.
func (c *Client) HasCredentials() bool {
	return c.authHeader != ""
}

// CreateJob POSTs payload as JSON to path.
func (c *Client) CreateJob(ctx context.Context, path string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(body))
}

// GetStatus GETs path with no body.
func (c *Client) GetStatus(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*Response, error) {
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		httpReq.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: read response: %w", err)
	}

	return &Response{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   ParseBody(raw),
		Text:   string(raw),
	}, nil
}

// ParseBody decodes a JSON object. Anything else, including empty bodies,
// JSON arrays and HTML error pages, becomes {"raw": text}.
func ParseBody(raw []byte) map[string]any {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded == nil {
		return map[string]any{"raw": string(raw)}
	}
	return decoded
}
