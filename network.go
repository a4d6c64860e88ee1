package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Network performs one request against the remote backend. An error means
// the request never produced a response (transport failure); any response,
// whatever its status, is returned as-is.
type Network interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

// Do calls f(ctx, req).
func (f NetworkFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ============================================================================
// HTTPNetwork
// ============================================================================

// DefaultTimeout bounds each HTTP round trip. The dispatcher adds none of
// its own.
const DefaultTimeout = 30 * time.Second

// HTTPNetwork is the net/http implementation of Network.
type HTTPNetwork struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
}

// NetworkOption configures an HTTPNetwork.
type NetworkOption func(*HTTPNetwork)

// WithBaseURL resolves relative request URLs against base.
func WithBaseURL(base string) NetworkOption {
	return func(n *HTTPNetwork) { n.baseURL = strings.TrimRight(base, "/") }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) NetworkOption {
	return func(n *HTTPNetwork) { n.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) NetworkOption {
	return func(n *HTTPNetwork) {
		if client != nil {
			n.httpClient = client
		}
	}
}

// WithToken authenticates every request with a bearer token.
func WithToken(token string) NetworkOption {
	return func(n *HTTPNetwork) { n.token = token }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) NetworkOption {
	return func(n *HTTPNetwork) { n.userAgent = ua }
}

// NewHTTPNetwork creates an HTTP network client.
func NewHTTPNetwork(opts ...NetworkOption) *HTTPNetwork {
	n := &HTTPNetwork{
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.token != "" {
		base := n.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client := *n.httpClient
		client.Transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: n.token, TokenType: "Bearer"}),
			Base:   base,
		}
		n.httpClient = &client
	}
	return n
}

func (n *HTTPNetwork) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.IsAbs() || n.baseURL == "" {
		return raw, nil
	}
	return n.baseURL + "/" + strings.TrimLeft(raw, "/"), nil
}

// Do sends req and reads the whole response body.
func (n *HTTPNetwork) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == "" {
		return nil, ErrInvalidRequest
	}
	u, err := n.resolve(req.URL)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method(), u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if n.userAgent != "" {
		httpReq.Header.Set("User-Agent", n.userAgent)
	}

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	header := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		header[k] = resp.Header.Get(k)
	}
	return &Response{StatusCode: resp.StatusCode, Header: header, Body: data}, nil
}
