package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/infinityai/imagine/internal/replicate"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxDownloadSize       = 50 << 20 // 50MB
)

// RemoteError is a non-success response from the proxy.
type RemoteError struct {
	StatusCode int
	Detail     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
}

// HTTPBackend talks to the proxy's /predictions endpoints.
type HTTPBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPBackend creates a backend for the proxy at baseURL. A non-empty
// token is sent as a bearer token.
func NewHTTPBackend(baseURL, token string) *HTTPBackend {
	return &HTTPBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// Create submits prompt and returns the created descriptor.
func (b *HTTPBackend) Create(ctx context.Context, prompt string) (*replicate.Prediction, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	return b.do(ctx, http.MethodPost, "/predictions", bytes.NewReader(body))
}

// Get reads the current snapshot of prediction id.
func (b *HTTPBackend) Get(ctx context.Context, id string) (*replicate.Prediction, error) {
	return b.do(ctx, http.MethodGet, "/predictions/"+url.PathEscape(id), nil)
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body io.Reader) (*replicate.Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is imagine running? (%w)", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Detail: detailOf(raw, resp.StatusCode)}
	}

	var p replicate.Prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	p.Raw = raw
	return &p, nil
}

// detailOf extracts {"detail": ...} from an error body, falling back to the
// body text or the status line.
func detailOf(body []byte, status int) string {
	var e struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(status)
}

// Download fetches an output resource directly from its locator.
func (b *HTTPBackend) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating download request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading output: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, "", fmt.Errorf("reading download body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
