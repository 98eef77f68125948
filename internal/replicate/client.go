package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBaseURL  = "https://api.replicate.com/v1"
	defaultTimeout  = 30 * time.Second
	downloadTimeout = 60 * time.Second
	maxDownloadSize = 50 << 20 // 50MB
)

var tracer = otel.Tracer("replicate-client")

// ErrMissingToken is returned when no API token is configured. It is checked
// on every call, before any network traffic.
var ErrMissingToken = errors.New("the Replicate API token is not set; " +
	"set REPLICATE_API_TOKEN or IMAGINE_REPLICATE_API_TOKEN")

// APIError is returned for non-2xx responses from the Replicate API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("replicate API returned status %d: %s", e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client communicates with the Replicate predictions API.
type Client struct {
	apiToken   string
	baseURL    string
	version    string
	httpClient *http.Client
}

// NewClient creates a client that submits predictions against the given
// pinned model version. An empty version selects DefaultModelVersion.
func NewClient(apiToken, version string) *Client {
	if version == "" {
		version = DefaultModelVersion
	}
	return &Client{
		apiToken: apiToken,
		baseURL:  defaultBaseURL,
		version:  version,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiToken, version, baseURL string) *Client {
	c := NewClient(apiToken, version)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// Version returns the pinned model version.
func (c *Client) Version() string {
	return c.version
}

// HasToken reports whether an API token is configured.
func (c *Client) HasToken() bool {
	return c.apiToken != ""
}

// CreatePrediction starts a prediction for prompt. It makes exactly one
// request; the returned prediction may carry an error reported by the service.
func (c *Client) CreatePrediction(ctx context.Context, prompt string) (*Prediction, error) {
	ctx, span := tracer.Start(ctx, "replicate_create_prediction", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("replicate.version", c.version))

	if !c.HasToken() {
		return nil, ErrMissingToken
	}

	body, err := json.Marshal(CreateRequest{
		Version: c.version,
		Input:   Input{Prompt: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	p, err := c.doPrediction(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("replicate.prediction_id", p.ID),
		attribute.String("replicate.status", p.Status),
	)
	return p, nil
}

// GetPrediction reads the current snapshot of a prediction.
func (c *Client) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	ctx, span := tracer.Start(ctx, "replicate_get_prediction", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("replicate.prediction_id", id))

	if !c.HasToken() {
		return nil, ErrMissingToken
	}
	if id == "" {
		return nil, fmt.Errorf("prediction id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	p, err := c.doPrediction(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("replicate.status", p.Status))
	return p, nil
}

func (c *Client) doPrediction(req *http.Request) (*Prediction, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Detail: errorDetail(raw)}
	}

	var p Prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	p.Raw = raw
	return &p, nil
}

// errorDetail extracts the "detail" field of an API error body, falling back
// to the body itself.
func errorDetail(body []byte) string {
	var e struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Title != "" {
			return e.Title
		}
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response"
	}
	return s
}

// Download fetches an output resource. It returns the bytes and the content type.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	ctx, span := tracer.Start(ctx, "replicate_download_output", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		span.RecordError(err)
		return nil, "", fmt.Errorf("creating download request: %w", err)
	}

	downloadClient := &http.Client{Timeout: downloadTimeout}
	resp, err := downloadClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, "", fmt.Errorf("downloading output: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		span.RecordError(err)
		return nil, "", fmt.Errorf("reading download body: %w", err)
	}

	span.SetAttributes(attribute.Int("replicate.output_size", len(data)))
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
}
