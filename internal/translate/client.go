// Package translate turns prompts into English through the MyMemory
// translation API before they are submitted for generation.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultBaseURL  = "https://api.mymemory.translated.net"
	defaultLangPair = "my|en"
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20
)

// ErrTranslation is wrapped by every failure of Translate.
var ErrTranslation = errors.New("translation failed")

// Client calls the translation service for a fixed language pair.
type Client struct {
	baseURL    string
	langPair   string
	httpClient *http.Client
}

// NewClient creates a client for langPair ("src|dst", e.g. "my|en"). Both
// sides must be valid BCP 47 language tags. Empty arguments select defaults.
func NewClient(baseURL, langPair string) (*Client, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if langPair == "" {
		langPair = defaultLangPair
	}
	pair, err := parseLangPair(langPair)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		langPair:   pair,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}, nil
}

// LangPair returns the normalized language pair.
func (c *Client) LangPair() string {
	return c.langPair
}

func parseLangPair(s string) (string, error) {
	src, dst, ok := strings.Cut(s, "|")
	if !ok {
		return "", fmt.Errorf("invalid language pair %q: want \"src|dst\"", s)
	}
	srcTag, err := language.Parse(strings.TrimSpace(src))
	if err != nil {
		return "", fmt.Errorf("invalid source language %q: %w", src, err)
	}
	dstTag, err := language.Parse(strings.TrimSpace(dst))
	if err != nil {
		return "", fmt.Errorf("invalid target language %q: %w", dst, err)
	}
	return srcTag.String() + "|" + dstTag.String(), nil
}

type response struct {
	ResponseData *struct {
		TranslatedText *string `json:"translatedText"`
	} `json:"responseData"`
	ResponseStatus  json.RawMessage `json:"responseStatus"`
	ResponseDetails string          `json:"responseDetails"`
}

// Translate returns the translation of text. The result is never empty: a
// missing or empty translatedText is reported as ErrTranslation.
func (c *Client) Translate(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(norm.NFC.String(text))
	if text == "" {
		return "", fmt.Errorf("%w: text is empty", ErrTranslation)
	}

	q := url.Values{}
	q.Set("q", text)
	q.Set("langpair", c.langPair)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/get?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %v", ErrTranslation, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranslation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrTranslation, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: service returned status %d", ErrTranslation, resp.StatusCode)
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("%w: malformed response: %v", ErrTranslation, err)
	}
	if status, ok := parseStatus(r.ResponseStatus); ok && status != http.StatusOK {
		detail := r.ResponseDetails
		if detail == "" {
			detail = fmt.Sprintf("status %d", status)
		}
		return "", fmt.Errorf("%w: %s", ErrTranslation, detail)
	}
	if r.ResponseData == nil || r.ResponseData.TranslatedText == nil {
		return "", fmt.Errorf("%w: response has no translatedText", ErrTranslation)
	}

	translated := strings.TrimSpace(*r.ResponseData.TranslatedText)
	if translated == "" {
		return "", fmt.Errorf("%w: empty translation", ErrTranslation)
	}
	return translated, nil
}

// parseStatus reads responseStatus, which the service sends as either a number
// or a quoted number.
func parseStatus(raw json.RawMessage) (int, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
