package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/applova/voiceplate/internal/reliability"
)

const (
	maxFetchAttempts = 3
	fetchBackoffBase = 200 * time.Millisecond
	fetchBackoffCap  = 2 * time.Second
)

// HTTPProvider answers queries by calling a data API over HTTP. The API
// receives the query as a parameter and returns either plain text or a
// JSON object with a text-like field.
type HTTPProvider struct {
	name     string
	dataType string
	baseURL  string
	keywords []string
	client   *http.Client
}

func NewHTTPProvider(name, dataType, baseURL string, keywords []string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		name:     name,
		dataType: dataType,
		baseURL:  strings.TrimSpace(baseURL),
		keywords: keywords,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) DataType() string { return p.dataType }

// IsRelevant matches the query against the provider's keyword list. An
// empty query is never relevant.
func (p *HTTPProvider) IsRelevant(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return false
	}
	for _, kw := range p.keywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

// Answer fetches data for the query, retrying transient failures with a
// capped exponential backoff.
func (p *HTTPProvider) Answer(ctx context.Context, query string) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse %s api url: %w", p.dataType, err)
	}
	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	var body []byte
	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, fetchBackoffBase, fetchBackoffCap)):
			}
		}
		var retryable bool
		body, retryable, lastErr = p.fetch(ctx, u.String())
		if lastErr == nil {
			break
		}
		if !retryable {
			return "", lastErr
		}
	}
	if lastErr != nil {
		return "", lastErr
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	for _, k := range []string{"answer", "text", "response", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s), nil
			}
		}
	}
	return strings.TrimSpace(string(body)), nil
}

// fetch performs one GET. The bool reports whether the failure is worth
// retrying (network error or retryable status).
func (p *HTTPProvider) fetch(ctx context.Context, rawURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("%s api request: %w", p.dataType, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("%s api status %d: %s", p.dataType, res.StatusCode, string(snippet))
		return nil, reliability.IsRetryableHTTPStatus(res.StatusCode), err
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	return body, false, nil
}
