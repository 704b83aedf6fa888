package casemover

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const ceilingMessageFragment = "exceeds the maximum number of results"

// SourcePage is one page of records from the practice-management API.
// NextCursor is the opaque "next page" reference; empty means last page.
type SourcePage struct {
	Records    []map[string]any
	NextCursor string
}

// SourceClient is the read side of the practice-management API.
type SourceClient interface {
	// List fetches one page of an endpoint with the given filter params. A
	// non-empty cursor continues a previous page's pagination.
	List(ctx context.Context, endpoint string, params url.Values, cursor string) (SourcePage, error)
	// Download fetches one document's bytes fully into memory.
	Download(ctx context.Context, docID string) ([]byte, string, error)
}

type SourceTokenProvider func(ctx context.Context) (string, error)

type SourceClientOptions struct {
	BaseURL       string
	TokenProvider SourceTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	PaceDelay     time.Duration
	DefaultWait   time.Duration
	WaitBuffer    time.Duration
	PageSize      int
}

// HTTPSourceClient wraps the source REST API and owns retry/backoff on rate
// limiting. Every call is paced with a small fixed delay so steady traffic
// stays under the limiter rather than tripping it and recovering.
type HTTPSourceClient struct {
	baseURL       string
	tokenProvider SourceTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	paceDelay     time.Duration
	defaultWait   time.Duration
	waitBuffer    time.Duration
	pageSize      int
}

func NewHTTPSourceClient(opts SourceClientOptions) *HTTPSourceClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	// 1 initial attempt plus up to 3 rate-limit retries.
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	paceDelay := opts.PaceDelay
	if paceDelay < 0 {
		paceDelay = 0
	} else if paceDelay == 0 {
		paceDelay = 250 * time.Millisecond
	}
	defaultWait := opts.DefaultWait
	if defaultWait <= 0 {
		defaultWait = 60 * time.Second
	}
	waitBuffer := opts.WaitBuffer
	if waitBuffer <= 0 {
		waitBuffer = 2 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	return &HTTPSourceClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		paceDelay:     paceDelay,
		defaultWait:   defaultWait,
		waitBuffer:    waitBuffer,
		pageSize:      pageSize,
	}
}

func (c *HTTPSourceClient) List(ctx context.Context, endpoint string, params url.Values, cursor string) (SourcePage, error) {
	q := url.Values{}
	for key, values := range params {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	if strings.TrimSpace(cursor) != "" {
		q.Set("page_token", strings.TrimSpace(cursor))
	}
	if q.Get("limit") == "" {
		q.Set("limit", strconv.Itoa(c.pageSize))
	}

	body, err := c.do(ctx, "/"+strings.TrimLeft(endpoint, "/")+"?"+q.Encode())
	if err != nil {
		return SourcePage{}, err
	}

	var parsed struct {
		Data []map[string]any `json:"data"`
		Meta struct {
			Paging struct {
				Next string `json:"next"`
			} `json:"paging"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return SourcePage{}, fmt.Errorf("decode %s page: %w", endpoint, err)
	}
	return SourcePage{Records: parsed.Data, NextCursor: nextCursorParam(parsed.Meta.Paging.Next)}, nil
}

func (c *HTTPSourceClient) Download(ctx context.Context, docID string) ([]byte, string, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return nil, "", ErrInvalidInput
	}
	// Documents are buffered whole in memory en route to blob storage; the
	// engine never touches local disk.
	body, contentType, err := c.doRaw(ctx, "/documents/"+url.PathEscape(docID)+"/download")
	if err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}

func (c *HTTPSourceClient) do(ctx context.Context, requestPath string) ([]byte, error) {
	body, _, err := c.doRaw(ctx, requestPath)
	return body, err
}

func (c *HTTPSourceClient) doRaw(ctx context.Context, requestPath string) ([]byte, string, error) {
	if c == nil {
		return nil, "", fmt.Errorf("source client is nil")
	}
	if c.baseURL == "" {
		return nil, "", fmt.Errorf("source base url is required")
	}
	tokenProvider := c.tokenProvider
	if tokenProvider == nil {
		return nil, "", fmt.Errorf("source token provider is required")
	}
	token, err := tokenProvider(ctx)
	if err != nil {
		return nil, "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, "", fmt.Errorf("source token is empty")
	}

	if err := sleepContext(ctx, c.paceDelay); err != nil {
		return nil, "", err
	}

	var lastWait time.Duration
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return nil, "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.defaultWait/6+c.waitBuffer); waitErr != nil {
					return nil, "", waitErr
				}
				continue
			}
			return nil, "", fmt.Errorf("%w: %v", ErrSourceOffline, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, "", readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, resp.Header.Get("Content-Type"), nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryWait(respBody, resp.Header.Get("Retry-After"), c.defaultWait) + c.waitBuffer
			lastWait = wait
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, wait); waitErr != nil {
					return nil, "", waitErr
				}
				continue
			}
			return nil, "", &RateLimitError{Endpoint: requestPath, Attempts: attempt + 1, Wait: lastWait}
		}

		code, message := parseAPIError(respBody)
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(message), ceilingMessageFragment) {
			return nil, "", &CeilingError{Endpoint: requestPath}
		}
		return nil, "", &APIError{StatusCode: resp.StatusCode, Code: code, Message: message}
	}
}

// retryWait picks the server's wait hint: a machine-readable retry_after in
// the error body wins, then the Retry-After header, then the fixed default.
func retryWait(body []byte, header string, fallback time.Duration) time.Duration {
	var parsed struct {
		Error struct {
			RetryAfter float64 `json:"retry_after"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.RetryAfter > 0 {
		return time.Duration(parsed.Error.RetryAfter * float64(time.Second))
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func parseAPIError(body []byte) (code, message string) {
	message = strings.TrimSpace(string(body))
	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error.Type != "" {
			code = parsed.Error.Type
		}
		if strings.TrimSpace(parsed.Error.Message) != "" {
			message = strings.TrimSpace(parsed.Error.Message)
		}
	}
	return code, message
}

// nextCursorParam extracts the page_token from a full next-page URL, or
// passes an already-opaque cursor through untouched.
func nextCursorParam(next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return ""
	}
	parsed, err := url.Parse(next)
	if err != nil {
		return next
	}
	if token := parsed.Query().Get("page_token"); token != "" {
		return token
	}
	return next
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
