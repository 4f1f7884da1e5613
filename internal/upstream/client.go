// Package upstream fetches paginated resource collections from the vendor API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/exchange-sync/internal/config"
	"github.com/pysugar/exchange-sync/internal/logging"
	"github.com/pysugar/exchange-sync/internal/util"
	"github.com/pysugar/exchange-sync/internal/version"
)

const maxPageBytes = 64 << 20

var errDecode = errors.New("decode page")

// ErrPageCapReached is returned together with the records fetched so far when
// Filter.MaxPages full pages arrived without the collection ending.
var ErrPageCapReached = errors.New("page cap reached")

// TokenSource supplies bearer tokens. ForceRefresh is called once when the
// vendor answers 401 for the token passed as rejected.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, rejected string) (string, error)
}

// FetchError is a failed page request after the retry policy was applied.
type FetchError struct {
	Resource   string
	Page       int
	StatusCode int    // 0 for transport and decode failures
	Body       string // truncated response body
	Err        error

	retryAfter time.Duration
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s page %d", e.Resource, e.Page)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", util.TruncateLog(e.Body, 256))
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// Filter narrows a collection fetch.
type Filter struct {
	UpdatedSince *time.Time
	CreatedSince *time.Time
	// MaxPages bounds the fetch; 0 means unbounded.
	MaxPages int
}

// Client handles paginated GETs against the vendor API.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	pageSize      int
	tokens        TokenSource
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

// NewClient creates a vendor API client.
func NewClient(cfg config.VendorConfig, tokens TokenSource) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:      pageSize,
		tokens:        tokens,
		retryDelay:    cfg.RetryDelay,
		maxRetryDelay: cfg.MaxRetryDelay,
	}
}

// PageSize is the limit sent with every page request.
func (c *Client) PageSize() int {
	return c.pageSize
}

// FetchAllPages requests pages 1..N of endpoint until a page shorter than the
// page size arrives. When MaxPages is reached first, the records fetched so
// far come back with ErrPageCapReached. A failed page aborts the fetch and
// discards the records accumulated so far.
func (c *Client) FetchAllPages(ctx context.Context, resource, endpoint string, filter Filter) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for page := 1; ; page++ {
		u, err := c.pageURL(endpoint, page, filter)
		if err != nil {
			return nil, &FetchError{Resource: resource, Page: page, Err: err}
		}

		records, err := c.fetchPage(ctx, resource, u, page)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)

		if len(records) < c.pageSize {
			break
		}
		if filter.MaxPages > 0 && page >= filter.MaxPages {
			log.Printf("⚠️ [Fetch] %s%s: page cap %d reached, stopping with %d records", logging.Tag(ctx), resource, filter.MaxPages, len(all))
			return all, fmt.Errorf("fetch %s: %w (%d pages, %d records)", resource, ErrPageCapReached, filter.MaxPages, len(all))
		}
	}
	log.Printf("📥 [Fetch] %s%s: %d records", logging.Tag(ctx), resource, len(all))
	return all, nil
}

// fetchPage applies the per-page retry policy: a 401 forces one token refresh,
// 429/5xx/transport failures wait once; either way a page is retried at most once.
func (c *Client) fetchPage(ctx context.Context, resource, u string, page int) ([]json.RawMessage, error) {
	accessToken, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resource, err)
	}

	retried := false
	for {
		records, ferr := c.doPage(ctx, u, accessToken)
		if ferr == nil {
			return records, nil
		}
		ferr.Resource, ferr.Page = resource, page

		if retried || ctx.Err() != nil {
			return nil, ferr
		}
		retried = true

		switch {
		case ferr.StatusCode == http.StatusUnauthorized:
			log.Printf("🔐 [Fetch] %s%s page %d: 401, refreshing token", logging.Tag(ctx), resource, page)
			accessToken, err = c.tokens.ForceRefresh(ctx, accessToken)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", resource, err)
			}
		case isRetryable(ferr.StatusCode, ferr.Err):
			delay := backoff(ferr.retryAfter, c.retryDelay, c.maxRetryDelay)
			log.Printf("⏳ [Fetch] %s%s page %d: %v, retrying in %s", logging.Tag(ctx), resource, page, ferr, delay)
			if err := sleep(ctx, delay); err != nil {
				return nil, ferr
			}
		default:
			return nil, ferr
		}
	}
}

func (c *Client) doPage(ctx context.Context, u, accessToken string) ([]json.RawMessage, *FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, &FetchError{StatusCode: 0, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			StatusCode: resp.StatusCode,
			Body:       util.TruncateBytes(body),
			retryAfter: ParseRetryDelay(resp),
		}
	}

	records, err := decodePage(body)
	if err != nil {
		return nil, &FetchError{Body: util.TruncateBytes(body), Err: err}
	}
	return records, nil
}

// decodePage accepts a bare JSON array or a {"data": [...]} envelope.
func decodePage(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	switch body[0] {
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("%w: %v", errDecode, err)
		}
		return records, nil
	case '{':
		var envelope struct {
			Data *[]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", errDecode, err)
		}
		if envelope.Data == nil {
			return nil, fmt.Errorf("%w: object response without data array", errDecode)
		}
		return *envelope.Data, nil
	default:
		return nil, fmt.Errorf("%w: unexpected response shape", errDecode)
	}
}

// pageURL joins endpoint (which may carry its own query) with paging and filter params.
func (c *Client) pageURL(endpoint string, page int, filter Filter) (string, error) {
	u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(c.pageSize))
	if filter.UpdatedSince != nil {
		q.Set("updated_since", filter.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if filter.CreatedSince != nil {
		q.Set("created_since", filter.CreatedSince.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
