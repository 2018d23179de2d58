package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// SortAsc / SortDesc are the list endpoint sort orders.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// StatusError is a non-2xx explorer response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("explorer status %d (%s)", e.Code, e.URL)
}

// IsTransient reports whether the error is worth retrying: timeouts,
// connection resets, HTTP 429 and 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsNotFound reports a 404 (permanent for the requested hash).
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to the upstream explorer list + detail endpoints. A shared
// rate limiter enforces the minimum inter-request delay so concurrent
// callers stay under the upstream limit together.
type Client struct {
	baseURL   string
	chainID   int64
	ecosystem string
	http      *http.Client
	limiter   *rate.Limiter
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithMinDelay sets the minimum delay between any two upstream requests.
func WithMinDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

func NewClient(baseURL string, chainID int64, ecosystem string, opts ...Option) *Client {
	c := &Client{
		baseURL:   baseURL,
		chainID:   chainID,
		ecosystem: ecosystem,
		http:      &http.Client{Timeout: 15 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListQuery is one page request against the list endpoint. FromAddresses and
// ToAddresses are both set to the contract (union semantics upstream).
type ListQuery struct {
	Contract  string
	Sort      string // SortAsc | SortDesc
	Limit     int
	NextToken string
	FromDate  string // optional RFC 3339 date bound
	ToDate    string
}

// ListTransactions fetches one page. Retry policy belongs to the caller; the
// client only paces requests and classifies failures.
func (c *Client) ListTransactions(ctx context.Context, q ListQuery) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("fromAddresses", q.Contract)
	params.Set("toAddresses", q.Contract)
	params.Set("includedChainIds", strconv.FormatInt(c.chainID, 10))
	params.Set("ecosystem", c.ecosystem)
	params.Set("count", "true")
	sort := q.Sort
	if sort == "" {
		sort = SortAsc
	}
	params.Set("sort", sort)
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	params.Set("limit", strconv.Itoa(limit))
	if q.NextToken != "" {
		params.Set("next", q.NextToken)
	}
	if q.FromDate != "" {
		params.Set("startTimestamp", q.FromDate)
	}
	if q.ToDate != "" {
		params.Set("endTimestamp", q.ToDate)
	}

	var page Page
	if err := c.getJSON(ctx, c.baseURL+"?"+params.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetTransactionDetail fetches the per-hash detail used by enrichment.
func (c *Client) GetTransactionDetail(ctx context.Context, txHash string) (*TxDetail, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var detail TxDetail
	if err := c.getJSON(ctx, c.baseURL+"/"+url.PathEscape(txHash), &detail); err != nil {
		return nil, err
	}
	if detail.Hash() == "" {
		detail.TxHash = txHash
	}
	return &detail, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "contractscan/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, URL: req.URL.Path}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode explorer response: %w", err)
	}
	return nil
}
