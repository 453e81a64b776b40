// Package horizon reads offers and ledger headers from a Horizon REST API.
package horizon

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

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"sdexindexer/internal/model"
)

const (
	offersPath    = "/offers"
	ledgersPath   = "/ledgers/"
	maxPageLimit  = 200
	defaultAgent  = "sdexindexer/1.0"
	defaultTarget = "https://horizon.stellar.org"
)

// Options parameterise the client.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	UserAgent     string
	RatePerSecond float64
	Burst         int
}

// Page is one page of the offers collection.
type Page struct {
	// Records holds one entry per upstream record. Records that could not be
	// decoded carry DecodeErr and are rejected by model.Normalize.
	Records []model.RawOffer
	// NextCursor is the last paging token found on the page, or the request
	// cursor when there is none.
	NextCursor string
}

// OfferSource is what the ingestion loop consumes.
type OfferSource interface {
	FetchOffers(ctx context.Context, cursor string, limit int) (Page, error)
	LedgerCloseTime(ctx context.Context, seq uint64) (time.Time, error)
}

// Client talks to Horizon over HTTP. Calls are paced by a token bucket and
// never retried here.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewClient constructs a Horizon client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTarget
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "horizon_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: baseURL,
	}
}

// FetchOffers returns up to limit offers after cursor in ascending order.
func (c *Client) FetchOffers(ctx context.Context, cursor string, limit int) (Page, error) {
	if limit <= 0 || limit > maxPageLimit {
		return Page{}, fmt.Errorf("limit must be between 1 and %d", maxPageLimit)
	}

	q := url.Values{}
	q.Set("order", "asc")
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var body offersResponse
	if err := c.getJSON(ctx, offersPath+"?"+q.Encode(), &body); err != nil {
		return Page{}, fmt.Errorf("fetch offers: %w", err)
	}

	page := Page{Records: make([]model.RawOffer, 0, len(body.Embedded.Records)), NextCursor: cursor}
	malformed := 0
	for _, data := range body.Embedded.Records {
		raw := model.DecodeRawOffer(data)
		if raw.DecodeErr != nil {
			malformed++
		}
		page.Records = append(page.Records, raw)
	}
	for i := len(page.Records) - 1; i >= 0; i-- {
		if token := pagingToken(page.Records[i]); token != "" {
			page.NextCursor = token
			break
		}
	}

	c.logger.Debug().Str("cursor", cursor).Int("records", len(page.Records)).Int("malformed", malformed).Msg("fetched offers page")
	return page, nil
}

// LedgerCloseTime returns the close time of ledger seq.
func (c *Client) LedgerCloseTime(ctx context.Context, seq uint64) (time.Time, error) {
	if seq == 0 {
		return time.Time{}, errors.New("ledger sequence must be positive")
	}

	var body ledgerResponse
	if err := c.getJSON(ctx, ledgersPath+strconv.FormatUint(seq, 10), &body); err != nil {
		return time.Time{}, fmt.Errorf("fetch ledger %d: %w", seq, err)
	}

	closedAt, err := time.Parse(time.RFC3339, body.ClosedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse closed_at for ledger %d: %w", seq, err)
	}
	return closedAt.UTC(), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/hal+json, application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}

	return json.Unmarshal(payload, out)
}

func pagingToken(raw model.RawOffer) string {
	if raw.PagingToken != "" {
		return raw.PagingToken
	}
	return raw.ID
}

// Records are kept raw so one odd record cannot fail the whole page.
type offersResponse struct {
	Embedded struct {
		Records []json.RawMessage `json:"records"`
	} `json:"_embedded"`
}

type ledgerResponse struct {
	Sequence uint64 `json:"sequence"`
	ClosedAt string `json:"closed_at"`
}

// APIError is a non-200 answer from Horizon.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	switch {
	case e.Detail != "":
		return fmt.Sprintf("horizon api error (%d): %s", e.Status, e.Detail)
	case e.Title != "":
		return fmt.Sprintf("horizon api error (%d): %s", e.Status, e.Title)
	default:
		return fmt.Sprintf("horizon api error (%d)", e.Status)
	}
}

// Temporary reports whether retrying later may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type problemResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func parseHTTPError(status int, payload []byte) error {
	apiErr := &APIError{Status: status}
	var problem problemResponse
	if err := json.Unmarshal(payload, &problem); err == nil {
		apiErr.Title = problem.Title
		apiErr.Detail = problem.Detail
	}
	if apiErr.Title == "" && apiErr.Detail == "" && len(payload) > 0 {
		apiErr.Detail = strings.TrimSpace(string(payload))
	}
	return apiErr
}

var _ OfferSource = (*Client)(nil)
