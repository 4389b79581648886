package fhir

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

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ehr/snapshot/internal/platform/apperror"
	"github.com/ehr/snapshot/internal/platform/telemetry"
)

const (
	// ContentType is the FHIR JSON media type.
	ContentType = "application/fhir+json"

	// DefaultMaxPages bounds how many continuation pages a single search follows.
	DefaultMaxPages = 100
	// DefaultTimeout bounds a single page request.
	DefaultTimeout = 30 * time.Second

	maxPageSize = 32 << 20
)

// Pagination selects between reading one bounded page and following every
// next link.
type Pagination struct {
	// Limit > 0 requests _count=Limit, reads the first page only and
	// truncates to Limit entries. Zero follows every page.
	Limit int
}

// All follows link[relation=next] until the server stops returning one.
var All = Pagination{}

// Bounded reads at most n entries from the first page.
func Bounded(n int) Pagination {
	if n < 1 {
		n = 1
	}
	return Pagination{Limit: n}
}

// IsBounded reports whether p reads a single truncated page.
func (p Pagination) IsBounded() bool { return p.Limit > 0 }

func (p Pagination) String() string {
	if p.IsBounded() {
		return fmt.Sprintf("bounded(%d)", p.Limit)
	}
	return "all"
}

// SearchQuery is one type-level FHIR search.
type SearchQuery struct {
	BaseURL      string
	ResourceType string
	Params       url.Values
	Pagination   Pagination
}

// URL renders the first-page search URL. Params are copied, never mutated.
func (q SearchQuery) URL() (string, error) {
	if q.BaseURL == "" {
		return "", apperror.Configuration("fhir search", "base url is not configured")
	}
	if q.ResourceType == "" {
		return "", apperror.Validation("fhir search", "resource type is required")
	}
	base, err := url.Parse(strings.TrimRight(q.BaseURL, "/") + "/" + q.ResourceType)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", apperror.Configuration("fhir search", "invalid base url %q", q.BaseURL)
	}

	params := url.Values{}
	for k, vs := range q.Params {
		params[k] = append([]string(nil), vs...)
	}
	if q.Pagination.IsBounded() {
		params.Set("_count", strconv.Itoa(q.Pagination.Limit))
	}
	base.RawQuery = params.Encode()
	return base.String(), nil
}

// Client runs FHIR searches against an R4 server with a bearer token.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	maxPages   int
	timeout    time.Duration
	logger     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for page requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout bounds each page request.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithRateLimit throttles outbound page requests to rps with the given burst.
// A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxPages caps how many pages an unbounded search follows.
func WithMaxPages(n int) ClientOption {
	return func(cl *Client) {
		if n > 0 {
			cl.maxPages = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a Client. Without WithHTTPClient the client traces
// outbound requests through the otel transport.
func NewClient(opts ...ClientOption) *Client {
	cl := &Client{
		maxPages: DefaultMaxPages,
		timeout:  DefaultTimeout,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cl)
	}
	if cl.httpClient == nil {
		cl.httpClient = &http.Client{
			Timeout:   cl.timeout,
			Transport: telemetry.Transport(nil),
		}
	}
	return cl
}

// Search returns the raw resources of q.ResourceType matched by q. An empty
// result is not an error. Requests are never retried.
func (c *Client) Search(ctx context.Context, bearer string, q SearchQuery) ([]json.RawMessage, error) {
	op := "search " + q.ResourceType

	next, err := q.URL()
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "fhir.search", trace.WithAttributes(
		attribute.String("fhir.resource_type", q.ResourceType),
		attribute.String("fhir.pagination", q.Pagination.String()),
	))
	defer span.End()

	var (
		out     []json.RawMessage
		visited = make(map[string]bool)
		pages   int
	)
	for next != "" {
		if visited[next] {
			c.logger.Warn().
				Str("resource_type", q.ResourceType).
				Int("pages", pages).
				Msg("next link repeats an earlier page; stopping pagination")
			break
		}
		if pages >= c.maxPages {
			err := apperror.New(apperror.KindUpstream, op, fmt.Sprintf("pagination exceeded %d pages", c.maxPages))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		visited[next] = true
		pages++

		bundle, err := c.fetchPage(ctx, op, bearer, next, q.ResourceType)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apperror.KindOf(err)))
			return nil, err
		}
		out = append(out, bundle.Matches(q.ResourceType)...)

		if q.Pagination.IsBounded() {
			if len(out) > q.Pagination.Limit {
				out = out[:q.Pagination.Limit]
			}
			break
		}
		next = bundle.NextURL(next)
	}

	span.SetAttributes(
		attribute.Int("fhir.pages", pages),
		attribute.Int("fhir.entries", len(out)),
	)
	c.logger.Debug().
		Str("resource_type", q.ResourceType).
		Str("pagination", q.Pagination.String()).
		Int("pages", pages).
		Int("entries", len(out)).
		Msg("fhir search complete")
	return out, nil
}

// fetchPage GETs one searchset page and decodes it.
func (c *Client) fetchPage(ctx context.Context, op, bearer, pageURL, resourceType string) (*Bundle, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperror.Network(op, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindConfiguration, op, "invalid search url", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", ContentType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.ObserveFHIR(resourceType, 0, time.Since(start))
		return nil, apperror.Network(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	telemetry.ObserveFHIR(resourceType, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, apperror.Network(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperror.HTTP(apperror.KindAuth, op, resp.StatusCode, body)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, apperror.HTTP(apperror.KindUpstream, op, resp.StatusCode, body)
	}

	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, apperror.Wrap(apperror.KindMalformed, op, "undecodable search response", err)
	}
	switch bundle.ResourceType {
	case "Bundle":
		return &bundle, nil
	case "OperationOutcome":
		var oo OperationOutcome
		if err := json.Unmarshal(body, &oo); err != nil {
			return nil, apperror.Wrap(apperror.KindMalformed, op, "undecodable operation outcome", err)
		}
		e := apperror.HTTP(apperror.KindUpstream, op, resp.StatusCode, []byte(oo.Diagnostics()))
		e.Message = "server returned OperationOutcome"
		return nil, e
	default:
		return nil, apperror.New(apperror.KindMalformed, op, fmt.Sprintf("expected Bundle, got %q", bundle.ResourceType))
	}
}
