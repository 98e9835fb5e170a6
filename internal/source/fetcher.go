package source

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kickradar/kickradar/errs"
	"github.com/kickradar/kickradar/internal/schema"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxBodyBytes          = 4 << 20
)

// Fetcher retrieves one target's page. Implementations classify the result
// into a schema.Outcome on the returned attempt; the error, when non-nil,
// carries the matching errs code so retry policy can inspect it.
type Fetcher interface {
	Fetch(ctx context.Context, target schema.Target) (schema.FetchAttempt, error)
}

// HTTPFetcher is the plain transport fetcher used for sources that serve
// product data without a JS rendering wall.
type HTTPFetcher struct {
	client   *http.Client
	identity *Identity
	timeout  time.Duration
}

// NewHTTPFetcher builds a fetcher with a shared client. A nil client gets a
// default with sane connection pooling.
func NewHTTPFetcher(client *http.Client, identity *Identity) *HTTPFetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPFetcher{client: client, identity: identity, timeout: defaultRequestTimeout}
}

// WithTimeout sets the per-request deadline. Non-positive values keep the
// default.
func (f *HTTPFetcher) WithTimeout(d time.Duration) *HTTPFetcher {
	if d > 0 {
		f.timeout = d
	}
	return f
}

// Fetch performs one GET and maps the response to a terminal outcome.
func (f *HTTPFetcher) Fetch(ctx context.Context, target schema.Target) (schema.FetchAttempt, error) {
	attempt := schema.FetchAttempt{
		Source:    target.Source,
		URL:       target.URL,
		Timestamp: time.Now().UTC(),
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.URL, nil)
	if err != nil {
		attempt.Outcome = schema.OutcomeTransportError
		return attempt, errs.New(target.Source, errs.CodeNetwork,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	f.identity.Apply(req)

	start := time.Now()
	resp, err := f.client.Do(req)
	attempt.Elapsed = time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() != nil {
			attempt.Outcome = schema.OutcomeTimeout
			return attempt, errs.New(target.Source, errs.CodeTimeout,
				errs.WithMessage("request deadline exceeded"), errs.WithCause(err))
		}
		attempt.Outcome = schema.OutcomeTransportError
		return attempt, errs.New(target.Source, errs.CodeNetwork,
			errs.WithMessage("request failed"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	if err := classifyStatus(&attempt, resp); err != nil {
		return attempt, err
	}

	body, err := readBody(resp)
	if err != nil {
		attempt.Outcome = schema.OutcomeTransportError
		return attempt, errs.New(target.Source, errs.CodeNetwork,
			errs.WithMessage("read response body"), errs.WithCause(err))
	}
	attempt.Payload = body
	attempt.Outcome = schema.OutcomeSuccess
	return attempt, nil
}

// classifyStatus maps non-2xx statuses onto outcomes. Success leaves the
// attempt untouched for the body read.
func classifyStatus(attempt *schema.FetchAttempt, resp *http.Response) error {
	source := attempt.Source
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		attempt.Outcome = schema.OutcomeRateLimited
		attempt.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return errs.New(source, errs.CodeRateLimited,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("rate limited by origin"),
			errs.WithRemediation("slow pacing and wait out Retry-After"))
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		attempt.Outcome = schema.OutcomeBlocked
		return errs.New(source, errs.CodeBlocked,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("request blocked"),
			errs.WithRemediation("rotate identity or switch to browser fetcher"))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		attempt.Outcome = schema.OutcomeNotFound
		return errs.New(source, errs.CodeNotFound,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("product page not found"))
	default:
		attempt.Outcome = schema.OutcomeTransportError
		return errs.New(source, errs.CodeNetwork,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("unexpected status %d", resp.StatusCode)))
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms. Zero means
// the header was absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(io.LimitReader(reader, maxBodyBytes))
}
