//go:build !js

// Package adapters contains the marketplace connectors: the seller CSV report reader,
// the search-page scraper and the OAuth2 inventory sync client.
//
// Every connector returns raw per-source records (see package listing); mapping to the
// canonical item happens outside of this package. Network access goes through one
// throttled HTTP doer so rate-limit behavior stays predictable across stages.
package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	connectTimeout  = 4 * time.Second
	headerTimeout   = 15 * time.Second
	idleConnTimeout = 90 * time.Second
	maxBodyBytes    = 8 << 20

	defaultUserAgent = "marketplace-listing-sync/1.0 (best-effort fetch; no bypass)"
)

// RequestRecorder receives one sample per HTTP attempt (status 0 = transport error).
type RequestRecorder interface {
	RecordRequest(code int, ms float64)
}

// HTTPOptions configures the shared doer.
type HTTPOptions struct {
	UserAgent string

	// Timeout bounds a single request, including reading the body.
	Timeout time.Duration

	// RPS caps requests per second across all stages. 0 = unlimited.
	RPS float64

	// RetryMax is the number of retries on 429/408/5xx and transport errors.
	RetryMax         int
	FallbackThrottle time.Duration

	MaxConnsPerHost int

	Recorder RequestRecorder
	Client   *http.Client // optional; tests inject httptest clients
}

type httpDoer struct {
	client    *http.Client
	userAgent string
	retryMax  int
	throttle  time.Duration
	rec       RequestRecorder

	mu      sync.Mutex
	lim     *rate.Limiter
	ceiling rate.Limit
	floor   rate.Limit
	okRun   int
}

func newHTTPDoer(opts HTTPOptions) *httpDoer {
	to := opts.Timeout
	if to <= 0 {
		to = 25 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 8
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.FallbackThrottle <= 0 {
		opts.FallbackThrottle = 3 * time.Second
	}

	client := opts.Client
	if client == nil {
		tr := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxConnsPerHost:       opts.MaxConnsPerHost,
			MaxIdleConnsPerHost:   opts.MaxConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: headerTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		}
		client = &http.Client{Transport: tr, Timeout: to}
	}

	d := &httpDoer{
		client:    client,
		userAgent: ua,
		retryMax:  opts.RetryMax,
		throttle:  opts.FallbackThrottle,
		rec:       opts.Recorder,
		lim:       rate.NewLimiter(rate.Inf, 1),
		ceiling:   rate.Inf,
	}
	if opts.RPS > 0 {
		d.ceiling = rate.Limit(opts.RPS)
		d.floor = rate.Limit(opts.RPS / 8)
		d.lim = rate.NewLimiter(d.ceiling, 1)
	}
	return d
}

// onThrottle halves the request rate (never below floor). No-op when unlimited.
func (d *httpDoer) onThrottle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.okRun = 0
	if d.ceiling == rate.Inf {
		return
	}
	n := d.lim.Limit() * 0.5
	if n < d.floor {
		n = d.floor
	}
	d.lim.SetLimit(n)
}

// onOK grows the rate back toward the ceiling every 16 successes.
func (d *httpDoer) onOK() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ceiling == rate.Inf {
		return
	}
	d.okRun++
	if d.okRun < 16 {
		return
	}
	d.okRun = 0
	n := d.lim.Limit() + d.ceiling/8
	if n > d.ceiling {
		n = d.ceiling
	}
	d.lim.SetLimit(n)
}

type request struct {
	method string
	url    string
	header http.Header
	body   []byte

	// stop ends the attempt loop when it reports true for a response body,
	// whatever the status. Scrapes use it so challenge pages are not retried.
	stop func([]byte) bool
}

// do executes req with throttling and bounded retries. Non-2xx statuses are returned
// with a nil error after retries are exhausted; the caller decides whether the stage
// is required. A transport failure (including timeout) is returned as err.
func (d *httpDoer) do(ctx context.Context, req request) ([]byte, int, error) {
	var lastBody []byte
	var lastCode int

	for attempt := 0; attempt <= d.retryMax; attempt++ {
		if err := d.lim.Wait(ctx); err != nil {
			return nil, 0, err
		}

		var rdr io.Reader
		if req.body != nil {
			rdr = bytes.NewReader(req.body)
		}
		hreq, err := http.NewRequestWithContext(ctx, req.method, req.url, rdr)
		if err != nil {
			return nil, 0, err
		}
		hreq.Header.Set("User-Agent", d.userAgent)
		for k, vs := range req.header {
			for _, v := range vs {
				hreq.Header.Add(k, v)
			}
		}

		start := time.Now()
		resp, err := d.client.Do(hreq)
		if err != nil {
			d.record(0, start)
			d.onThrottle()
			if attempt < d.retryMax && ctx.Err() == nil {
				if !sleepCtx(ctx, backoff(0, attempt)) {
					return nil, 0, ctx.Err()
				}
				continue
			}
			return nil, 0, err
		}

		body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		code := resp.StatusCode
		d.record(code, start)
		if rerr != nil {
			return nil, code, rerr
		}
		lastBody, lastCode = body, code
		if req.stop != nil && req.stop(body) {
			return body, code, nil
		}

		switch {
		case code >= 200 && code < 300:
			d.onOK()
			return body, code, nil
		case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || (code >= 500 && code <= 599):
			ra := parseRetryAfter(resp.Header)
			if ra == 0 {
				ra = d.throttle
			}
			d.onThrottle()
			if attempt < d.retryMax {
				if !sleepCtx(ctx, backoff(ra, attempt)) {
					return body, code, ctx.Err()
				}
				continue
			}
			return body, code, nil
		default:
			return body, code, nil
		}
	}
	return lastBody, lastCode, nil
}

func (d *httpDoer) record(code int, start time.Time) {
	if d.rec != nil {
		d.rec.RecordRequest(code, float64(time.Since(start).Milliseconds()))
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	return base + time.Duration(attempt*attempt)*250*time.Millisecond + time.Duration(rand.Intn(151))*time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// snippet trims a response body for error messages.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

func statusOK(code int) bool { return code >= 200 && code < 300 }

func httpStatusErr(code int) error { return fmt.Errorf("http status %d", code) }
