// Package weather looks up the current weather line printed on photos.
// Lookups are cached for a TTL and concurrent refreshes share one request.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fallback is printed when no lookup has ever succeeded.
const Fallback = "Sunny 25°C"

var ErrNoData = errors.New("weather: no live data in response")

// reportZone is the offset of amap's reporttime values.
var reportZone = time.FixedZone("CST", 8*60*60)

const reportLayout = "2006-01-02 15:04:05"

type liveResponse struct {
	Status string `json:"status"`
	Info   string `json:"info"`
	Lives  []struct {
		Weather     string `json:"weather"`
		Temperature string `json:"temperature"`
		ReportTime  string `json:"reporttime"`
	} `json:"lives"`
}

// Client queries the amap live weather endpoint.
type Client struct {
	baseURL string
	apiKey  string
	city    string
	ttl     time.Duration
	http    *http.Client
	now     func() time.Time
	log     *slog.Logger

	group     singleflight.Group
	mu        sync.Mutex
	cached    string
	freshFrom time.Time
}

type reading struct {
	line       string
	reportedAt time.Time // zero when the response had no usable reporttime
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a Client. An empty apiKey disables lookups and Current
// always returns Fallback.
func New(baseURL, apiKey, city string, ttl time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		city:    city,
		ttl:     ttl,
		http:    &http.Client{Timeout: 5 * time.Second},
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the cached weather line while it is fresh, otherwise
// refreshes it. Freshness counts from the report time the service gives,
// or from the fetch when that time is missing, in the future, or already
// older than the TTL. On failure it returns the last good value, or Fallback.
// It never returns an empty string.
func (c *Client) Current(ctx context.Context) string {
	c.mu.Lock()
	cached, at := c.cached, c.freshFrom
	c.mu.Unlock()

	if cached != "" && c.now().Sub(at) < c.ttl {
		return cached
	}
	if c.apiKey == "" {
		return orFallback(cached)
	}

	ch := c.group.DoChan("current", func() (any, error) {
		// Shared by every waiter, so it must outlive any single caller.
		timeout := c.http.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return c.fetch(fctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.log.Warn("weather lookup failed", "city", c.city, "err", res.Err)
			return orFallback(cached)
		}
		r := res.Val.(reading)
		c.mu.Lock()
		c.cached, c.freshFrom = r.line, c.freshness(r)
		c.mu.Unlock()
		return r.line
	case <-ctx.Done():
		return orFallback(cached)
	}
}

func (c *Client) freshness(r reading) time.Time {
	now := c.now()
	if r.reportedAt.IsZero() || r.reportedAt.After(now) || now.Sub(r.reportedAt) >= c.ttl {
		return now
	}
	return r.reportedAt
}

// Fetch performs one uncached lookup.
func (c *Client) Fetch(ctx context.Context) (string, error) {
	r, err := c.fetch(ctx)
	return r.line, err
}

func (c *Client) fetch(ctx context.Context) (reading, error) {
	q := url.Values{}
	q.Set("city", c.city)
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return reading{}, fmt.Errorf("weather: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return reading{}, fmt.Errorf("weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return reading{}, fmt.Errorf("weather: unexpected status %d", resp.StatusCode)
	}

	var body liveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return reading{}, fmt.Errorf("weather: decode: %w", err)
	}
	if body.Status != "1" || len(body.Lives) == 0 {
		return reading{}, fmt.Errorf("%w (status=%q info=%q)", ErrNoData, body.Status, body.Info)
	}

	live := body.Lives[0]
	desc, temp := live.Weather, live.Temperature
	if desc == "" {
		desc = "Unknown"
	}
	if temp == "" {
		temp = "0"
	}
	r := reading{line: desc + " " + temp + "°C"}
	if t, err := time.ParseInLocation(reportLayout, live.ReportTime, reportZone); err == nil {
		r.reportedAt = t
	}
	return r, nil
}

func orFallback(s string) string {
	if s == "" {
		return Fallback
	}
	return s
}
