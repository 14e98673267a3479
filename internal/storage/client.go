package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/angeloszaimis/tile-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/tile-proxy/internal/tiercache"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxBodySize = 1 << 20
	ewmaAlpha          = 0.2
)

// CacheStatus tells whether a response came from the tier cache.
type CacheStatus string

const (
	CacheHit    CacheStatus = "HIT"
	CacheMiss   CacheStatus = "MISS"
	CacheBypass CacheStatus = "BYPASS"
)

// errServerStatus marks a 5xx as a breaker failure; callers still get the response.
var errServerStatus = errors.New("storage server error")

// Response is a storage response. Body is never nil and must be closed.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        io.ReadCloser
	CacheStatus CacheStatus
}

// Client is the outbound transport used by the request handler.
type Client interface {
	Head(ctx context.Context, url string, hints CacheHints) (*Response, error)
	Get(ctx context.Context, url string, hints CacheHints) (*Response, error)
}

type Options struct {
	Timeout     time.Duration
	MaxBodySize int64
	Cache       tiercache.Store
	Breakers    *circuitbreaker.Registry
	Tracer      trace.Tracer
	Transport   http.RoundTripper
}

// HTTPClient talks to object storage over HTTP(S), tracking health,
// in-flight requests and response times for the storage host.
type HTTPClient struct {
	client      *http.Client
	cache       tiercache.Store
	breakers    *circuitbreaker.Registry
	tracer      trace.Tracer
	maxBodySize int64

	mutex            sync.Mutex
	isHealthy        bool
	activeRequests   int
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

// NewHTTPClient creates a client. It starts in a healthy state.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("tile-proxy/storage")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cache:       opts.Cache,
		breakers:    opts.Breakers,
		tracer:      opts.Tracer,
		maxBodySize: opts.MaxBodySize,
		isHealthy:   true,
	}
}

func (c *HTTPClient) Head(ctx context.Context, url string, hints CacheHints) (*Response, error) {
	return c.do(ctx, http.MethodHead, url, hints)
}

func (c *HTTPClient) Get(ctx context.Context, url string, hints CacheHints) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, hints)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, hints CacheHints) (*Response, error) {
	key := tiercache.Key(method, url)
	useCache := c.cache != nil && hints.Enabled()

	if useCache {
		if entry, ok := c.cache.Get(ctx, key); ok {
			return fromEntry(entry), nil
		}
	}

	ctx, span := c.tracer.Start(ctx, "storage."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", url),
		),
	)
	defer span.End()

	c.incrementRequests()
	defer c.decrementRequests()

	start := time.Now()
	res, err := c.roundTrip(ctx, method, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("storage %s %s: %w", method, url, err)
	}
	c.RecordResponse(time.Since(start))
	span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))

	response := &Response{
		StatusCode:  res.StatusCode,
		Header:      res.Header,
		Body:        res.Body,
		CacheStatus: CacheBypass,
	}
	if !useCache {
		return response, nil
	}

	response.CacheStatus = CacheMiss
	span.SetAttributes(attribute.String("tile_proxy.cache_status", string(CacheMiss)))

	ttl := hints.TTLFor(res.StatusCode)
	if ttl <= 0 || !(hints.CacheEverything || storable(res.Header)) {
		return response, nil
	}

	if method == http.MethodHead {
		c.cache.Set(ctx, key, &tiercache.Entry{
			StatusCode: res.StatusCode,
			Header:     res.Header.Clone(),
		}, ttl)
		return response, nil
	}

	if res.ContentLength > c.maxBodySize {
		return response, nil
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, c.maxBodySize+1))
	if err != nil {
		res.Body.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("storage %s %s: reading body: %w", method, url, err)
	}

	if int64(len(body)) > c.maxBodySize {
		// Too large to keep; hand back what was read followed by the rest.
		response.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), res.Body), res.Body}
		return response, nil
	}
	res.Body.Close()

	c.cache.Set(ctx, key, &tiercache.Entry{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		Body:       body,
	}, ttl)
	response.Body = io.NopCloser(bytes.NewReader(body))

	return response, nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}

	if c.breakers == nil {
		return c.client.Do(req)
	}

	var res *http.Response
	err = c.breakers.GetBreaker(req.URL.Host).Execute(func() error {
		r, err := c.client.Do(req)
		if err != nil {
			return err
		}
		res = r
		if r.StatusCode >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	})

	if errors.Is(err, errServerStatus) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	return res, nil
}

func fromEntry(entry *tiercache.Entry) *Response {
	var body io.ReadCloser = http.NoBody
	if entry.Body != nil {
		body = io.NopCloser(bytes.NewReader(entry.Body))
	}

	return &Response{
		StatusCode:  entry.StatusCode,
		Header:      entry.Header.Clone(),
		Body:        body,
		CacheStatus: CacheHit,
	}
}

// storable reports whether the backend allows a shared cache to keep the response.
func storable(h http.Header) bool {
	for _, directive := range h.Values("Cache-Control") {
		for _, d := range splitDirectives(directive) {
			if d == "no-store" || d == "private" {
				return false
			}
		}
	}
	return true
}

func (c *HTTPClient) incrementRequests() {
	c.mutex.Lock()
	c.activeRequests++
	c.mutex.Unlock()
}

func (c *HTTPClient) decrementRequests() {
	c.mutex.Lock()
	if c.activeRequests > 0 {
		c.activeRequests--
	}
	c.mutex.Unlock()
}

// ActiveRequests returns the number of storage calls in flight.
func (c *HTTPClient) ActiveRequests() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.activeRequests
}

// IsHealthy returns true if storage is currently considered healthy.
func (c *HTTPClient) IsHealthy() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.isHealthy
}

// SetHealthy updates the health status.
// Returns true if the status changed, false if it was already in that state.
func (c *HTTPClient) SetHealthy(healthy bool) (changed bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.isHealthy == healthy {
		return false
	}

	c.isHealthy = healthy
	return true
}

// RecordResponse updates the exponentially weighted moving average (EWMA)
// storage response time using the latest call duration.
func (c *HTTPClient) RecordResponse(duration time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.hasEWMA {
		c.ewmaResponseTime = duration
		c.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	c.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(c.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the exponentially weighted moving average response time.
// Returns 0 if no responses have been recorded yet.
func (c *HTTPClient) EWMATime() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.hasEWMA {
		return 0
	}

	return c.ewmaResponseTime
}

// Stats is a point-in-time view of the storage client.
type Stats struct {
	Healthy          bool              `json:"healthy"`
	ActiveRequests   int               `json:"active_requests"`
	EWMAResponseTime string            `json:"ewma_response_time"`
	Cache            *tiercache.Stats  `json:"cache,omitempty"`
	Breakers         map[string]string `json:"breakers,omitempty"`
}

func (c *HTTPClient) Stats() Stats {
	stats := Stats{
		Healthy:          c.IsHealthy(),
		ActiveRequests:   c.ActiveRequests(),
		EWMAResponseTime: c.EWMATime().String(),
	}

	if c.cache != nil {
		cs := c.cache.Stats()
		stats.Cache = &cs
	}

	if c.breakers != nil {
		stats.Breakers = make(map[string]string)
		for host, state := range c.breakers.Stats() {
			stats.Breakers[host] = state.String()
		}
	}

	return stats
}
