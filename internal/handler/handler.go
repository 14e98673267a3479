package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angeloszaimis/tile-proxy/internal/assets"
	"github.com/angeloszaimis/tile-proxy/internal/endpoint"
	"github.com/angeloszaimis/tile-proxy/internal/metrics"
	"github.com/angeloszaimis/tile-proxy/internal/negotiate"
	"github.com/angeloszaimis/tile-proxy/internal/storage"
)

const unresolvedNetwork = "unresolved"

// Resolver maps an inbound tile URL to its storage location.
type Resolver interface {
	Lookup(rawURL string) (endpoint.Target, error)
}

type Config struct {
	// ValidatorHeader is the storage response header carrying the content hash.
	ValidatorHeader string
	Hints           storage.CacheHints
	CacheHeaders    negotiate.CacheHeaders
	Validators      negotiate.Validators
}

// DefaultConfig matches the reference deployment.
func DefaultConfig() Config {
	return Config{
		ValidatorHeader: "X-Bz-Content-Sha1",
		Hints:           storage.DefaultCacheHints(),
		CacheHeaders:    negotiate.DefaultCacheHeaders(),
		Validators:      negotiate.DefaultValidators(),
	}
}

type TileHandler struct {
	logger           *slog.Logger
	resolver         Resolver
	storage          storage.Client
	negotiator       *negotiate.Negotiator
	config           Config
	metricsCollector *metrics.Collector
}

func NewTileHandler(logger *slog.Logger, resolver Resolver, client storage.Client, config Config, collector *metrics.Collector) *TileHandler {
	return &TileHandler{
		logger:           logger,
		resolver:         resolver,
		storage:          client,
		negotiator:       negotiate.New(config.Validators),
		config:           config,
		metricsCollector: collector,
	}
}

func (h *TileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	rawURL := inboundURL(r)
	inbound := negotiate.InboundFrom(r.Header)

	h.logger.Debug("Received request",
		slog.String("from", extractClientIP(r)),
		slog.String("method", r.Method),
		slog.String("url", rawURL),
		slog.String("user_agent", r.UserAgent()))

	target, err := h.resolver.Lookup(rawURL)
	networkName := target.Identity.Network
	if err != nil {
		networkName = unresolvedNetwork
	}

	h.emitEvent(metrics.MetricEvent{
		Type:    metrics.EventRequestReceived,
		Network: networkName,
	})

	var (
		probe  negotiate.Probe
		object *storage.Response
	)

	if err != nil {
		h.logger.Debug("Rejected tile request",
			slog.String("url", rawURL),
			slog.String("reason", err.Error()))
		probe = negotiate.Unresolved(err)
	} else {
		probe, _ = h.call(ctx, http.MethodHead, target.URL)
	}

	decision := h.negotiator.Decide(probe, inbound)

	if decision.NeedsObject() {
		// Negotiate again on the fetched object so its body and validator agree.
		probe, object = h.call(ctx, http.MethodGet, target.URL)
		decision = h.negotiator.Decide(probe, inbound)
		if !decision.NeedsObject() && object != nil {
			object.Body.Close()
			object = nil
		}
	}
	if object != nil {
		defer object.Body.Close()
	}

	h.write(w, decision, object)

	h.emitEvent(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Network:    networkName,
		Decision:   decisionLabel(decision),
		Duration:   time.Since(start),
		StatusCode: decision.Status,
	})
}

// call performs one storage call. The response is returned only when it has a
// 2xx status and the method carries a body; otherwise it is closed here.
func (h *TileHandler) call(ctx context.Context, method, url string) (negotiate.Probe, *storage.Response) {
	start := time.Now()

	var (
		res *storage.Response
		err error
	)
	if method == http.MethodHead {
		res, err = h.storage.Head(ctx, url, h.config.Hints)
	} else {
		res, err = h.storage.Get(ctx, url, h.config.Hints)
	}

	var probe negotiate.Probe
	cacheStatus := ""
	if err != nil {
		probe = negotiate.Classify(0, nil, h.config.ValidatorHeader, err)
	} else {
		probe = negotiate.Classify(res.StatusCode, res.Header, h.config.ValidatorHeader, nil)
		cacheStatus = string(res.CacheStatus)
	}
	duration := time.Since(start)

	h.logProbe(method, url, probe, duration)
	h.emitEvent(metrics.MetricEvent{
		Type:        metrics.EventProbeCompleted,
		Outcome:     probe.Outcome.String(),
		CacheStatus: cacheStatus,
		Duration:    duration,
	})

	if res == nil {
		return probe, nil
	}
	if method == http.MethodHead || probe.Outcome != negotiate.OutcomeFound {
		res.Body.Close()
		return probe, nil
	}

	return probe, res
}

func (h *TileHandler) logProbe(method, url string, probe negotiate.Probe, duration time.Duration) {
	attrs := []any{
		slog.String("method", method),
		slog.String("object", url),
		slog.String("outcome", probe.Outcome.String()),
		slog.Duration("duration", duration),
	}

	switch probe.Outcome {
	case negotiate.OutcomeTransportFailure:
		if errors.Is(probe.Err, context.Canceled) {
			h.logger.Debug("Storage call cancelled by client", attrs...)
			return
		}
		h.logger.Info("Storage unreachable", append(attrs, slog.Any("err", probe.Err))...)
	case negotiate.OutcomeUpstreamError:
		h.logger.Info("Storage returned an error", append(attrs, slog.Int("status", probe.StatusCode))...)
	default:
		h.logger.Debug("Storage responded", append(attrs, slog.Int("status", probe.StatusCode))...)
	}
}

func (h *TileHandler) write(w http.ResponseWriter, decision negotiate.Decision, object *storage.Response) {
	header := w.Header()

	if decision.CacheHeaders {
		h.config.CacheHeaders.Apply(header)
	}
	if decision.ETag != "" {
		header.Set("ETag", decision.ETag)
	}

	switch decision.Body {
	case negotiate.BodyObject:
		if ct := object.Header.Get("Content-Type"); ct != "" {
			header.Set("Content-Type", ct)
		}
		if cl := object.Header.Get("Content-Length"); cl != "" {
			header.Set("Content-Length", cl)
		}
		w.WriteHeader(decision.Status)
		if _, err := io.Copy(w, object.Body); err != nil {
			h.logger.Debug("Tile body copy aborted", slog.Any("err", err))
		}

	case negotiate.BodyPlaceholder:
		body, contentType := assets.Placeholder()
		writeBody(w, decision.Status, contentType, body)

	case negotiate.BodyUpstreamError:
		writeBody(w, decision.Status, assets.PageContentType, assets.UpstreamErrorPage())

	case negotiate.BodyClientError:
		writeBody(w, decision.Status, assets.PageContentType, assets.ClientErrorPage())

	default:
		w.WriteHeader(decision.Status)
	}
}

func writeBody(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

// decisionLabel names a decision table row, e.g. "found/match".
func decisionLabel(d negotiate.Decision) string {
	return d.Condition.Class.String() + "/" + d.Condition.Comparison.String()
}

// inboundURL rebuilds the public URL the client asked for.
func inboundURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "http" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *TileHandler) emitEvent(event metrics.MetricEvent) {
	if h.metricsCollector == nil {
		return
	}

	event.Timestamp = time.Now()
	h.metricsCollector.Emit(event)
}
