package healthcheck

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/tile-proxy/internal/storage"
)

// Target is the storage client being monitored.
type Target interface {
	Head(ctx context.Context, url string, hints storage.CacheHints) (*storage.Response, error)
	SetHealthy(healthy bool) (changed bool)
}

// ChangeFunc is told about every health transition.
type ChangeFunc func(healthy bool)

// HealthCheck probes healthURL once immediately and then every interval
// until ctx is done. Storage is healthy when the object answers 200. The
// probe bypasses the tier cache.
func HealthCheck(
	ctx context.Context,
	target Target,
	healthURL string,
	interval time.Duration,
	logger *slog.Logger,
	onChange ChangeFunc,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		check(ctx, target, healthURL, logger, onChange)

		select {
		case <-ctx.Done():
			logger.Info("Health check stopped",
				slog.String("object", healthURL))
			return

		case <-ticker.C:
		}
	}
}

func check(ctx context.Context, target Target, healthURL string, logger *slog.Logger, onChange ChangeFunc) {
	healthy := false

	res, err := target.Head(ctx, healthURL, storage.CacheHints{})
	if err == nil {
		res.Body.Close()
		healthy = res.StatusCode == http.StatusOK
	}

	if ctx.Err() != nil {
		return
	}

	if !target.SetHealthy(healthy) {
		return
	}

	if healthy {
		logger.Info("Storage is back up",
			slog.String("object", healthURL))
	} else {
		attrs := []any{slog.String("object", healthURL)}
		if err != nil {
			attrs = append(attrs, slog.Any("err", err))
		} else {
			attrs = append(attrs, slog.Int("status", res.StatusCode))
		}
		logger.Warn("Storage is down", attrs...)
	}

	if onChange != nil {
		onChange(healthy)
	}
}
