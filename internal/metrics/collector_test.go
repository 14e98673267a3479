package metrics_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/tile-proxy/internal/metrics"
)

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Suppress logs in tests
		}))
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, log, nil)
	})

	AfterEach(func() {
		cancel()
		time.Sleep(10 * time.Millisecond) // Allow goroutine to finish
	})

	Describe("Start and event processing", func() {
		It("should process EventRequestReceived", func() {
			collector.Start(ctx)

			collector.EventChannel() <- metrics.MetricEvent{
				Type:    metrics.EventRequestReceived,
				Network: "o2",
			}

			Eventually(func() int64 {
				return collector.Snapshot("").Networks["o2"].Requests
			}).Should(Equal(int64(1)))
		})

		It("should process EventProbeCompleted", func() {
			collector.Start(ctx)

			collector.Emit(metrics.MetricEvent{
				Type:        metrics.EventProbeCompleted,
				Outcome:     "NotFound",
				CacheStatus: "MISS",
				Duration:    5 * time.Millisecond,
			})

			Eventually(func() map[string]int64 {
				return collector.Snapshot("").Probes.Outcomes
			}).Should(HaveKeyWithValue("NotFound", int64(1)))
		})

		It("should process EventResponseCompleted", func() {
			collector.Start(ctx)

			collector.Emit(metrics.MetricEvent{
				Type:       metrics.EventResponseCompleted,
				Network:    "vodafone",
				Decision:   "faulted/absent",
				Duration:   100 * time.Millisecond,
				StatusCode: 502,
			})

			Eventually(func() map[int]int64 {
				return collector.Snapshot("").Networks["vodafone"].StatusCodes
			}).Should(HaveKeyWithValue(502, int64(1)))
			Expect(collector.Snapshot("").Decisions).To(HaveKeyWithValue("faulted/absent", int64(1)))
		})

		It("should process EventHealthChanged and EventBreakerChanged", func() {
			collector.Start(ctx)

			collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Healthy: false})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventBreakerChanged, Host: "b2", State: "OPEN"})

			Eventually(func() map[string]string {
				return collector.Snapshot("").Breakers
			}).Should(HaveKeyWithValue("b2", "OPEN"))
			Expect(collector.Snapshot("").StorageHealthy).To(BeFalse())
		})

		It("should drain events on context cancellation", func() {
			collector.Start(ctx)

			for i := 0; i < 5; i++ {
				collector.Emit(metrics.MetricEvent{
					Type:    metrics.EventRequestReceived,
					Network: "ee",
				})
			}

			cancel()

			Eventually(func() int64 {
				return collector.Snapshot("").Networks["ee"].Requests
			}).Should(Equal(int64(5)))
		})
	})

	Describe("Emit", func() {
		It("should drop events instead of blocking when the buffer is full", func() {
			small := metrics.NewCollector(1, log, nil)
			Expect(small.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived})).To(BeTrue())
			Expect(small.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived})).To(BeFalse())
		})
	})

	Describe("Handler", func() {
		It("should serve the snapshot as JSON", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived, Network: "o2"})
			Eventually(func() int64 { return collector.Snapshot("").TotalRequests }).Should(Equal(int64(1)))

			w := httptest.NewRecorder()
			collector.Handler("coveragetiles.com").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/_/stats", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Header().Get("Content-Type")).To(Equal("application/json"))

			var snap metrics.Snapshot
			Expect(json.Unmarshal(w.Body.Bytes(), &snap)).To(Succeed())
			Expect(snap.Domain).To(Equal("coveragetiles.com"))
			Expect(snap.TotalRequests).To(Equal(int64(1)))
		})
	})
})
