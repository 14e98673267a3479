package handler_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/tile-proxy/internal/assets"
	"github.com/angeloszaimis/tile-proxy/internal/endpoint"
	"github.com/angeloszaimis/tile-proxy/internal/handler"
	"github.com/angeloszaimis/tile-proxy/internal/metrics"
	"github.com/angeloszaimis/tile-proxy/internal/network"
	"github.com/angeloszaimis/tile-proxy/internal/storage"
	"github.com/angeloszaimis/tile-proxy/internal/uri"
)

const (
	bucket    = "coverage-map-archive-eu"
	tileBytes = "\x89PNG-tile"
)

// fakeStorage answers like B2: objects carry their content hash in
// X-Bz-Content-Sha1.
type fakeStorage struct {
	mutex    sync.Mutex
	objects  map[string]string
	hashes   map[string]string
	headCode int
	getCode  int
	calls    []string
}

func (f *fakeStorage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	code := f.headCode
	if r.Method == http.MethodGet {
		code = f.getCode
	}
	body, ok := f.objects[r.URL.Path]
	hash := f.hashes[r.URL.Path]
	f.mutex.Unlock()

	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if hash != "" {
		w.Header().Set("X-Bz-Content-Sha1", hash)
	}
	w.Header().Set("Content-Type", "image/png")
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", "9")
		return
	}
	io.WriteString(w, body)
}

func (f *fakeStorage) Calls() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.calls...)
}

var _ = Describe("TileHandler", func() {
	var (
		fake     *fakeStorage
		server   *httptest.Server
		h        *handler.TileHandler
		log      *slog.Logger
		resolver *endpoint.Resolver
	)

	objectPath := "/file/" + bucket + "/gb/vodafone/2023-07-04/4g/0/0/0.png"

	serve := func(target string, header http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		for k, v := range header {
			req.Header[k] = v
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	ifNoneMatch := func(v string) http.Header {
		return http.Header{"If-None-Match": {v}}
	}

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))

		fake = &fakeStorage{
			objects: map[string]string{objectPath: tileBytes},
			hashes:  map[string]string{objectPath: "abc123"},
		}
		server = httptest.NewServer(fake)

		u, err := url.Parse(server.URL)
		Expect(err).NotTo(HaveOccurred())

		resolver = endpoint.NewResolver(
			uri.NewAnalyzer("coveragetiles.com"),
			network.NewResolver(network.Tables{
				Networks: network.DefaultNetworks(),
				Regions:  network.DefaultRegions(),
				Versions: map[string]string{
					"234-10": "2023-06-01",
					"234-15": "2023-07-04",
					"234-20": "2023-07-04",
					"234-30": "2023-05-20",
				},
			}),
			endpoint.Builder{Scheme: "http", Host: u.Host, Bucket: bucket},
		)

		client := storage.NewHTTPClient(storage.Options{Timeout: time.Second})
		h = handler.NewTileHandler(log, resolver, client, handler.DefaultConfig(), nil)
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("malformed requests", func() {
		DescribeTable("should answer 400 without touching storage",
			func(target string) {
				w := serve(target, nil)

				Expect(w.Code).To(Equal(http.StatusBadRequest))
				Expect(w.Header().Get("Content-Type")).To(Equal("text/html"))
				Expect(w.Body.Bytes()).To(Equal(assets.ClientErrorPage()))
				Expect(w.Header().Get("ETag")).To(BeEmpty())
				Expect(w.Header().Get("Cache-Control")).To(BeEmpty())
				Expect(fake.Calls()).To(BeEmpty())
			},
			Entry("foreign host", "https://234-15.example.org/latest/4g/0/0/0.png"),
			Entry("bare public domain", "https://coveragetiles.com/latest/4g/0/0/0.png"),
			Entry("identifier outside the version table", "https://234-99.coveragetiles.com/latest/4g/0/0/0.png"),
			Entry("malformed identifier", "https://23-415.coveragetiles.com/latest/4g/0/0/0.png"),
			Entry("word label", "https://www.coveragetiles.com/latest/4g/0/0/0.png"),
		)

		It("should answer 400 even with an If-None-Match", func() {
			w := serve("https://234-99.coveragetiles.com/latest/x.png", ifNoneMatch("abc123"))
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("found objects", func() {
		It("should rewrite latest and serve the tile with its validator", func() {
			w := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(Equal(tileBytes))
			Expect(w.Header().Get("ETag")).To(Equal("abc123"))
			Expect(w.Header().Get("Content-Type")).To(Equal("image/png"))
			Expect(w.Header().Get("Cache-Control")).To(Equal("public, max-age=86400"))
			Expect(w.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(w.Header().Get("Access-Control-Allow-Methods")).To(Equal("GET"))
			Expect(w.Header().Get("Access-Control-Allow-Headers")).To(Equal("Content-Type"))
			Expect(w.Header().Get("Access-Control-Max-Age")).To(Equal("86400"))
			Expect(fake.Calls()).To(Equal([]string{"HEAD " + objectPath, "GET " + objectPath}))
		})

		It("should serve pinned versions unchanged", func() {
			w := serve("https://234-15.coveragetiles.com/2023-07-04/4g/0/0/0.png", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(fake.Calls()[0]).To(Equal("HEAD " + objectPath))
		})

		It("should answer 304 with the validator on a match without fetching the body", func() {
			w := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", ifNoneMatch("abc123"))

			Expect(w.Code).To(Equal(http.StatusNotModified))
			Expect(w.Body.Len()).To(BeZero())
			Expect(w.Header().Get("ETag")).To(Equal("abc123"))
			Expect(w.Header().Get("Cache-Control")).To(Equal("public, max-age=86400"))
			Expect(fake.Calls()).To(Equal([]string{"HEAD " + objectPath}))
		})

		It("should serve the tile on a validator mismatch", func() {
			w := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", ifNoneMatch("stale"))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Header().Get("ETag")).To(Equal("abc123"))
			Expect(w.Body.String()).To(Equal(tileBytes))
		})

		It("should serve the tile without an ETag when storage gives no validator", func() {
			fake.hashes = map[string]string{}
			w := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", ifNoneMatch("abc123"))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Header().Get("ETag")).To(BeEmpty())
			Expect(w.Header().Get("Cache-Control")).To(Equal("public, max-age=86400"))
			Expect(w.Body.String()).To(Equal(tileBytes))
		})
	})

	It("should compare repeated If-None-Match lines as one joined value", func() {
		w := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png",
			http.Header{"If-None-Match": {"abc123", "stale"}})

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("ETag")).To(Equal("abc123"))
		Expect(w.Body.String()).To(Equal(tileBytes))
	})

	Describe("missing objects", func() {
		It("should serve the placeholder tile", func() {
			w := serve("https://234-10.coveragetiles.com/latest/4g/9/9/9.png", nil)

			placeholder, contentType := assets.Placeholder()
			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(w.Header().Get("Content-Type")).To(Equal(contentType))
			Expect(w.Header().Get("Content-Type")).To(Equal("image/png"))
			Expect(w.Header().Get("ETag")).To(Equal("blank-tile-v1"))
			Expect(w.Header().Get("Cache-Control")).To(Equal("public, max-age=86400"))
			Expect(w.Body.Bytes()).To(Equal(placeholder))
			Expect(fake.Calls()).To(HaveLen(1))
		})

		It("should answer 304 with only the ETag when the client has the placeholder", func() {
			w := serve("https://234-10.coveragetiles.com/latest/4g/9/9/9.png", ifNoneMatch("blank-tile-v1"))

			Expect(w.Code).To(Equal(http.StatusNotModified))
			Expect(w.Body.Len()).To(BeZero())
			Expect(w.Header().Get("ETag")).To(Equal("blank-tile-v1"))
			Expect(w.Header().Get("Cache-Control")).To(BeEmpty())
		})

		It("should serve the placeholder on a mismatch", func() {
			w := serve("https://234-10.coveragetiles.com/latest/4g/9/9/9.png", ifNoneMatch("abc123"))
			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(w.Header().Get("ETag")).To(Equal("blank-tile-v1"))
		})
	})

	Describe("upstream faults", func() {
		It("should answer 502 with the error page for storage errors", func() {
			fake.headCode = http.StatusServiceUnavailable
			w := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", nil)

			Expect(w.Code).To(Equal(http.StatusBadGateway))
			Expect(w.Header().Get("Content-Type")).To(Equal("text/html"))
			Expect(w.Header().Get("ETag")).To(Equal("502-v1"))
			Expect(w.Header().Get("Cache-Control")).To(Equal("public, max-age=86400"))
			Expect(w.Body.Bytes()).To(Equal(assets.UpstreamErrorPage()))
			Expect(fake.Calls()).To(HaveLen(1))
		})

		It("should answer a transport failure exactly like an explicit storage error", func() {
			fake.headCode = http.StatusInternalServerError
			explicit := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", nil)

			server.Close()
			failed := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", nil)

			Expect(failed.Code).To(Equal(explicit.Code))
			Expect(failed.Header()).To(Equal(explicit.Header()))
			Expect(failed.Body.Bytes()).To(Equal(explicit.Body.Bytes()))
		})

		It("should answer 304 with only the ETag when the client has the error page", func() {
			fake.headCode = http.StatusInternalServerError
			w := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", ifNoneMatch("502-v1"))

			Expect(w.Code).To(Equal(http.StatusNotModified))
			Expect(w.Header().Get("ETag")).To(Equal("502-v1"))
			Expect(w.Header().Get("Cache-Control")).To(BeEmpty())
		})

		It("should treat any other status as a fault", func() {
			fake.headCode = http.StatusForbidden
			w := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", nil)
			Expect(w.Code).To(Equal(http.StatusBadGateway))
		})
	})

	Describe("body fetch failures", func() {
		It("should serve the placeholder when the object disappears before the fetch", func() {
			fake.getCode = http.StatusNotFound
			w := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", nil)

			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(w.Header().Get("ETag")).To(Equal("blank-tile-v1"))
			Expect(fake.Calls()).To(HaveLen(2))
		})

		It("should answer 502 when the fetch fails", func() {
			fake.getCode = http.StatusBadGateway
			w := serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", nil)

			Expect(w.Code).To(Equal(http.StatusBadGateway))
			Expect(w.Header().Get("ETag")).To(Equal("502-v1"))
			Expect(fake.Calls()).To(HaveLen(2))
		})
	})

	Describe("dot segments", func() {
		DescribeTable("should keep storage requests under the network prefix",
			func(target string) {
				w := serve(target, nil)

				Expect(w.Code).To(Equal(http.StatusNotFound))
				Expect(w.Header().Get("ETag")).To(Equal("blank-tile-v1"))
				Expect(fake.Calls()).To(ConsistOf(
					"HEAD /file/" + bucket + "/gb/vodafone/other-bucket/secret.png",
				))
			},
			Entry("plain", "https://234-15.coveragetiles.com/latest/../../../../other-bucket/secret.png"),
			Entry("percent-encoded", "https://234-15.coveragetiles.com/latest/%2e%2e/%2E%2E/.%2e/%2e./other-bucket/secret.png"),
		)

		DescribeTable("should serve the tile the normalized path names",
			func(target string) {
				w := serve(target, nil)

				Expect(w.Code).To(Equal(http.StatusOK))
				Expect(w.Body.String()).To(Equal(tileBytes))
				Expect(fake.Calls()).To(Equal([]string{"HEAD " + objectPath, "GET " + objectPath}))
			},
			Entry("plain", "https://234-15.coveragetiles.com/latest/4g/../4g/./0/0/0.png"),
			Entry("percent-encoded", "https://234-15.coveragetiles.com/latest/%2e%2e/latest/4g/%2e/0/0/0.png"),
		)
	})

	Describe("idempotence", func() {
		It("should produce identical responses for identical requests", func() {
			for _, target := range []string{
				"https://234-15.coveragetiles.com/latest/4g/0/0/0.png",
				"https://234-10.coveragetiles.com/latest/4g/9/9/9.png",
				"https://234-99.coveragetiles.com/latest/4g/9/9/9.png",
			} {
				first := serve(target, nil)
				second := serve(target, nil)

				Expect(second.Code).To(Equal(first.Code), target)
				Expect(second.Header()).To(Equal(first.Header()), target)
				Expect(bytes.Equal(second.Body.Bytes(), first.Body.Bytes())).To(BeTrue(), target)
			}
		})
	})

	Describe("cancellation", func() {
		It("should abort the storage call when the client goes away", func() {
			release := make(chan struct{})
			slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-r.Context().Done():
				}
			}))
			defer slow.Close()
			defer close(release)

			u, _ := url.Parse(slow.URL)
			slowResolver := endpoint.NewResolver(
				uri.NewAnalyzer("coveragetiles.com"),
				network.NewResolver(network.Tables{
					Networks: network.DefaultNetworks(),
					Regions:  network.DefaultRegions(),
					Versions: map[string]string{"234-15": "2023-07-04"},
				}),
				endpoint.Builder{Scheme: "http", Host: u.Host, Bucket: bucket},
			)
			slowHandler := handler.NewTileHandler(log, slowResolver,
				storage.NewHTTPClient(storage.Options{Timeout: time.Minute}), handler.DefaultConfig(), nil)

			ctx, cancel := context.WithCancel(context.Background())
			req := httptest.NewRequest(http.MethodGet, "https://234-15.coveragetiles.com/latest/4g/0/0/0.png", nil).WithContext(ctx)
			w := httptest.NewRecorder()

			done := make(chan struct{})
			go func() {
				defer close(done)
				slowHandler.ServeHTTP(w, req)
			}()

			time.Sleep(50 * time.Millisecond)
			cancel()
			Eventually(done, time.Second).Should(BeClosed())
		})
	})

	Describe("metrics", func() {
		It("should report requests, probes and responses", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			collector := metrics.NewCollector(100, log, nil)
			collector.Start(ctx)

			client := storage.NewHTTPClient(storage.Options{Timeout: time.Second})
			h = handler.NewTileHandler(log, resolver, client, handler.DefaultConfig(), collector)

			serve("https://234-15.coveragetiles.com/latest/4g/0/0/0.png", nil)
			serve("https://234-99.coveragetiles.com/latest/4g/0/0/0.png", nil)

			Eventually(func() int64 {
				return collector.Snapshot("").TotalRequests
			}).Should(Equal(int64(2)))

			Eventually(func() map[string]int64 {
				return collector.Snapshot("").Decisions
			}).Should(And(
				HaveKeyWithValue("found/absent", int64(1)),
				HaveKeyWithValue("unresolved/absent", int64(1)),
			))

			snap := collector.Snapshot("")
			Expect(snap.Networks).To(HaveKey("vodafone"))
			Expect(snap.Networks).To(HaveKey("unresolved"))
			Expect(snap.Probes.Outcomes).To(HaveKeyWithValue("found", int64(2)))
		})
	})
})
