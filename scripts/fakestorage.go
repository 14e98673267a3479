//go:build ignore

// Fakestorage is a local stand-in for the tile bucket, used to exercise the
// proxy without object storage credentials.
//
// Usage:
//
//	go run fakestorage.go -port 9000 -bucket coverage-map-archive-eu
//	go run fakestorage.go -port 9000 -missing 0.3 -errors 0.05 -latency 20ms
//
// It answers HEAD and GET under /file/<bucket>/ with a deterministic body per
// path and the body's SHA-1 in X-Bz-Content-Sha1, like B2 does. Point the
// proxy at it with storage.scheme=http and storage.host=localhost:9000.
package main

import (
	"crypto/sha1"
	"encoding/hex"
	"flag"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const healthObject = "256_blank_tile.png"

func main() {
	port := flag.Int("port", 9000, "port to listen on")
	bucket := flag.String("bucket", "coverage-map-archive-eu", "bucket name served under /file/")
	missing := flag.Float64("missing", 0.2, "fraction of tile paths that do not exist")
	errorRate := flag.Float64("errors", 0, "fraction of requests answered with 500")
	latency := flag.Duration("latency", 0, "added delay per request")
	flag.Parse()

	prefix := "/file/" + *bucket + "/"

	mux := http.NewServeMux()
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if *latency > 0 {
			time.Sleep(*latency)
		}

		object := strings.TrimPrefix(r.URL.Path, prefix)
		log.Printf("request: method=%s object=%s from=%s", r.Method, object, r.RemoteAddr)

		if object != healthObject {
			if *errorRate > 0 && rand.Float64() < *errorRate {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			// Absence is a property of the path so repeated probes agree.
			if bucketOf(object) < *missing {
				http.NotFound(w, r)
				return
			}
		}

		body := []byte("tile:" + object)
		sum := sha1.Sum(body)

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("X-Bz-Content-Sha1", hex.EncodeToString(sum[:]))
		w.Header().Set("Cache-Control", "max-age=86400")
		w.WriteHeader(http.StatusOK)

		if r.Method == http.MethodGet {
			w.Write(body)
		}
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("serving bucket %q on %s", *bucket, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// bucketOf maps a path to a stable value in [0, 1).
func bucketOf(path string) float64 {
	h := fnv.New32a()
	h.Write([]byte(path))
	return float64(h.Sum32()%1000) / 1000
}
