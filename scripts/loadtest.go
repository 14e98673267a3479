//go:build ignore

// Loadtest drives tile traffic through the proxy and reports throughput,
// latency percentiles and the response mix per network.
//
// Usage:
//
//	go run loadtest.go -proxy http://localhost:8080 -concurrency 10 -requests 1000
//	go run loadtest.go -networks 234-10,234-15 -revalidate 0.5 -csv results.csv -out summary.json
//
// Requests go to the proxy address with the Host header set to
// <network>.<domain>, so no DNS setup is needed. With -revalidate, that
// fraction of requests replays the last ETag seen for the tile in
// If-None-Match, which should turn into 304s.
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// NetworkStats tracks responses for one network identifier.
type NetworkStats struct {
	Count       int32
	NotModified int32
	Placeholder int32
	Failure     int32
	Latencies   []time.Duration
}

type NetworkSummary struct {
	Total       int32   `json:"total"`
	NotModified int32   `json:"not_modified"`
	Placeholder int32   `json:"placeholder"`
	Failure     int32   `json:"failure"`
	P50         float64 `json:"p50_ms"`
	P90         float64 `json:"p90_ms"`
	P95         float64 `json:"p95_ms"`
	P99         float64 `json:"p99_ms"`
}

func main() {
	var (
		proxy       = flag.String("proxy", "http://localhost:8080", "Proxy base URL")
		domain      = flag.String("domain", "coveragetiles.com", "Public domain of the tile hosts")
		networks    = flag.String("networks", "234-10,234-15,234-20,234-30", "Comma separated network identifiers")
		version     = flag.String("version", "latest", "Version segment of tile paths")
		maxZoom     = flag.Int("zoom", 6, "Highest zoom level to request")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		requests    = flag.Int("requests", 100, "Total number of requests to send")
		revalidate  = flag.Float64("revalidate", 0.3, "Fraction of requests sent with If-None-Match")
		timeout     = flag.Duration("timeout", 10*time.Second, "Per-request timeout")
	)

	outJSON := flag.String("out", "", "Write JSON summary to this file (optional)")
	outCSV := flag.String("csv", "", "Write per-request CSV to this file (optional)")
	verbose := flag.Bool("v", false, "Verbose per-request logging to stdout")
	flag.Parse()

	ids := strings.Split(*networks, ",")
	client := &http.Client{Timeout: *timeout}

	jobs := make(chan int)
	var wg sync.WaitGroup

	var total, success, failure int32

	stats := make(map[string]*NetworkStats)
	var statsMu sync.Mutex

	var allLatencies []time.Duration
	var latMu sync.Mutex

	statusCodes := make(map[int]int32)
	var statusMu sync.Mutex

	// Last ETag per tile URL, replayed for revalidation.
	var etags sync.Map

	var csvFile *os.File
	var csvWriter *csv.Writer
	var csvMu sync.Mutex
	if *outCSV != "" {
		f, err := os.Create(*outCSV)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create csv file: %v\n", err)
			os.Exit(1)
		}
		csvFile = f
		csvWriter = csv.NewWriter(f)
		csvWriter.Write([]string{"idx", "timestamp", "network", "path", "status", "etag", "duration_ms"})
	}

	testStart := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range jobs {
				atomic.AddInt32(&total, 1)

				id := ids[idx%len(ids)]
				z := rand.IntN(*maxZoom + 1)
				x, y := rand.IntN(1<<z), rand.IntN(1<<z)
				path := fmt.Sprintf("/%s/%d/%d/%d.png", *version, z, x, y)
				key := id + path

				req, err := http.NewRequest(http.MethodGet, *proxy+path, nil)
				if err != nil {
					atomic.AddInt32(&failure, 1)
					continue
				}
				req.Host = id + "." + *domain

				if rand.Float64() < *revalidate {
					if etag, ok := etags.Load(key); ok {
						req.Header.Set("If-None-Match", etag.(string))
					}
				}

				start := time.Now()
				resp, err := client.Do(req)
				dur := time.Since(start)

				latMu.Lock()
				allLatencies = append(allLatencies, dur)
				latMu.Unlock()

				statsMu.Lock()
				ns, ok := stats[id]
				if !ok {
					ns = &NetworkStats{}
					stats[id] = ns
				}
				ns.Count++
				ns.Latencies = append(ns.Latencies, dur)
				statsMu.Unlock()

				if err != nil {
					atomic.AddInt32(&failure, 1)
					statsMu.Lock()
					ns.Failure++
					statsMu.Unlock()
					if *verbose {
						fmt.Printf("[%d] idx=%d error=%v\n", workerID, idx, err)
					}
					continue
				}

				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				etag := resp.Header.Get("ETag")
				if etag != "" {
					etags.Store(key, etag)
				}

				statusMu.Lock()
				statusCodes[resp.StatusCode]++
				statusMu.Unlock()

				statsMu.Lock()
				switch {
				case resp.StatusCode == http.StatusNotModified:
					ns.NotModified++
				case resp.StatusCode == http.StatusNotFound:
					ns.Placeholder++
				case resp.StatusCode >= 400:
					ns.Failure++
				}
				statsMu.Unlock()

				// 304 and the placeholder 404 are both healthy answers.
				if resp.StatusCode < 400 || resp.StatusCode == http.StatusNotFound {
					atomic.AddInt32(&success, 1)
				} else {
					atomic.AddInt32(&failure, 1)
				}

				if csvWriter != nil {
					csvMu.Lock()
					csvWriter.Write([]string{
						fmt.Sprintf("%d", idx),
						time.Now().Format(time.RFC3339Nano),
						id,
						path,
						fmt.Sprintf("%d", resp.StatusCode),
						etag,
						fmt.Sprintf("%.3f", float64(dur.Microseconds())/1000.0),
					})
					csvMu.Unlock()
				}

				if *verbose {
					fmt.Printf("[%d] idx=%d network=%s path=%s status=%d etag=%s dur=%v\n",
						workerID, idx, id, path, resp.StatusCode, etag, dur)
				}
			}
		}(i)
	}

	go func() {
		for i := 0; i < *requests; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	wg.Wait()
	totalDuration := time.Since(testStart)

	if csvWriter != nil {
		csvWriter.Flush()
		csvFile.Close()
	}

	throughput := float64(total) / totalDuration.Seconds()

	fmt.Println("--- Tile Load Test Summary ---")
	fmt.Printf("Proxy: %s  Domain: %s\n", *proxy, *domain)
	fmt.Printf("Requests: %d  Concurrency: %d  Revalidate: %.0f%%\n", *requests, *concurrency, *revalidate*100)
	fmt.Printf("Total sent: %d  Success: %d  Failure: %d\n", total, success, failure)
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", totalDuration, throughput)

	fmt.Println("\nStatus codes:")
	var scKeys []int
	for k := range statusCodes {
		scKeys = append(scKeys, k)
	}
	sort.Ints(scKeys)
	for _, k := range scKeys {
		fmt.Printf("  %d -> %d\n", k, statusCodes[k])
	}

	summaries := make(map[string]NetworkSummary, len(stats))

	fmt.Println("\nPer network:")
	var idKeys []string
	for k := range stats {
		idKeys = append(idKeys, k)
	}
	sort.Strings(idKeys)
	for _, k := range idKeys {
		ns := stats[k]
		sorted := sortedCopy(ns.Latencies)

		s := NetworkSummary{
			Total:       ns.Count,
			NotModified: ns.NotModified,
			Placeholder: ns.Placeholder,
			Failure:     ns.Failure,
			P50:         millis(percentile(sorted, 0.50)),
			P90:         millis(percentile(sorted, 0.90)),
			P95:         millis(percentile(sorted, 0.95)),
			P99:         millis(percentile(sorted, 0.99)),
		}
		summaries[k] = s

		fmt.Printf("  %s -> total=%d 304=%d placeholder=%d failure=%d\n", k, s.Total, s.NotModified, s.Placeholder, s.Failure)
		fmt.Printf("    latencies: p50=%.1fms p90=%.1fms p95=%.1fms p99=%.1fms\n", s.P50, s.P90, s.P95, s.P99)
	}

	if len(allLatencies) > 0 {
		sorted := sortedCopy(allLatencies)
		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		fmt.Println("\nOverall latencies:")
		fmt.Printf("  samples=%d min=%v avg=%v max=%v p50=%v p90=%v p95=%v p99=%v\n",
			len(sorted), sorted[0], sum/time.Duration(len(sorted)), sorted[len(sorted)-1],
			percentile(sorted, 0.50), percentile(sorted, 0.90), percentile(sorted, 0.95), percentile(sorted, 0.99))
	}

	fmt.Printf("\nGOMAXPROCS=%d  NumGoroutine=%d\n", runtime.GOMAXPROCS(0), runtime.NumGoroutine())

	if *outJSON != "" {
		report := map[string]interface{}{
			"proxy":          *proxy,
			"requests":       *requests,
			"concurrency":    *concurrency,
			"total_sent":     total,
			"success":        success,
			"failure":        failure,
			"duration_ms":    totalDuration.Milliseconds(),
			"throughput_rps": throughput,
			"status_codes":   statusCodes,
			"networks":       summaries,
		}

		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if failure > 0 {
		os.Exit(2)
	}
}

func sortedCopy(durations []time.Duration) []time.Duration {
	tmp := make([]time.Duration, len(durations))
	copy(tmp, durations)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	return tmp
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
