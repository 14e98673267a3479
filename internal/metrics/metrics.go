package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex          sync.RWMutex
	requests       map[string]int64
	responseTimes  map[string][]time.Duration
	statusCodes    map[string]map[int]int64
	decisions      map[string]int64
	probes         map[string]int64
	probeTimes     []time.Duration
	cacheStatus    map[string]int64
	breakers       map[string]string
	storageHealthy bool
	startTime      time.Time
}

type Snapshot struct {
	TotalRequests  int64                     `json:"total_requests"`
	Uptime         time.Duration             `json:"uptime"`
	Domain         string                    `json:"domain"`
	Networks       map[string]NetworkMetrics `json:"networks"`
	Decisions      map[string]int64          `json:"decisions"`
	Probes         ProbeMetrics              `json:"probes"`
	StorageHealthy bool                      `json:"storage_healthy"`
	Breakers       map[string]string         `json:"breakers"`
}

type NetworkMetrics struct {
	Requests    int64         `json:"requests"`
	AvgResponse time.Duration `json:"avg_response"`
	P50Response time.Duration `json:"p50_response"`
	P95Response time.Duration `json:"p95_response"`
	P99Response time.Duration `json:"p99_response"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

type ProbeMetrics struct {
	Outcomes    map[string]int64 `json:"outcomes"`
	CacheStatus map[string]int64 `json:"cache_status"`
	AvgLatency  time.Duration    `json:"avg_latency"`
	P95Latency  time.Duration    `json:"p95_latency"`
}

func (m *Metrics) IncrementRequests(network string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[network]++
}

func (m *Metrics) RecordProbe(outcome, cacheStatus string, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.probes[outcome]++
	if cacheStatus != "" {
		m.cacheStatus[cacheStatus]++
	}
	m.probeTimes = appendSample(m.probeTimes, duration)
}

func (m *Metrics) RecordResponse(network, decision string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[network] = appendSample(m.responseTimes[network], duration)

	if m.statusCodes[network] == nil {
		m.statusCodes[network] = make(map[int]int64)
	}
	m.statusCodes[network][statusCode]++
	m.decisions[decision]++
}

func (m *Metrics) UpdateHealthStatus(healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.storageHealthy = healthy
}

func (m *Metrics) UpdateBreakerState(host, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.breakers[host] = state
}

func (m *Metrics) Snapshot(domain string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:         time.Since(m.startTime),
		Domain:         domain,
		Networks:       make(map[string]NetworkMetrics),
		Decisions:      copyCounts(m.decisions),
		StorageHealthy: m.storageHealthy,
		Breakers:       make(map[string]string, len(m.breakers)),
		Probes: ProbeMetrics{
			Outcomes:    copyCounts(m.probes),
			CacheStatus: copyCounts(m.cacheStatus),
		},
	}

	for host, state := range m.breakers {
		snap.Breakers[host] = state
	}

	// Collect all networks seen
	allNetworks := make(map[string]bool)
	for network := range m.requests {
		allNetworks[network] = true
	}
	for network := range m.responseTimes {
		allNetworks[network] = true
	}

	for network := range allNetworks {
		snap.TotalRequests += m.requests[network]

		nm := NetworkMetrics{
			Requests:    m.requests[network],
			StatusCodes: copyStatusCodes(m.statusCodes[network]),
		}

		if sorted := sortedCopy(m.responseTimes[network]); len(sorted) > 0 {
			nm.AvgResponse = average(sorted)
			nm.P50Response = percentile(sorted, 0.50)
			nm.P95Response = percentile(sorted, 0.95)
			nm.P99Response = percentile(sorted, 0.99)
		}

		snap.Networks[network] = nm
	}

	if sorted := sortedCopy(m.probeTimes); len(sorted) > 0 {
		snap.Probes.AvgLatency = average(sorted)
		snap.Probes.P95Latency = percentile(sorted, 0.95)
	}

	return snap
}

// NewMetrics starts with storage assumed healthy, matching the storage client.
func NewMetrics() *Metrics {
	return &Metrics{
		requests:       make(map[string]int64),
		responseTimes:  make(map[string][]time.Duration),
		statusCodes:    make(map[string]map[int]int64),
		decisions:      make(map[string]int64),
		probes:         make(map[string]int64),
		cacheStatus:    make(map[string]int64),
		breakers:       make(map[string]string),
		storageHealthy: true,
		startTime:      time.Now(),
	}
}

func appendSample(samples []time.Duration, d time.Duration) []time.Duration {
	samples = append(samples, d)
	if len(samples) > maxSamples {
		samples = samples[1:]
	}
	return samples
}

func sortedCopy(durations []time.Duration) []time.Duration {
	if len(durations) == 0 {
		return nil
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})
	return sorted
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyStatusCodes(src map[int]int64) map[int]int64 {
	dst := make(map[int]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
