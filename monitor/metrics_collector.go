// Package monitor collects in-memory metrics about bus traffic and serves
// them as JSON.
package monitor

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/unidel2035/agentbus/interceptors"
	"github.com/unidel2035/agentbus/messaging"
)

const sampleWindow = 100

// MetricsCollector counts inbound messages per type from the metrics
// interceptor and bus lifecycle events from its observer side
type MetricsCollector struct {
	mu sync.RWMutex

	messageCounters map[string]int64
	errorCounters   map[string]map[string]int64
	processingTimes map[string]*timeStats
	eventCounters   map[messaging.EventKind]int64
	startedAt       time.Time
}

type timeStats struct {
	count   int64
	total   time.Duration
	min     time.Duration
	max     time.Duration
	samples []time.Duration // last sampleWindow durations
}

// NewMetricsCollector creates an empty collector
func NewMetricsCollector() *MetricsCollector {
	c := &MetricsCollector{}
	c.reset()
	return c
}

func (c *MetricsCollector) reset() {
	c.messageCounters = make(map[string]int64)
	c.errorCounters = make(map[string]map[string]int64)
	c.processingTimes = make(map[string]*timeStats)
	c.eventCounters = make(map[messaging.EventKind]int64)
	c.startedAt = time.Now()
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (c *MetricsCollector) IncrementMessageCount(messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCounters[messageType]++
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *MetricsCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.processingTimes[messageType]
	if !ok {
		stats = &timeStats{
			min:     duration,
			max:     duration,
			samples: make([]time.Duration, 0, sampleWindow),
		}
		c.processingTimes[messageType] = stats
	}

	stats.count++
	stats.total += duration
	if duration < stats.min {
		stats.min = duration
	}
	if duration > stats.max {
		stats.max = duration
	}

	if len(stats.samples) >= sampleWindow {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, duration)
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *MetricsCollector) IncrementErrorCount(messageType string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorCounters[messageType] == nil {
		c.errorCounters[messageType] = make(map[string]int64)
	}
	c.errorCounters[messageType][errorType]++
}

// HandleEvent implements messaging.Observer
func (c *MetricsCollector) HandleEvent(event messaging.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventCounters[event.Kind()]++
}

// Reset clears all collected metrics
func (c *MetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// ProcessingStats summarises interceptor processing time for one message type
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// MetricsSummary is a snapshot of everything the collector holds
type MetricsSummary struct {
	Since           time.Time                   `json:"since"`
	MessageCounts   map[string]int64            `json:"message_counts"`
	ErrorCounts     map[string]map[string]int64 `json:"error_counts"`
	ErrorRate       float64                     `json:"error_rate"`
	ProcessingStats map[string]ProcessingStats  `json:"processing_stats"`
	EventCounts     map[string]int64            `json:"event_counts"`
}

// Summary returns a copy of the collected metrics
func (c *MetricsCollector) Summary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		Since:           c.startedAt,
		MessageCounts:   make(map[string]int64, len(c.messageCounters)),
		ErrorCounts:     make(map[string]map[string]int64, len(c.errorCounters)),
		ProcessingStats: make(map[string]ProcessingStats, len(c.processingTimes)),
		EventCounts:     make(map[string]int64, len(c.eventCounters)),
	}

	var total, failed int64
	for msgType, count := range c.messageCounters {
		summary.MessageCounts[msgType] = count
		total += count
	}
	for msgType, byKind := range c.errorCounters {
		summary.ErrorCounts[msgType] = make(map[string]int64, len(byKind))
		for errorType, count := range byKind {
			summary.ErrorCounts[msgType][errorType] = count
			failed += count
		}
	}
	if total > 0 {
		summary.ErrorRate = float64(failed) / float64(total)
	}

	for msgType, stats := range c.processingTimes {
		ps := ProcessingStats{
			Count: stats.count,
			MinMs: stats.min.Milliseconds(),
			MaxMs: stats.max.Milliseconds(),
		}
		if stats.count > 0 {
			ps.AvgMs = (stats.total / time.Duration(stats.count)).Milliseconds()
		}
		if len(stats.samples) > 0 {
			sorted := append([]time.Duration(nil), stats.samples...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			ps.P50Ms = percentile(sorted, 0.50).Milliseconds()
			ps.P95Ms = percentile(sorted, 0.95).Milliseconds()
			ps.P99Ms = percentile(sorted, 0.99).Milliseconds()
		}
		summary.ProcessingStats[msgType] = ps
	}

	for kind, count := range c.eventCounters {
		summary.EventCounts[string(kind)] = count
	}
	return summary
}

// percentile reads p from sorted samples
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// StatsSource provides the bus counters reported next to the collector
type StatsSource interface {
	GetStats() messaging.Stats
}

// BusSnapshot is the JSON form of messaging.Stats
type BusSnapshot struct {
	TotalMessages     int            `json:"total_messages"`
	ActiveConnections int            `json:"active_connections"`
	ByStatus          map[string]int `json:"by_status"`
	PendingRequests   int            `json:"pending_requests"`
	RetryQueueSize    int            `json:"retry_queue_size"`
	Conversations     int            `json:"conversations"`
}

// Report is the body served by Handler
type Report struct {
	Bus         *BusSnapshot   `json:"bus,omitempty"`
	Metrics     MetricsSummary `json:"metrics"`
	CollectedAt time.Time      `json:"collected_at"`
}

// NewReport combines bus counters, when stats is not nil, with the
// collector summary
func NewReport(collector *MetricsCollector, stats StatsSource) Report {
	report := Report{
		Metrics:     collector.Summary(),
		CollectedAt: time.Now(),
	}
	if stats != nil {
		s := stats.GetStats()
		snapshot := &BusSnapshot{
			TotalMessages:     s.TotalMessages,
			ActiveConnections: s.ActiveConnections,
			ByStatus:          make(map[string]int, len(s.ByStatus)),
			PendingRequests:   s.PendingRequests,
			RetryQueueSize:    s.RetryQueueSize,
			Conversations:     s.Conversations,
		}
		for status, n := range s.ByStatus {
			snapshot.ByStatus[string(status)] = n
		}
		report.Bus = snapshot
	}
	return report
}

// Handler serves NewReport as JSON
func Handler(collector *MetricsCollector, stats StatsSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(NewReport(collector, stats))
	})
}

var (
	_ interceptors.MetricsCollector = (*MetricsCollector)(nil)
	_ messaging.Observer            = (*MetricsCollector)(nil)
)
