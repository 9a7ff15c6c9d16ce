package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unidel2035/agentbus/contracts"
	"github.com/unidel2035/agentbus/interceptors"
	"github.com/unidel2035/agentbus/internal/transporttest"
	"github.com/unidel2035/agentbus/messaging"
	"github.com/unidel2035/agentbus/transports/memory"
)

func TestMetricsCollector(t *testing.T) {
	t.Run("starts empty", func(t *testing.T) {
		summary := NewMetricsCollector().Summary()
		assert.Empty(t, summary.MessageCounts)
		assert.Empty(t, summary.ErrorCounts)
		assert.Empty(t, summary.ProcessingStats)
		assert.Empty(t, summary.EventCounts)
		assert.Zero(t, summary.ErrorRate)
	})

	t.Run("counts messages per type", func(t *testing.T) {
		collector := NewMetricsCollector()
		collector.IncrementMessageCount("request")
		collector.IncrementMessageCount("request")
		collector.IncrementMessageCount("notification")

		summary := collector.Summary()
		assert.Equal(t, int64(2), summary.MessageCounts["request"])
		assert.Equal(t, int64(1), summary.MessageCounts["notification"])
	})

	t.Run("processing time statistics", func(t *testing.T) {
		collector := NewMetricsCollector()
		collector.RecordProcessingTime("request", 100*time.Millisecond)
		collector.RecordProcessingTime("request", 200*time.Millisecond)
		collector.RecordProcessingTime("request", 150*time.Millisecond)

		stats := collector.Summary().ProcessingStats["request"]
		assert.Equal(t, int64(3), stats.Count)
		assert.Equal(t, int64(150), stats.AvgMs)
		assert.Equal(t, int64(100), stats.MinMs)
		assert.Equal(t, int64(200), stats.MaxMs)
		assert.Equal(t, int64(150), stats.P50Ms)
		assert.Equal(t, int64(150), stats.P95Ms)
	})

	t.Run("percentiles use the most recent samples", func(t *testing.T) {
		collector := NewMetricsCollector()
		for i := 0; i < sampleWindow; i++ {
			collector.RecordProcessingTime("request", time.Second)
		}
		for i := 0; i < sampleWindow; i++ {
			collector.RecordProcessingTime("request", time.Millisecond)
		}

		stats := collector.Summary().ProcessingStats["request"]
		assert.Equal(t, int64(2*sampleWindow), stats.Count)
		assert.Equal(t, int64(1000), stats.MaxMs)
		assert.Equal(t, int64(1), stats.P99Ms)
	})

	t.Run("errors and error rate", func(t *testing.T) {
		collector := NewMetricsCollector()
		for i := 0; i < 4; i++ {
			collector.IncrementMessageCount("request")
		}
		collector.IncrementErrorCount("request", "rate_limited")
		collector.IncrementErrorCount("request", "rate_limited")
		collector.IncrementErrorCount("request", "invalid")

		summary := collector.Summary()
		assert.Equal(t, int64(2), summary.ErrorCounts["request"]["rate_limited"])
		assert.Equal(t, int64(1), summary.ErrorCounts["request"]["invalid"])
		assert.InDelta(t, 0.75, summary.ErrorRate, 0.0001)
	})

	t.Run("counts events by kind", func(t *testing.T) {
		collector := NewMetricsCollector()
		collector.HandleEvent(messaging.ConnectionEvent{AgentID: "worker", Connected: true})
		collector.HandleEvent(messaging.ConnectionEvent{AgentID: "worker", Connected: false})
		collector.HandleEvent(messaging.ConnectionEvent{AgentID: "planner", Connected: true})

		events := collector.Summary().EventCounts
		assert.Equal(t, int64(2), events[string(messaging.EventConnectionRegistered)])
		assert.Equal(t, int64(1), events[string(messaging.EventConnectionUnregistered)])
	})

	t.Run("summary is a copy", func(t *testing.T) {
		collector := NewMetricsCollector()
		collector.IncrementErrorCount("request", "invalid")

		summary := collector.Summary()
		summary.ErrorCounts["request"]["invalid"] = 99
		assert.Equal(t, int64(1), collector.Summary().ErrorCounts["request"]["invalid"])
	})

	t.Run("reset", func(t *testing.T) {
		collector := NewMetricsCollector()
		collector.IncrementMessageCount("request")
		collector.HandleEvent(messaging.ConnectionEvent{Connected: true})
		collector.Reset()

		summary := collector.Summary()
		assert.Empty(t, summary.MessageCounts)
		assert.Empty(t, summary.EventCounts)
	})
}

func TestCollectorOnBus(t *testing.T) {
	collector := NewMetricsCollector()
	bus, err := messaging.NewBus(messaging.WithInterceptors(interceptors.NewMetricsInterceptor(collector)))
	require.NoError(t, err)
	defer bus.Shutdown(context.Background())
	bus.Subscribe(collector)

	busSide, agentSide := memory.Pipe(8)
	require.NoError(t, bus.RegisterConnection("worker", busSide))

	transporttest.WriteEnvelope(t, agentSide, &contracts.Envelope{
		Version:   contracts.ProtocolVersion,
		ID:        contracts.NewConversationID(),
		Type:      contracts.MessageTypeNotification,
		From:      "worker",
		To:        "planner",
		Payload:   "done",
		Timestamp: time.Now().UTC(),
	})

	assert.Eventually(t, func() bool {
		summary := collector.Summary()
		return summary.MessageCounts["notification"] == 1 &&
			summary.EventCounts[string(messaging.EventNotification)] == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), collector.Summary().EventCounts[string(messaging.EventConnectionRegistered)])

	t.Run("handler serves bus and collector", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Handler(collector, bus).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		require.NotNil(t, report.Bus)
		assert.Equal(t, 1, report.Bus.ActiveConnections)
		assert.Contains(t, report.Bus.ByStatus, "pending")
		assert.Equal(t, int64(1), report.Metrics.MessageCounts["notification"])
	})

	t.Run("handler without bus", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Handler(collector, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Nil(t, report.Bus)
	})

	t.Run("handler rejects writes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Handler(collector, bus).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
