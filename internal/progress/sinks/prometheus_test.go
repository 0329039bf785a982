package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/order-history-scraper/internal/progress"
	"github.com/JakeFAU/order-history-scraper/internal/stats"
)

// TestPrometheusSinkRecordsMetrics ensures gauges mirror the latest snapshot per purpose.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	session := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{SessionID: session, TS: now, Stage: progress.StageSessionStart, Purpose: "2024"},
		{SessionID: session, TS: now.Add(time.Second), Stage: progress.StageStatistics, Purpose: "2024",
			Stats: stats.Snapshot{Queued: 5, Running: 2, Succeeded: 7, CacheHit: 3}},
		{SessionID: session, TS: now.Add(2 * time.Second), Stage: progress.StageSignInRequired, Purpose: "2024",
			URL: "https://www.amazon.com/ap/signin", Stats: stats.Snapshot{Queued: 4, Running: 0, Succeeded: 8, CacheHit: 3}},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 4.0, testutil.ToFloat64(sink.counters.WithLabelValues("2024", string(stats.Queued))))
	require.Equal(t, 8.0, testutil.ToFloat64(sink.counters.WithLabelValues("2024", string(stats.Succeeded))))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.counters.WithLabelValues("2024", string(stats.CacheHit))))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.signIns))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessions.WithLabelValues(string(progress.StageSessionStart))))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.activePurpose.WithLabelValues("2024")))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: session, TS: now.Add(3 * time.Second), Stage: progress.StageSessionEnd, Purpose: "2024"},
	}))
	require.Equal(t, 0, testutil.CollectAndCount(sink.activePurpose))
}

func TestPrometheusSinkSharesCollectorsOnOneRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	second, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	require.Same(t, first.counters, second.counters)

	require.NoError(t, second.Consume(context.Background(), []progress.Event{
		{TS: time.Now(), Stage: progress.StageSessionStart, Purpose: "2023"},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(first.sessions.WithLabelValues(string(progress.StageSessionStart))))
}

func TestPrometheusSinkRejectsConflictingCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scraper_statistics",
		Help: "Latest scrape statistics partitioned by purpose and counter.",
	}))
	_, err := NewPrometheusSink(reg)
	require.Error(t, err)
}
