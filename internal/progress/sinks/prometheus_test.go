package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{TS: now, Stage: progress.StageRunStart},
		{
			TS:          now,
			Stage:       progress.StageFetchDone,
			Source:      "thegioiskinfood",
			Class:       "review",
			Bytes:       2048,
			StatusClass: progress.Status2xx,
			Dur:         300 * time.Millisecond,
		},
		{TS: now, Stage: progress.StageFetchRetry, Source: "thegioiskinfood", Class: "review"},
		{TS: now, Stage: progress.StageFetchError, Source: "thegioiskinfood", Class: "review", Note: "permanent"},
		{TS: now, Stage: progress.StageUnitDone, Unit: "cosrx", Note: "degraded"},
		{TS: now, Stage: progress.StageUnitError, Unit: "klairs"},
		{TS: now, Stage: progress.StageRunDone, Dur: time.Minute},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fetchRequests.WithLabelValues("thegioiskinfood", "review", "2xx")))
	require.Equal(t, 2048.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("thegioiskinfood")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fetchRetries.WithLabelValues("thegioiskinfood", "review")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fetchFailures.WithLabelValues("thegioiskinfood", "review", "permanent")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.unitsCompleted.WithLabelValues("degraded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.unitsCompleted.WithLabelValues("failed")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "harvester_fetch_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkConsume(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(zap.NewNop())
	err := sink.Consume(context.Background(), []progress.Event{
		{TS: time.Now(), Stage: progress.StageFetchRetry, Class: "product", Note: "status 503"},
		{TS: time.Now(), Stage: progress.StageRunStart},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
}
