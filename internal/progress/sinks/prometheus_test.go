package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/sitepeek/internal/progress"
)

// TestPrometheusSinkRecordsRenderLifecycle ensures a full render updates every collector.
func TestPrometheusSinkRecordsRenderLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RenderID: id, TS: now, Stage: progress.StageRenderStart, Flow: "standard"},
		{
			RenderID: id, TS: now, Stage: progress.StageProbeDone, Flow: "standard",
			Provider: "mini-s-shot-ru", StatusClass: progress.Status5xx, Dur: 3 * time.Second,
		},
		{
			RenderID: id, TS: now, Stage: progress.StageRenderDone, Flow: "standard",
			Provider: "thum-io", Dur: 3 * time.Second,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.rendersStarted.WithLabelValues("standard")), 1e-9)
	require.InDelta(t, 1.0,
		testutil.ToFloat64(sink.rendersCompleted.WithLabelValues("standard", "thum-io", "success")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.rendersInFlight), 1e-9)
	require.InDelta(t, 1.0,
		testutil.ToFloat64(sink.probeResults.WithLabelValues("mini-s-shot-ru", string(progress.Status5xx))), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.renderDuration, "sitepeek_render_duration_seconds"))
}

// TestPrometheusSinkRecordsDownloads covers the download counters.
func TestPrometheusSinkRecordsDownloads(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	id := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RenderID: id, TS: time.Now(), Stage: progress.StageDownloadDone, StatusClass: progress.Status2xx, Bytes: 4096},
		{RenderID: id, TS: time.Now(), Stage: progress.StageDownloadError, StatusClass: progress.Status4xx},
	}))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.downloads.WithLabelValues("2xx")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.downloads.WithLabelValues("4xx")), 1e-9)
	require.InDelta(t, 4096.0, testutil.ToFloat64(sink.downloadBytes), 1e-9)
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}

// TestLogSinkWritesFields ensures each event becomes one log entry.
func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	id := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RenderID: id, TS: time.Now(), Stage: progress.StageRenderError, Flow: "fast", Note: "boom"},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "RENDER_ERROR", fields["stage"])
	require.Equal(t, "boom", fields["note"])
	require.Equal(t, uuid.UUID(id).String(), fields["render_id"])
}
