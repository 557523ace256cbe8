package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitepeek/internal/progress"
)

// PrometheusSink exports render and download lifecycle metrics.
type PrometheusSink struct {
	rendersStarted   *prometheus.CounterVec
	rendersCompleted *prometheus.CounterVec
	rendersInFlight  prometheus.Gauge
	renderDuration   *prometheus.HistogramVec

	probeResults *prometheus.CounterVec

	downloads     *prometheus.CounterVec
	downloadBytes prometheus.Counter

	tracker *renderTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		rendersStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepeek_renders_started_total",
			Help: "Render resolutions started, partitioned by flow.",
		}, []string{"flow"}),
		rendersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepeek_renders_completed_total",
			Help: "Render resolutions completed, partitioned by flow, provider, and result.",
		}, []string{"flow", "provider", "result"}),
		rendersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitepeek_renders_in_flight",
			Help: "Render resolutions currently in progress.",
		}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitepeek_render_duration_seconds",
			Help:    "Wall time per render resolution.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 3, 5, 10},
		}, []string{"flow", "result"}),
		probeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepeek_probe_results_total",
			Help: "Probe completions partitioned by provider and status class.",
		}, []string{"provider", "status_class"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepeek_downloads_total",
			Help: "Proxied downloads partitioned by status class.",
		}, []string{"status_class"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepeek_download_bytes_total",
			Help: "Image bytes served by proxied downloads.",
		}),
		tracker: newRenderTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.rendersStarted,
		s.rendersCompleted,
		s.rendersInFlight,
		s.renderDuration,
		s.probeResults,
		s.downloads,
		s.downloadBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRenderStart:
		s.rendersStarted.WithLabelValues(label(evt.Flow)).Inc()
		if s.tracker.start(evt.RenderID) {
			s.rendersInFlight.Inc()
		}
	case progress.StageRenderDone:
		s.finishRender(evt, "success")
	case progress.StageRenderError:
		s.finishRender(evt, "error")
	case progress.StageProbeDone:
		s.probeResults.WithLabelValues(label(evt.Provider), string(statusClass(evt))).Inc()
	case progress.StageDownloadDone, progress.StageDownloadError:
		s.downloads.WithLabelValues(string(statusClass(evt))).Inc()
		if evt.Bytes > 0 {
			s.downloadBytes.Add(float64(evt.Bytes))
		}
	}
}

func (s *PrometheusSink) finishRender(evt progress.Event, result string) {
	s.rendersCompleted.WithLabelValues(label(evt.Flow), label(evt.Provider), result).Inc()
	if evt.Dur > 0 {
		s.renderDuration.WithLabelValues(label(evt.Flow), result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RenderID) {
		s.rendersInFlight.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func statusClass(evt progress.Event) progress.StatusClass {
	if evt.StatusClass == "" {
		return progress.StatusOther
	}
	return evt.StatusClass
}

type renderTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRenderTracker() *renderTracker {
	return &renderTracker{running: make(map[[16]byte]struct{})}
}

func (t *renderTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *renderTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
