// Package metrics exposes the audio-plane fabric's counters and gauges
// as a prometheus.Collector, following the same provider-interface
// pattern the rest of this codebase uses: a Collector is constructed
// once from whatever subsystems are available, and each Collect call
// queries them fresh at scrape time.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionCounter exposes the number of currently active STT sessions.
type SessionCounter interface {
	ActiveSessionCount() int
}

// ShmStats exposes SHM ring backpressure counters aggregated across
// every open channel.
type ShmStats interface {
	TotalDroppedFrames() uint64
}

// OutboundQueueStats exposes the TTS-outbound queue's trim behavior.
type OutboundQueueStats interface {
	TotalQueueTrims() uint64
	QueuedFrames() int
}

// VadStats exposes VAD chunk emission counts across all calls.
type VadStats interface {
	TotalChunksEmitted() uint64
}

// PacerStats exposes the outbound pacer's timing behavior.
type PacerStats interface {
	TicksEmitted() uint64
	MissedTicks() uint64
}

// Collector is a prometheus.Collector gathering audio-plane fabric
// metrics at scrape time. Any provider may be nil if the owning process
// doesn't run that subsystem (e.g. cmd/sttd has no PacerStats).
type Collector struct {
	sessions  SessionCounter
	shm       ShmStats
	outbound  OutboundQueueStats
	vad       VadStats
	pacer     PacerStats
	startTime time.Time

	activeSessionsDesc *prometheus.Desc
	shmDroppedDesc     *prometheus.Desc
	queueTrimsDesc     *prometheus.Desc
	queueDepthDesc     *prometheus.Desc
	vadChunksDesc      *prometheus.Desc
	pacerTicksDesc     *prometheus.Desc
	pacerMissedDesc    *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a metrics collector. Any provider may be nil.
func NewCollector(
	sessions SessionCounter,
	shm ShmStats,
	outbound OutboundQueueStats,
	vad VadStats,
	pacer PacerStats,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:  sessions,
		shm:       shm,
		outbound:  outbound,
		vad:       vad,
		pacer:     pacer,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"audiofab_active_sessions",
			"Number of currently active STT sessions",
			nil, nil,
		),
		shmDroppedDesc: prometheus.NewDesc(
			"audiofab_shm_dropped_frames_total",
			"Total frames evicted by SHM ring backpressure",
			nil, nil,
		),
		queueTrimsDesc: prometheus.NewDesc(
			"audiofab_outbound_queue_trims_total",
			"Total times the outbound TTS queue was trimmed for exceeding its cap",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"audiofab_outbound_queue_frames",
			"Current depth of the outbound TTS queue, in 160-byte frames",
			nil, nil,
		),
		vadChunksDesc: prometheus.NewDesc(
			"audiofab_vad_chunks_emitted_total",
			"Total VAD chunks emitted to the STT across all calls",
			nil, nil,
		),
		pacerTicksDesc: prometheus.NewDesc(
			"audiofab_pacer_ticks_total",
			"Total 20ms pacing ticks emitted by outbound processors",
			nil, nil,
		),
		pacerMissedDesc: prometheus.NewDesc(
			"audiofab_pacer_missed_ticks_total",
			"Total pacing ticks that fired late",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"audiofab_uptime_seconds",
			"Seconds since this process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.shmDroppedDesc
	ch <- c.queueTrimsDesc
	ch <- c.queueDepthDesc
	ch <- c.vadChunksDesc
	ch <- c.pacerTicksDesc
	ch <- c.pacerMissedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveSessionCount()),
		)
	}

	if c.shm != nil {
		ch <- prometheus.MustNewConstMetric(
			c.shmDroppedDesc, prometheus.CounterValue,
			float64(c.shm.TotalDroppedFrames()),
		)
	}

	if c.outbound != nil {
		ch <- prometheus.MustNewConstMetric(
			c.queueTrimsDesc, prometheus.CounterValue,
			float64(c.outbound.TotalQueueTrims()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.queueDepthDesc, prometheus.GaugeValue,
			float64(c.outbound.QueuedFrames()),
		)
	}

	if c.vad != nil {
		ch <- prometheus.MustNewConstMetric(
			c.vadChunksDesc, prometheus.CounterValue,
			float64(c.vad.TotalChunksEmitted()),
		)
	}

	if c.pacer != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pacerTicksDesc, prometheus.CounterValue,
			float64(c.pacer.TicksEmitted()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.pacerMissedDesc, prometheus.CounterValue,
			float64(c.pacer.MissedTicks()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

const metricsReadHeaderTimeout = 3 * time.Second

// Serve registers c with a fresh registry and runs a /metrics scrape
// endpoint on addr until ctx is cancelled, mirroring the corpus's
// promhttp.Handler-on-its-own-mux convention rather than touching
// http.DefaultServeMux.
func Serve(ctx context.Context, addr string, c *Collector) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(c); err != nil {
		return fmt.Errorf("metrics: registering collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: metricsReadHeaderTimeout}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsReadHeaderTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: serving: %w", err)
	}
}
