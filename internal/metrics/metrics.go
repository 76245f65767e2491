package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/callbridge/callbridge/internal/store/models"
)

// SessionCounter returns the number of non-terminal call sessions.
type SessionCounter interface {
	CountNonTerminal(ctx context.Context) (int64, error)
}

// RecordingCounter returns recording counts grouped by status.
type RecordingCounter interface {
	CountByStatus(ctx context.Context) (map[models.RecordingStatus]int64, error)
}

// EscalationCounter returns fired and unacknowledged escalation counts.
type EscalationCounter interface {
	Count(ctx context.Context) (int64, error)
	CountUnacknowledged(ctx context.Context) (int64, error)
}

// DispatchCounter returns the notification delivery queue depth.
type DispatchCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// SignalCounter returns the number of stored but unconsumed signals.
type SignalCounter interface {
	CountUnconsumed(ctx context.Context) (int64, error)
}

// UploadStatsProvider exposes the recording pipeline's live counters.
type UploadStatsProvider interface {
	UploadQueueDepth() int64
	UploadRetries() int64
	DroppedFeeds() int64
}

// RelayStatsProvider exposes signaling fan-out counters.
type RelayStatsProvider interface {
	DroppedDeliveries() int64
}

// Collector is a prometheus.Collector that gathers CallBridge metrics at scrape time.
type Collector struct {
	sessions    SessionCounter
	recordings  RecordingCounter
	escalations EscalationCounter
	dispatches  DispatchCounter
	signals     SignalCounter
	uploads     UploadStatsProvider
	relay       RelayStatsProvider
	startTime   time.Time

	// Metric descriptors.
	activeCallsDesc       *prometheus.Desc
	recordingsDesc        *prometheus.Desc
	escalationsDesc       *prometheus.Desc
	escalationsUnackDesc  *prometheus.Desc
	dispatchesPendingDesc *prometheus.Desc
	uploadQueueDesc       *prometheus.Desc
	uploadRetriesDesc     *prometheus.Desc
	feedsDroppedDesc      *prometheus.Desc
	signalBacklogDesc     *prometheus.Desc
	deliveriesDroppedDesc *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions SessionCounter,
	recordings RecordingCounter,
	escalations EscalationCounter,
	dispatches DispatchCounter,
	signals SignalCounter,
	uploads UploadStatsProvider,
	relay RelayStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:    sessions,
		recordings:  recordings,
		escalations: escalations,
		dispatches:  dispatches,
		signals:     signals,
		uploads:     uploads,
		relay:       relay,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"callbridge_active_calls",
			"Number of non-terminal call sessions (initiated + ringing + connected)",
			nil, nil,
		),
		recordingsDesc: prometheus.NewDesc(
			"callbridge_recordings",
			"Number of recordings by lifecycle status",
			[]string{"status"}, nil,
		),
		escalationsDesc: prometheus.NewDesc(
			"callbridge_escalations_total",
			"Total escalation events fired",
			nil, nil,
		),
		escalationsUnackDesc: prometheus.NewDesc(
			"callbridge_escalations_unacknowledged",
			"Escalation events awaiting acknowledgement",
			nil, nil,
		),
		dispatchesPendingDesc: prometheus.NewDesc(
			"callbridge_escalation_dispatches_pending",
			"Escalation notifications waiting for delivery",
			nil, nil,
		),
		uploadQueueDesc: prometheus.NewDesc(
			"callbridge_upload_queue_depth",
			"Recording segments queued or in flight to blob storage",
			nil, nil,
		),
		uploadRetriesDesc: prometheus.NewDesc(
			"callbridge_upload_retries_total",
			"Total segment upload attempts that failed and were retried",
			nil, nil,
		),
		feedsDroppedDesc: prometheus.NewDesc(
			"callbridge_recording_frames_dropped_total",
			"Media frames dropped because a capture spool could not keep up",
			nil, nil,
		),
		signalBacklogDesc: prometheus.NewDesc(
			"callbridge_signal_backlog",
			"Stored signaling messages not yet consumed by their receiver",
			nil, nil,
		),
		deliveriesDroppedDesc: prometheus.NewDesc(
			"callbridge_signal_deliveries_dropped_total",
			"Live signal deliveries dropped because a subscriber was too slow",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callbridge_uptime_seconds",
			"Seconds since the CallBridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.recordingsDesc
	ch <- c.escalationsDesc
	ch <- c.escalationsUnackDesc
	ch <- c.dispatchesPendingDesc
	ch <- c.uploadQueueDesc
	ch <- c.uploadRetriesDesc
	ch <- c.feedsDroppedDesc
	ch <- c.signalBacklogDesc
	ch <- c.deliveriesDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		count, err := c.sessions.CountNonTerminal(ctx)
		if err != nil {
			slog.Error("metrics: failed to count active calls", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.activeCallsDesc, prometheus.GaugeValue, float64(count),
			)
		}
	}

	// One gauge per recording status so absent statuses read as zero.
	if c.recordings != nil {
		counts, err := c.recordings.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count recordings", "error", err)
		} else {
			for _, status := range []models.RecordingStatus{
				models.RecordingIdle, models.RecordingActive, models.RecordingPaused,
				models.RecordingStopped, models.RecordingUploading,
				models.RecordingReady, models.RecordingFailed,
			} {
				ch <- prometheus.MustNewConstMetric(
					c.recordingsDesc, prometheus.GaugeValue,
					float64(counts[status]), string(status),
				)
			}
		}
	}

	if c.escalations != nil {
		total, err := c.escalations.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count escalations", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.escalationsDesc, prometheus.CounterValue, float64(total),
			)
		}
		open, err := c.escalations.CountUnacknowledged(ctx)
		if err != nil {
			slog.Error("metrics: failed to count unacknowledged escalations", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.escalationsUnackDesc, prometheus.GaugeValue, float64(open),
			)
		}
	}

	if c.dispatches != nil {
		pending, err := c.dispatches.CountPending(ctx)
		if err != nil {
			slog.Error("metrics: failed to count pending dispatches", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.dispatchesPendingDesc, prometheus.GaugeValue, float64(pending),
			)
		}
	}

	if c.uploads != nil {
		ch <- prometheus.MustNewConstMetric(
			c.uploadQueueDesc, prometheus.GaugeValue,
			float64(c.uploads.UploadQueueDepth()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.uploadRetriesDesc, prometheus.CounterValue,
			float64(c.uploads.UploadRetries()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.feedsDroppedDesc, prometheus.CounterValue,
			float64(c.uploads.DroppedFeeds()),
		)
	}

	if c.signals != nil {
		backlog, err := c.signals.CountUnconsumed(ctx)
		if err != nil {
			slog.Error("metrics: failed to count signal backlog", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.signalBacklogDesc, prometheus.GaugeValue, float64(backlog),
			)
		}
	}

	if c.relay != nil {
		ch <- prometheus.MustNewConstMetric(
			c.deliveriesDroppedDesc, prometheus.CounterValue,
			float64(c.relay.DroppedDeliveries()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
