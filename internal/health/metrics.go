// Package health exposes the liveness endpoint and Prometheus metrics
// for a running profile.
package health

import (
	"context"

	"github.com/dmarkelov/vkgrab/internal/bus"
	"github.com/dmarkelov/vkgrab/internal/status"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vkgrab_events_ingested_total",
			Help: "Total number of long-poll updates received.",
		},
	)
	messagesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vkgrab_messages_stored_total",
			Help: "Total number of messages written to chat files.",
		},
	)
	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vkgrab_reconnects_total",
			Help: "Total number of long-poll reconnects.",
		},
	)
	gapRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vkgrab_gap_recoveries_total",
			Help: "Total number of missed-event history replays.",
		},
	)
	fileRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vkgrab_file_recoveries_total",
			Help: "Total number of chat files recovered, by source.",
		},
		[]string{"via"},
	)
	filesCorruptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vkgrab_files_corrupted_total",
			Help: "Total number of chat files quarantined as unrecoverable.",
		},
	)
	bufferedOpsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vkgrab_buffered_ops_total",
			Help: "Total number of failed operations queued for replay.",
		},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vkgrab_connection_state",
			Help: "Current connection state, one-hot per state label.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		eventsIngestedTotal,
		messagesStoredTotal,
		reconnectsTotal,
		gapRecoveriesTotal,
		fileRecoveriesTotal,
		filesCorruptedTotal,
		bufferedOpsTotal,
		connectionState,
	)
}

var allStates = []status.State{
	status.Stopped, status.Connecting, status.Connected,
	status.Polling, status.Reconnecting,
}

func setConnectionState(s status.State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1.0
		}
		connectionState.WithLabelValues(string(st)).Set(v)
	}
}

// CollectBusMetrics consumes bus events and counts them until ctx ends.
func CollectBusMetrics(ctx context.Context, b *bus.Bus) {
	events, unsubscribe := b.Subscribe("", 256)
	defer unsubscribe()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			record(evt)
		case <-ctx.Done():
			return
		}
	}
}

func record(evt bus.Event) {
	switch evt.Kind {
	case bus.KindEventReceived:
		eventsIngestedTotal.Inc()
	case bus.KindMessageStored:
		messagesStoredTotal.Inc()
	case bus.KindGapRecovered:
		gapRecoveriesTotal.Inc()
	case bus.KindFileCorrupted:
		filesCorruptedTotal.Inc()
	case bus.KindOpBuffered:
		bufferedOpsTotal.Inc()
	case bus.KindFileRecovered:
		via := "unknown"
		if p, ok := evt.Payload.(map[string]string); ok && p["via"] != "" {
			via = p["via"]
		}
		fileRecoveriesTotal.WithLabelValues(via).Inc()
	case bus.KindStatusChanged:
		change, ok := evt.Payload.(status.StatusChange)
		if !ok {
			return
		}
		setConnectionState(change.To)
		if change.To == status.Reconnecting {
			reconnectsTotal.Inc()
		}
	}
}
