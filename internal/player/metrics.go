package player

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	segmentsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abrplay_segments_fetched_total",
		Help: "Media segments downloaded, by track and representation",
	}, []string{"track", "representation"})

	segmentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abrplay_segment_bytes_total",
		Help: "Bytes of media segment payload downloaded",
	}, []string{"track"})

	fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abrplay_fetch_errors_total",
		Help: "Failed segment downloads by error kind",
	}, []string{"track", "kind"})

	// switches counts completed representation changes; the initial
	// selection is not a switch.
	switches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abrplay_representation_switches_total",
		Help: "Completed representation switches",
	}, []string{"track"})

	seeks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abrplay_seeks_total",
		Help: "Seek requests by result",
	}, []string{"result"})

	staleResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abrplay_stale_results_total",
		Help: "Fetch results and sink operations dropped because their session was superseded",
	}, []string{"track", "op"})

	bufferedAhead = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "abrplay_buffered_ahead_seconds",
		Help: "Media buffered ahead of the playback position",
	}, []string{"track"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "abrplay_append_queue_depth",
		Help: "Sink operations waiting in the append queue",
	}, []string{"track"})

	throughput = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "abrplay_throughput_bits_per_second",
		Help: "Current throughput estimate",
	})

	representationBandwidth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "abrplay_representation_bandwidth_bits",
		Help: "Declared bandwidth of the active representation",
	}, []string{"track"})
)
