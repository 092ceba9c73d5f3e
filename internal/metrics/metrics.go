// Package metrics exposes the pipeline's operational counters and
// gauges via prometheus/client_golang: ring overruns per channel,
// demuxer drops, the last noise-reduction dB and localiser confidence,
// and per-channel RMS (§6 "observable outputs", §11, §12.2).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every collector the pipeline updates.
type Metrics struct {
	RingOverruns     *prometheus.CounterVec
	DemuxDrops       prometheus.Counter
	NoiseReductionDB prometheus.Gauge
	LocaliserConf    prometheus.Gauge
	ChannelRMS       *prometheus.GaugeVec
}

// New registers and returns a fresh Metrics set on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RingOverruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "micarray",
			Name:      "ring_overruns_total",
			Help:      "Samples dropped due to ring buffer overrun, per channel.",
		}, []string{"channel"}),
		DemuxDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "micarray",
			Name:      "demux_drops_total",
			Help:      "Sample frames dropped by the demuxer's all-or-nothing rule.",
		}),
		NoiseReductionDB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "micarray",
			Name:      "noise_reduction_db",
			Help:      "Most recent block's noise-reduction level in dB.",
		}),
		LocaliserConf: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "micarray",
			Name:      "localiser_confidence",
			Help:      "Most recent block's localiser confidence in [-1,1].",
		}),
		ChannelRMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "micarray",
			Name:      "channel_rms",
			Help:      "Most recent block's RMS level, per channel.",
		}, []string{"channel"}),
	}

	reg.MustRegister(m.RingOverruns, m.DemuxDrops, m.NoiseReductionDB, m.LocaliserConf, m.ChannelRMS)
	return m
}
