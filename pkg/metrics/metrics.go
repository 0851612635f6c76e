// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kaito-project/finetune/pkg/preprocess"
)

// Metrics collects preprocessing statistics on a private registry so that
// several runs in one process never collide.
type Metrics struct {
	Registry *prometheus.Registry

	ExamplesTotal    *prometheus.CounterVec
	TruncatedTotal   prometheus.Counter
	EOSAppendedTotal prometheus.Counter
	FullyMaskedTotal prometheus.Counter
	DroppedTotal     *prometheus.CounterVec
	SequenceLength   prometheus.Histogram
	MaskedPrefix     prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ExamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finetune_examples_total",
			Help: "Tokenized examples written, by split",
		}, []string{"split"}),
		TruncatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finetune_examples_truncated_total",
			Help: "Examples cut at the cutoff length",
		}),
		EOSAppendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finetune_examples_eos_appended_total",
			Help: "Examples terminated with an appended end-of-sequence token",
		}),
		FullyMaskedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finetune_examples_fully_masked_total",
			Help: "Examples whose labels are all ignored",
		}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finetune_examples_dropped_total",
			Help: "Examples filtered out before writing, by reason",
		}, []string{"reason"}),
		SequenceLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "finetune_sequence_length_tokens",
			Help:    "Distribution of tokenized sequence lengths",
			Buckets: []float64{32, 64, 128, 256, 512, 1024, 2048, 4096, 8192},
		}),
		MaskedPrefix: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "finetune_masked_prefix_tokens",
			Help:    "Distribution of label-masked prompt lengths",
			Buckets: []float64{16, 32, 64, 128, 256, 512, 1024, 2048},
		}),
	}
	m.Registry.MustRegister(
		m.ExamplesTotal,
		m.TruncatedTotal,
		m.EOSAppendedTotal,
		m.FullyMaskedTotal,
		m.DroppedTotal,
		m.SequenceLength,
		m.MaskedPrefix,
	)
	return m
}

// ObserveExample implements preprocess.Observer.
func (m *Metrics) ObserveExample(stats preprocess.ExampleStats) {
	m.SequenceLength.Observe(float64(stats.Length))
	if stats.MaskedPrefix > 0 {
		m.MaskedPrefix.Observe(float64(stats.MaskedPrefix))
	}
	if stats.Truncated {
		m.TruncatedTotal.Inc()
	}
	if stats.EOSAppended {
		m.EOSAppendedTotal.Inc()
	}
	if stats.FullyMasked {
		m.FullyMaskedTotal.Inc()
	}
}

func (m *Metrics) ObserveWritten(split string, n int) {
	m.ExamplesTotal.WithLabelValues(split).Add(float64(n))
}

func (m *Metrics) ObserveDropped(reason string, n int) {
	m.DroppedTotal.WithLabelValues(reason).Add(float64(n))
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

var _ preprocess.Observer = &Metrics{}
