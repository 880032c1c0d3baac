package prometheus

import (
	"time"

	"github.com/composablefi/picasso-indexer/internal/metrics/metricsTypes"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type PrometheusMetricsConfig struct {
	Metrics map[metricsTypes.MetricsType][]metricsTypes.MetricsTypeConfig
}

// PrometheusMetricsClient pre-registers every configured metric so that emit
// calls only ever look up known collectors. Emitting an unconfigured metric
// logs and is otherwise a no-op.
type PrometheusMetricsClient struct {
	logger *zap.Logger
	config *PrometheusMetricsConfig

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusMetricsClient(config *PrometheusMetricsConfig, l *zap.Logger) (*PrometheusMetricsClient, error) {
	client := &PrometheusMetricsClient{
		config:     config,
		logger:     l,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	client.registerConfiguredMetrics()
	return client, nil
}

func (pmc *PrometheusMetricsClient) registerConfiguredMetrics() {
	for metricType, configs := range pmc.config.Metrics {
		for _, mt := range configs {
			if pmc.alreadyRegistered(metricType, mt.Name) {
				pmc.logger.Sugar().Warnw("Prometheus metric already exists for type",
					zap.String("type", string(metricType)),
					zap.String("name", mt.Name),
				)
				continue
			}
			switch metricType {
			case metricsTypes.MetricsType_Incr:
				c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: mt.Name}, mt.Labels)
				prometheus.MustRegister(c)
				pmc.counters[mt.Name] = c
			case metricsTypes.MetricsType_Gauge:
				g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: mt.Name}, mt.Labels)
				prometheus.MustRegister(g)
				pmc.gauges[mt.Name] = g
			case metricsTypes.MetricsType_Timing:
				h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: mt.Name}, mt.Labels)
				prometheus.MustRegister(h)
				pmc.histograms[mt.Name] = h
			}
		}
	}
}

func (pmc *PrometheusMetricsClient) alreadyRegistered(t metricsTypes.MetricsType, name string) bool {
	switch t {
	case metricsTypes.MetricsType_Incr:
		_, ok := pmc.counters[name]
		return ok
	case metricsTypes.MetricsType_Gauge:
		_, ok := pmc.gauges[name]
		return ok
	case metricsTypes.MetricsType_Timing:
		_, ok := pmc.histograms[name]
		return ok
	}
	return false
}

func (pmc *PrometheusMetricsClient) formatLabels(labels []metricsTypes.MetricsLabel) prometheus.Labels {
	formatted := make(prometheus.Labels, len(labels))
	for _, label := range labels {
		formatted[label.Name] = label.Value
	}
	return formatted
}

func (pmc *PrometheusMetricsClient) warnUnknown(kind string, name string) {
	pmc.logger.Sugar().Warnw("Prometheus "+kind+" not found",
		zap.String("name", name),
	)
}

func (pmc *PrometheusMetricsClient) Incr(name string, labels []metricsTypes.MetricsLabel, value float64) error {
	m, ok := pmc.counters[name]
	if !ok {
		pmc.warnUnknown("incr", name)
		return nil
	}
	m.With(pmc.formatLabels(labels)).Add(value)
	return nil
}

func (pmc *PrometheusMetricsClient) Gauge(name string, value float64, labels []metricsTypes.MetricsLabel) error {
	m, ok := pmc.gauges[name]
	if !ok {
		pmc.warnUnknown("gauge", name)
		return nil
	}
	m.With(pmc.formatLabels(labels)).Set(value)
	return nil
}

func (pmc *PrometheusMetricsClient) Timing(name string, value time.Duration, labels []metricsTypes.MetricsLabel) error {
	m, ok := pmc.histograms[name]
	if !ok {
		pmc.warnUnknown("histogram", name)
		return nil
	}
	m.With(pmc.formatLabels(labels)).Observe(float64(value.Milliseconds()))
	return nil
}
