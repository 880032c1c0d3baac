package metricsTypes

import "time"

type IMetricsClient interface {
	Incr(name string, labels []MetricsLabel, value float64) error
	Gauge(name string, value float64, labels []MetricsLabel) error
	Timing(name string, value time.Duration, labels []MetricsLabel) error
}

type MetricsLabel struct {
	Name  string
	Value string
}

type MetricsType string

var (
	MetricsType_Incr   MetricsType = "incr"
	MetricsType_Gauge  MetricsType = "gauge"
	MetricsType_Timing MetricsType = "timing"
)

type MetricsTypeConfig struct {
	Name   string
	Labels []string
}

var (
	Metric_Incr_BlockProcessed  = "blockProcessed"
	Metric_Incr_EventsProcessed = "eventsProcessed"
	Metric_Incr_CallErrors      = "callErrors"
	Metric_Incr_BlocksSkipped   = "blocksSkipped"

	Metric_Gauge_LastProcessedBlockHeight = "lastProcessedBlockHeight"
	Metric_Gauge_ChainTipHeight           = "chainTipHeight"
	Metric_Gauge_IndexerLag               = "indexerLag"

	Metric_Timing_BlockProcessDuration = "block.process.duration"
	Metric_Timing_LockedValueDuration  = "lockedValue.duration"
)

var MetricTypes = map[MetricsType][]MetricsTypeConfig{
	MetricsType_Incr: {
		MetricsTypeConfig{
			Name:   Metric_Incr_BlockProcessed,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_EventsProcessed,
			Labels: []string{"pallet"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_CallErrors,
			Labels: []string{"section"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_BlocksSkipped,
			Labels: []string{},
		},
	},
	MetricsType_Gauge: {
		MetricsTypeConfig{
			Name:   Metric_Gauge_LastProcessedBlockHeight,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Gauge_ChainTipHeight,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Gauge_IndexerLag,
			Labels: []string{},
		},
	},
	MetricsType_Timing: {
		MetricsTypeConfig{
			Name:   Metric_Timing_BlockProcessDuration,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Timing_LockedValueDuration,
			Labels: []string{},
		},
	},
}
