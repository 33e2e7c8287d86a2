package warren

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

// Option customises a Node created by NewNode.
type Option func(*config)

// WithLog specifies which slog.Handler a Node should log through. Defaults
// to slog.Default()'s handler.
func WithLog(handler slog.Handler) Option {
	return func(c *config) {
		c.logHandler = handler
	}
}

// WithMetricSink specifies which metrics.MetricSink a Node should emit its
// counters to. Defaults to a metrics.BlackholeSink, which discards them;
// passing nil selects the same.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
	}
}

// WithMetricLabels adds static labels to every metric emitted by a Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.metricLabels = labels
	}
}
