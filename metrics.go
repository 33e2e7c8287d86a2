package warren

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPortsCreated       = []string{"warren", "ports", "created", "count"}
	MetricPortsErased        = []string{"warren", "ports", "erased", "count"}
	MetricMessagesSent       = []string{"warren", "messages", "sent", "count"}
	MetricMessagesForwarded  = []string{"warren", "messages", "forwarded", "count"}
	MetricMessagesDropped    = []string{"warren", "messages", "dropped", "count"}
	MetricMessagesDelivered  = []string{"warren", "messages", "delivered", "count"}
	MetricProxiesRemoved     = []string{"warren", "proxies", "removed", "count"}
	MetricObserveProxyRetry  = []string{"warren", "observe_proxy", "retry", "count"}
	MetricPortsTransferred   = []string{"warren", "ports", "transferred", "count"}
	MetricLostConnectionPeer = []string{"warren", "connection", "lost", "count"}
)

// TelemetryLabel names a dimension attached to both metrics.Label values
// and slog.Attr values, so a single constant can annotate a counter and
// the log line next to it.
type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelNode     TelemetryLabel = "node"
	LabelPort     TelemetryLabel = "port"
	LabelPeerNode TelemetryLabel = "peer_node"
	LabelEvent    TelemetryLabel = "event"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
