package pclient

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricInvocationCount         = []string{"pclient", "invocation", "count"}
	MetricInvocationRetryCount    = []string{"pclient", "invocation", "retry", "count"}
	MetricInvocationErrorCount    = []string{"pclient", "invocation", "error", "count"}
	MetricInvocationOverloadCount = []string{"pclient", "invocation", "overload", "count"}
	MetricInvocationInflight      = []string{"pclient", "invocation", "inflight"}
	MetricInvocationEventCount    = []string{"pclient", "invocation", "event", "count"}
	MetricPartitionRefreshCount   = []string{"pclient", "partition", "refresh", "count"}
	MetricPartitionRefreshErrors  = []string{"pclient", "partition", "refresh", "error", "count"}
	MetricPartitionRefreshDropped = []string{"pclient", "partition", "refresh", "dropped", "count"}
	MetricPartitionCount          = []string{"pclient", "partition", "total"}
	MetricConnEstCount            = []string{"pclient", "connection", "established", "count"}
	MetricConnErrorCount          = []string{"pclient", "connection", "error", "count"}
	MetricHeartbeatLostCount      = []string{"pclient", "connection", "heartbeat", "lost", "count"}
	MetricMemberEventCount        = []string{"pclient", "member", "event", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelPartition TelemetryLabel = "partition_id"
	LabelRouting   TelemetryLabel = "routing"
	LabelOp        TelemetryLabel = "op"
	LabelEvent     TelemetryLabel = "event"
	LabelDuration  TelemetryLabel = "duration"
	LabelDeadline  TelemetryLabel = "deadline"
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

// withLabels copies base before appending so callers never share the
// backing array of the static labels.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
