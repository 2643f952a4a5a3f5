package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AppMetrics holds all the application metrics. A nil *AppMetrics records nothing.
type AppMetrics struct {
	metric.Meter

	Requests        metric.Int64Counter
	Replies         metric.Int64Counter
	PendingRequests metric.Int64UpDownCounter
	SessionRestarts metric.Int64Counter
	SnapshotMerges  metric.Int64Counter
	DroppedUpdates  metric.Int64Counter
	ActiveSessions  metric.Int64UpDownCounter
}

func NewAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	requests, err := meter.Int64Counter("requests_total")
	if err != nil {
		return nil, err
	}

	replies, err := meter.Int64Counter("replies_total")
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64UpDownCounter("pending_requests")
	if err != nil {
		return nil, err
	}

	restarts, err := meter.Int64Counter("session_restarts_total")
	if err != nil {
		return nil, err
	}

	merges, err := meter.Int64Counter("snapshot_merges_total")
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("dropped_updates_total")
	if err != nil {
		return nil, err
	}

	sessions, err := meter.Int64UpDownCounter("active_sessions")
	if err != nil {
		return nil, err
	}

	return &AppMetrics{
		Meter:           meter,
		Requests:        requests,
		Replies:         replies,
		PendingRequests: pending,
		SessionRestarts: restarts,
		SnapshotMerges:  merges,
		DroppedUpdates:  dropped,
		ActiveSessions:  sessions,
	}, nil
}

// CountRequest records a classified request
func (m *AppMetrics) CountRequest(ctx context.Context, method, decision string) {
	if m == nil {
		return
	}
	m.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method), attribute.String("decision", decision)))
}

// CountReply records a published reply
func (m *AppMetrics) CountReply(ctx context.Context, failed bool) {
	if m == nil {
		return
	}
	m.Replies.Add(ctx, 1, metric.WithAttributes(attribute.Bool("failed", failed)))
}

// AddPending tracks the number of buffered requests
func (m *AppMetrics) AddPending(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.PendingRequests.Add(ctx, delta)
}

// CountRestart records a scheduled relay session restart
func (m *AppMetrics) CountRestart(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionRestarts.Add(ctx, 1)
}

// CountMerge records an ingested permission snapshot
func (m *AppMetrics) CountMerge(ctx context.Context, changed bool) {
	if m == nil {
		return
	}
	m.SnapshotMerges.Add(ctx, 1, metric.WithAttributes(attribute.Bool("changed", changed)))
}

// CountDroppedUpdate records a UI update dropped on a full channel
func (m *AppMetrics) CountDroppedUpdate(ctx context.Context) {
	if m == nil {
		return
	}
	m.DroppedUpdates.Add(ctx, 1)
}

// AddSession tracks the number of unlocked keys
func (m *AppMetrics) AddSession(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}
