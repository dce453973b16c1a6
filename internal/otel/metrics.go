package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the relay's metric instruments.
type Metrics struct {
	CallDuration      metric.Float64Histogram
	CallErrors        metric.Int64Counter
	PendingCalls      metric.Int64UpDownCounter
	StatusRefreshes   metric.Int64Counter
	ResourceReads     metric.Int64Counter
	Notifications     metric.Int64Counter
	PushDrops         metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CallDuration, err = meter.Float64Histogram("relay.call.duration",
		metric.WithDescription("App-server call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CallErrors, err = meter.Int64Counter("relay.call.errors",
		metric.WithDescription("Failed app-server calls by error kind"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingCalls, err = meter.Int64UpDownCounter("relay.call.pending",
		metric.WithDescription("App-server calls awaiting a response"),
	)
	if err != nil {
		return nil, err
	}

	m.StatusRefreshes, err = meter.Int64Counter("relay.status.refreshes",
		metric.WithDescription("Status directory refresh cycles"),
	)
	if err != nil {
		return nil, err
	}

	m.ResourceReads, err = meter.Int64Counter("relay.resource.reads",
		metric.WithDescription("Resource and template reads by source"),
	)
	if err != nil {
		return nil, err
	}

	m.Notifications, err = meter.Int64Counter("relay.notifications",
		metric.WithDescription("Notifications delivered to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.PushDrops, err = meter.Int64Counter("relay.push.drops",
		metric.WithDescription("Notifications dropped for slow push clients"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("relay.push.connections",
		metric.WithDescription("Open push connections"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordCall records one finished call. An empty errKind marks success.
// Safe on a nil receiver.
func (m *Metrics) RecordCall(ctx context.Context, method, errKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrMethod.String(method))
	m.CallDuration.Record(ctx, elapsed.Seconds(), attrs)
	if errKind != "" {
		m.CallErrors.Add(ctx, 1, metric.WithAttributes(AttrMethod.String(method), AttrErrorKind.String(errKind)))
	}
}

// CallStarted adjusts the pending gauge by delta. Safe on a nil receiver.
func (m *Metrics) CallStarted(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.PendingCalls.Add(ctx, delta)
}

// RecordRefresh counts a status refresh. Safe on a nil receiver.
func (m *Metrics) RecordRefresh(ctx context.Context, servers int, err error) {
	if m == nil {
		return
	}
	m.StatusRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("relay.status.ok", err == nil),
		attribute.Int("relay.status.servers", servers),
	))
}

// RecordResourceRead counts a resolver outcome. Safe on a nil receiver.
func (m *Metrics) RecordResourceRead(ctx context.Context, kind, source string) {
	if m == nil {
		return
	}
	m.ResourceReads.Add(ctx, 1, metric.WithAttributes(
		AttrResourceKind.String(kind),
		AttrResolverSource.String(source),
	))
}

// RecordNotification counts one delivered notification. Safe on a nil receiver.
func (m *Metrics) RecordNotification(ctx context.Context, method string, enriched bool) {
	if m == nil {
		return
	}
	m.Notifications.Add(ctx, 1, metric.WithAttributes(
		AttrMethod.String(method),
		attribute.Bool("relay.notification.enriched", enriched),
	))
}

// RecordPushDrop counts a notification dropped for a slow connection. Safe on
// a nil receiver.
func (m *Metrics) RecordPushDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.PushDrops.Add(ctx, 1)
}

// ConnectionOpened adjusts the open connection gauge. Safe on a nil receiver.
func (m *Metrics) ConnectionOpened(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, delta)
}
