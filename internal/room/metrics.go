package room

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	meter           metric.Meter
	outboundDropped metric.Int64Counter
}

func (g *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/comet/room")
	g.metrics = &metrics{meter: meter}

	dropped, err := meter.Int64Counter("comet.sessions.outbound_dropped",
		metric.WithDescription("Outbound frames discarded by the drop_oldest policy"))
	if err != nil {
		return err
	}
	g.metrics.outboundDropped = dropped

	rooms, err := meter.Int64ObservableGauge("comet.rooms.active", metric.WithDescription("Rooms in the registry, grace period included"))
	if err != nil {
		return err
	}
	sessions, err := meter.Int64ObservableGauge("comet.sessions.active", metric.WithDescription("Connected participant sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		stats := g.Stats()
		obs.ObserveInt64(rooms, int64(stats.Rooms))
		obs.ObserveInt64(sessions, int64(stats.Sessions))
		return nil
	}, rooms, sessions)
	return err
}

func (m *metrics) dropped(ctx context.Context, policy string) {
	if m == nil || m.outboundDropped == nil {
		return
	}
	m.outboundDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
}
