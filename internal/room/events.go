package room

import (
	"context"

	"github.com/loqalabs/comet/internal/protocol"
)

// EventSink receives room lifecycle events. Implementations must not
// block the caller for long.
type EventSink interface {
	Record(ctx context.Context, ev protocol.RoomEvent)
}

type nopSink struct{}

func (nopSink) Record(context.Context, protocol.RoomEvent) {}

// MultiSink fans an event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Record(ctx context.Context, ev protocol.RoomEvent) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}
