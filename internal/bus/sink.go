package bus

import (
	"context"
	"log/slog"

	"github.com/loqalabs/comet/internal/protocol"
)

// Sink publishes room events. Publish only buffers, so Record never
// waits on the network.
type Sink struct {
	client *Client
}

func NewSink(client *Client) *Sink {
	return &Sink{client: client}
}

func (s *Sink) Record(_ context.Context, ev protocol.RoomEvent) {
	if err := s.client.Publish(ev); err != nil {
		s.client.log.Warn("failed to publish room event",
			slog.String("type", ev.Type),
			slog.String("room_id", ev.RoomID),
			slog.String("error", err.Error()))
	}
}
