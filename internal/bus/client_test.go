package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/natsserver"
	"github.com/loqalabs/comet/internal/protocol"
)

func startBus(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()

	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestSinkPublishesRoomEvents(t *testing.T) {
	client := startBus(t)

	got := make(chan protocol.RoomEvent, 4)
	sub, err := client.Subscribe("lobby", func(ev protocol.RoomEvent) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sink := NewSink(client)
	sink.Record(context.Background(), protocol.RoomEvent{Type: protocol.EventRoomCreated, RoomID: "other"})
	sink.Record(context.Background(), protocol.RoomEvent{Type: protocol.EventParticipantJoin, RoomID: "lobby", UserID: "alice"})

	select {
	case ev := <-got:
		if ev.RoomID != "lobby" || ev.Type != protocol.EventParticipantJoin || ev.UserID != "alice" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for room event")
	}
	select {
	case ev := <-got:
		t.Fatalf("subscription leaked another room's event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEnsureStreamIsIdempotent(t *testing.T) {
	client := startBus(t)
	for i := 0; i < 2; i++ {
		if err := client.EnsureStream("COMET_TEST_EVENTS", time.Hour); err != nil {
			t.Fatalf("ensure stream (pass %d): %v", i, err)
		}
	}
	if !client.Healthy() {
		t.Fatalf("expected healthy connection")
	}
}
