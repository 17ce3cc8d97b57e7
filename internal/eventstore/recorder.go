package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/comet/internal/protocol"
)

const pruneInterval = time.Hour

// Recorder writes room events to a Store from a background goroutine so
// that room operations never wait on disk. Events that do not fit in the
// queue are dropped and logged.
type Recorder struct {
	store *Store
	log   *slog.Logger
	queue chan protocol.RoomEvent

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewRecorder(store *Store, queueSize int, log *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		store: store,
		log:   log.With(slog.String("component", "eventstore")),
		queue: make(chan protocol.RoomEvent, queueSize),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record enqueues ev without blocking.
func (r *Recorder) Record(_ context.Context, ev protocol.RoomEvent) {
	if !r.store.Enabled() {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- ev:
	default:
		r.log.Warn("event queue full, dropping event",
			slog.String("type", ev.Type),
			slog.String("room_id", ev.RoomID))
	}
}

// Close stops accepting events and writes the ones already queued.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-r.queue:
			r.write(ev)
		case <-ticker.C:
			if err := r.store.Prune(context.Background()); err != nil {
				r.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		case <-r.done:
			for {
				select {
				case ev := <-r.queue:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(ev protocol.RoomEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.TouchRoom(ctx, ev.RoomID, ev.ModelID); err != nil {
		r.log.Warn("failed to record room", slog.String("room_id", ev.RoomID), slog.String("error", err.Error()))
		return
	}
	err := r.store.AppendEvent(ctx, Event{
		RoomID:    ev.RoomID,
		UserID:    ev.UserID,
		ConnID:    ev.ConnID,
		Type:      ev.Type,
		Detail:    ev.Detail,
		CreatedAt: ev.Timestamp,
	})
	if err != nil {
		r.log.Warn("failed to record event", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}
