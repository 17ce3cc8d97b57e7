package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/comet/internal/protocol"
)

// Config controls room lifetime and the sessions the registry creates.
type Config struct {
	// GracePeriod is how long an empty room is kept before eviction.
	GracePeriod     time.Duration
	MaxParticipants int
	Session         SessionConfig
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Rooms    int
	Sessions int
}

type entry struct {
	room  *Room
	timer *time.Timer
}

// Registry maps room ids to live rooms. Rooms are created on first use
// and evicted once they have stayed empty for the grace period.
//
// Lock order is Registry.mu before Room.mu.
type Registry struct {
	cfg       Config
	processor Processor
	events    EventSink
	logger    *slog.Logger
	log       *slog.Logger
	metrics   *metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*entry
	closed bool
}

// NewRegistry builds a registry whose rooms run units on processor.
// Rooms inherit ctx; cancelling it stops every in-flight unit.
func NewRegistry(ctx context.Context, cfg Config, processor Processor, events EventSink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = nopSink{}
	}
	ctx, cancel := context.WithCancel(ctx)
	g := &Registry{
		cfg:       cfg,
		processor: processor,
		events:    events,
		logger:    logger,
		log:       logger.With(slog.String("component", "room-registry")),
		ctx:       ctx,
		cancel:    cancel,
		rooms:     make(map[string]*entry),
	}
	if err := g.initMetrics(); err != nil {
		g.log.Warn("failed to initialise room metrics", slog.String("error", err.Error()))
	}
	return g
}

// NewSession creates a session for conn that is not yet in any room.
func (g *Registry) NewSession(conn Conn, ident Identity, kind Kind) *Session {
	return newSession(conn, ident, kind, g.cfg.Session, g.metrics, g.logger)
}

// GetOrCreate returns the live room for roomID, creating it if needed.
// A room created here with nobody joining is evicted after the grace
// period like any other empty room.
func (g *Registry) GetOrCreate(roomID, modelID string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.lookupLocked(roomID, modelID)
	if err != nil {
		return nil, err
	}
	if e.timer == nil && e.room.Size() == 0 {
		g.armLocked(e)
	}
	return e.room, nil
}

// Admit reports whether userID could join roomID now, without creating
// anything. Join checks again, so a race between the two is still caught.
func (g *Registry) Admit(roomID, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrRegistryClosed
	}
	e, ok := g.rooms[roomID]
	if !ok {
		return nil
	}
	return e.room.admits(userID)
}

// Join adds s to roomID, creating the room if needed. A previous
// session of the same user is closed as superseded.
func (g *Registry) Join(roomID, modelID string, s *Session) (*Room, error) {
	g.mu.Lock()
	e, err := g.lookupLocked(roomID, modelID)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	prior, err := e.room.join(s)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	g.mu.Unlock()

	r := e.room
	if prior != nil {
		prior.Close(ReasonSuperseded)
	}
	r.log.Info("participant joined",
		slog.String("user_id", s.UserID()),
		slog.String("conn_id", s.ID()),
		slog.Bool("superseded", prior != nil))
	r.record(protocol.EventParticipantJoin, s, "")
	r.notice(s.UserID(), fmt.Sprintf("%s has joined room %s.", s.Username(), r.id), s)
	return r, nil
}

// Lookup returns the live room for roomID.
func (g *Registry) Lookup(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.rooms[roomID]
	if !ok {
		return nil, false
	}
	return e.room, true
}

// Stats counts live rooms and connected sessions.
func (g *Registry) Stats() Stats {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, e := range g.rooms {
		rooms = append(rooms, e.room)
	}
	g.mu.Unlock()
	st := Stats{Rooms: len(rooms)}
	for _, r := range rooms {
		st.Sessions += r.Size()
	}
	return st
}

// Close disconnects every session, cancels in-flight units and waits
// for them to finish or ctx to end.
func (g *Registry) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, e := range g.rooms {
		if e.timer != nil {
			e.timer.Stop()
		}
		rooms = append(rooms, e.room)
	}
	g.mu.Unlock()

	for _, r := range rooms {
		for _, s := range r.sessionsSnapshot() {
			s.Close(ReasonShutdown)
		}
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		for _, r := range rooms {
			r.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Registry) lookupLocked(roomID, modelID string) (*entry, error) {
	if g.closed {
		return nil, ErrRegistryClosed
	}
	if e, ok := g.rooms[roomID]; ok {
		return e, nil
	}
	ctx, cancel := context.WithCancel(g.ctx)
	r := &Room{
		id:        roomID,
		modelID:   modelID,
		createdAt: time.Now().UTC(),
		registry:  g,
		processor: g.processor,
		events:    g.events,
		limit:     g.cfg.MaxParticipants,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
		log: g.logger.With(
			slog.String("component", "room"),
			slog.String("room_id", roomID),
		),
	}
	e := &entry{room: r}
	g.rooms[roomID] = e
	g.log.Info("room created", slog.String("room_id", roomID), slog.String("model_id", modelID))
	g.events.Record(g.ctx, protocol.RoomEvent{
		Type:      protocol.EventRoomCreated,
		RoomID:    roomID,
		ModelID:   modelID,
		Timestamp: r.createdAt,
	})
	return e, nil
}

// notifyEmpty starts the grace timer for r if it is still registered.
func (g *Registry) notifyEmpty(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.rooms[r.id]
	if !ok || e.room != r || g.closed {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	g.armLocked(e)
}

func (g *Registry) armLocked(e *entry) {
	r := e.room
	e.timer = time.AfterFunc(g.cfg.GracePeriod, func() { g.evictIfEmpty(r) })
}

// evictIfEmpty removes r when it is still the registered room for its
// id and nobody rejoined during the grace period.
func (g *Registry) evictIfEmpty(r *Room) {
	g.mu.Lock()
	e, ok := g.rooms[r.id]
	if !ok || e.room != r || r.Size() > 0 {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, r.id)
	g.mu.Unlock()

	r.cancel()
	g.log.Info("room evicted",
		slog.String("room_id", r.id),
		slog.Duration("age", time.Since(r.CreatedAt())))
	g.events.Record(g.ctx, protocol.RoomEvent{
		Type:      protocol.EventRoomEvicted,
		RoomID:    r.id,
		ModelID:   r.modelID,
		Timestamp: time.Now().UTC(),
	})
}
