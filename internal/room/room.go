package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/comet/internal/pipeline"
	"github.com/loqalabs/comet/internal/protocol"
)

// Processor runs units for a room.
type Processor interface {
	Run(ctx context.Context, unit pipeline.Unit, audience pipeline.Audience) error
}

// Room is a named group of sessions. The participant map changes only
// through join and leave under mu; the pipeline reads snapshots of it.
type Room struct {
	id        string
	modelID   string
	createdAt time.Time

	registry  *Registry
	processor Processor
	events    EventSink
	log       *slog.Logger
	limit     int

	// ctx bounds the units of this room; it ends when the room is evicted.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
}

func (r *Room) ID() string           { return r.id }
func (r *Room) ModelID() string      { return r.modelID }
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Size returns the number of connected sessions.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Session returns the current session of userID.
func (r *Room) Session(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Recipients returns a point-in-time snapshot of every session except
// the one of excludeUserID.
func (r *Room) Recipients(excludeUserID string) []pipeline.Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pipeline.Recipient, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == excludeUserID {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (r *Room) admits(userID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capacityLocked(userID)
}

func (r *Room) capacityLocked(userID string) error {
	if _, exists := r.sessions[userID]; exists {
		return nil
	}
	if r.limit > 0 && len(r.sessions) >= r.limit {
		return &CapacityError{RoomID: r.id, Limit: r.limit}
	}
	return nil
}

// join adds s, superseding an existing session of the same user. It
// returns the superseded session, which the caller must close.
func (r *Room) join(s *Session) (*Session, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.capacityLocked(s.UserID()); err != nil {
		return nil, err
	}
	prior := r.sessions[s.UserID()]
	s.room = r
	r.sessions[s.UserID()] = s
	return prior, nil
}

// leave removes s if it is still the user's current session and tells
// the registry when the room became empty.
func (r *Room) leave(s *Session) {
	r.mu.Lock()
	current, ok := r.sessions[s.UserID()]
	if !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.UserID())
	empty := len(r.sessions) == 0
	r.mu.Unlock()

	r.log.Info("participant left",
		slog.String("user_id", s.UserID()),
		slog.String("conn_id", s.ID()),
		slog.String("reason", s.Reason()))
	r.record(protocol.EventParticipantLeave, s, s.Reason())
	r.notice(s.UserID(), fmt.Sprintf("%s has disconnected from room %s.", s.Username(), r.id), s)
	if empty && r.registry != nil {
		r.registry.notifyEmpty(r)
	}
}

func (r *Room) notice(excludeUserID, text string, about *Session) {
	for _, rec := range r.Recipients(excludeUserID) {
		if s, ok := rec.(*Session); ok {
			s.sendNotice(text, about.UserID(), about.Username())
		}
	}
}

// dispatch runs unit on its own goroutine under the room context. The
// audience is fixed here; later joiners do not receive the unit.
func (r *Room) dispatch(origin *Session, unit pipeline.Unit, release func()) {
	audience := pipeline.Snapshot(r.Recipients(origin.UserID()))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()
		err := r.processor.Run(r.ctx, unit, audience)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		origin.ReportDrop(unit.ID, err)
		r.record(protocol.EventUnitDropped, origin, err.Error())
	}()
}

func (r *Room) record(eventType string, s *Session, detail string) {
	ev := protocol.RoomEvent{
		Type:      eventType,
		RoomID:    r.id,
		ModelID:   r.modelID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if s != nil {
		ev.UserID = s.UserID()
		ev.Username = s.Username()
		ev.ConnID = s.ID()
	}
	r.events.Record(r.ctx, ev)
}

func (r *Room) sessionsSnapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
