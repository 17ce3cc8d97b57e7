package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/comet/internal/protocol"
)

func TestGetOrCreateReusesRoomWithinGracePeriod(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), &echoProcessor{})

	first, err := reg.GetOrCreate("lobby", "model-1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	second, err := reg.GetOrCreate("lobby", "model-1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same room instance")
	}

	eventually(t, func() bool {
		_, ok := reg.Lookup("lobby")
		return !ok
	}, "empty room evicted after grace period")

	third, err := reg.GetOrCreate("lobby", "model-1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if third == first {
		t.Fatalf("expected a fresh room after eviction")
	}
}

func TestConcurrentGetOrCreateYieldsOneRoom(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), &echoProcessor{})

	const n = 32
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := reg.GetOrCreate("busy", "model-1")
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatalf("goroutine %d got a different room", i)
		}
	}
	if stats := reg.Stats(); stats.Rooms != 1 {
		t.Fatalf("expected one room, got %d", stats.Rooms)
	}
}

func TestRejoinWithinGraceKeepsRoom(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = 300 * time.Millisecond
	reg := newTestRegistry(t, cfg, &echoProcessor{})

	alice := connect(t, reg, "lobby", "alice", "en", KindChat)
	r, _ := reg.Lookup("lobby")
	alice.conn.hangup()
	alice.waitClosed(t)
	if r.Size() != 0 {
		t.Fatalf("expected empty room after leave, got %d", r.Size())
	}

	bob := connect(t, reg, "lobby", "bob", "es", KindChat)
	defer bob.conn.hangup()
	again, ok := reg.Lookup("lobby")
	if !ok || again != r {
		t.Fatalf("expected the room to survive a rejoin within the grace period")
	}
	time.Sleep(2 * cfg.GracePeriod)
	if _, ok := reg.Lookup("lobby"); !ok {
		t.Fatalf("occupied room must not be evicted")
	}
}

func TestEmptyRoomEvictedAfterLastLeave(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), &echoProcessor{})

	alice := connect(t, reg, "lobby", "alice", "en", KindChat)
	alice.conn.hangup()
	alice.waitClosed(t)

	eventually(t, func() bool {
		_, ok := reg.Lookup("lobby")
		return !ok
	}, "room evicted")
}

func TestJoinSupersedesSameUser(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), &echoProcessor{})

	first := connect(t, reg, "lobby", "alice", "en", KindChat)
	second := connect(t, reg, "lobby", "alice", "en", KindChat)
	defer second.conn.hangup()

	first.waitClosed(t)
	if got := first.session.Reason(); got != ReasonSuperseded {
		t.Fatalf("expected superseded, got %q", got)
	}
	closing := first.conn.next(t, protocol.TypeNotice)
	if closing.Code != protocol.CodeConnectionClosing || !closing.Closing {
		t.Fatalf("expected connection_closing frame, got %+v", closing)
	}

	r, _ := reg.Lookup("lobby")
	if r.Size() != 1 {
		t.Fatalf("expected one session, got %d", r.Size())
	}
	current, _ := r.Session("alice")
	if current != second.session {
		t.Fatalf("expected the newer session to be current")
	}
}

func TestJoinRejectsFullRoom(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParticipants = 1
	reg := newTestRegistry(t, cfg, &echoProcessor{})

	alice := connect(t, reg, "small", "alice", "en", KindChat)
	defer alice.conn.hangup()

	s := reg.NewSession(newFakeConn(), Identity{RoomID: "small", UserID: "bob", Username: "bob"}, KindChat)
	_, err := reg.Join("small", "model-1", s)
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	r, _ := reg.Lookup("small")
	if r.Size() != 1 || alice.session.Closed() {
		t.Fatalf("existing participant must be unaffected")
	}

	// same user reconnecting is a supersede, not a new participant
	again := connect(t, reg, "small", "alice", "en", KindChat)
	defer again.conn.hangup()
	alice.waitClosed(t)
}

func TestAdmitChecksCapacityWithoutCreating(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParticipants = 1
	reg := newTestRegistry(t, cfg, &echoProcessor{})

	if err := reg.Admit("small", "alice"); err != nil {
		t.Fatalf("unknown room should admit: %v", err)
	}
	if _, ok := reg.Lookup("small"); ok {
		t.Fatal("Admit must not create the room")
	}

	alice := connect(t, reg, "small", "alice", "en", KindChat)
	defer alice.conn.hangup()

	var capErr *CapacityError
	if err := reg.Admit("small", "bob"); !errors.As(err, &capErr) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if err := reg.Admit("small", "alice"); err != nil {
		t.Fatalf("same user should be admitted to supersede: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = reg.Close(ctx)
	if err := reg.Admit("small", "carol"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestJoinAndLeaveNotices(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), &echoProcessor{})

	alice := connect(t, reg, "lobby", "alice", "en", KindChat)
	defer alice.conn.hangup()
	bob := connect(t, reg, "lobby", "bob", "es", KindChat)

	joined := alice.conn.next(t)
	if joined.Type != protocol.TypeNotice || joined.Text != "bob has joined room lobby." {
		t.Fatalf("unexpected join notice %+v", joined)
	}

	bob.conn.hangup()
	bob.waitClosed(t)
	left := alice.conn.next(t)
	if left.Type != protocol.TypeNotice || left.Text != "bob has disconnected from room lobby." {
		t.Fatalf("unexpected leave notice %+v", left)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Record(_ context.Context, ev protocol.RoomEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev.Type)
	s.mu.Unlock()
}

func (s *recordingSink) has(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func TestRegistryRecordsLifecycleEvents(t *testing.T) {
	sink := &recordingSink{}
	reg := NewRegistry(context.Background(), testConfig(), &echoProcessor{}, sink, testLogger())
	defer reg.Close(context.Background())

	alice := connect(t, reg, "lobby", "alice", "en", KindChat)
	alice.conn.hangup()
	alice.waitClosed(t)

	eventually(t, func() bool { return sink.has(protocol.EventRoomEvicted) }, "room.evicted recorded")
	for _, want := range []string{protocol.EventRoomCreated, protocol.EventParticipantJoin, protocol.EventParticipantLeave} {
		if !sink.has(want) {
			t.Fatalf("expected %s event", want)
		}
	}
}

func TestRegistryCloseDisconnectsEveryone(t *testing.T) {
	reg := NewRegistry(context.Background(), testConfig(), &echoProcessor{}, nil, testLogger())

	alice := connect(t, reg, "a", "alice", "en", KindChat)
	bob := connect(t, reg, "b", "bob", "es", KindAudio)

	if err := reg.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, p := range []*participant{alice, bob} {
		p.waitClosed(t)
		if p.session.Reason() != ReasonShutdown {
			t.Fatalf("expected shutdown reason, got %q", p.session.Reason())
		}
		if !p.conn.isClosed() {
			t.Fatalf("expected connection to be closed")
		}
	}
	s := reg.NewSession(newFakeConn(), Identity{RoomID: "a", UserID: "carol"}, KindChat)
	if _, err := reg.Join("a", "model-1", s); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}
