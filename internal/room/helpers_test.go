package room

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/pipeline"
	"github.com/loqalabs/comet/internal/protocol"
)

type clientMessage struct {
	messageType int
	data        []byte
}

// fakeConn plays the client side of a websocket in memory.
type fakeConn struct {
	in     chan clientMessage
	out    chan []byte
	gone   chan struct{}
	closed chan struct{}

	goneOnce  sync.Once
	closeOnce sync.Once

	mu       sync.Mutex
	controls []int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan clientMessage, 16),
		out:    make(chan []byte, 64),
		gone:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.messageType, m.data, nil
	case <-c.gone:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-time.After(time.Second):
		return errors.New("client not reading")
	}
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	c.controls = append(c.controls, messageType)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64)               {}

func (c *fakeConn) SetPongHandler(func(appData string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// hangup simulates the client closing the connection.
func (c *fakeConn) hangup() { c.goneOnce.Do(func() { close(c.gone) }) }

func (c *fakeConn) sendText(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal client frame: %v", err)
	}
	c.in <- clientMessage{messageType: websocket.TextMessage, data: data}
}

func (c *fakeConn) sendBinary(data []byte) {
	c.in <- clientMessage{messageType: websocket.BinaryMessage, data: data}
}

type frame struct {
	Type           string `json:"type"`
	Code           string `json:"code"`
	Text           string `json:"text"`
	Message        string `json:"message"`
	UserID         string `json:"user_id"`
	SourceText     string `json:"source_text"`
	TargetLanguage string `json:"target_language"`
	Closing        bool   `json:"closing"`
}

// next returns the next frame written to the client, skipping frames of
// the listed types.
func (c *fakeConn) next(t *testing.T, skip ...string) frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.out:
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("decode frame %q: %v", data, err)
			}
			if contains(skip, f.Type) {
				continue
			}
			return f
		case <-deadline:
			t.Fatalf("timed out waiting for a frame")
			return frame{}
		}
	}
}

func (c *fakeConn) expectSilence(t *testing.T, d time.Duration, skip ...string) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data := <-c.out:
			var f frame
			_ = json.Unmarshal(data, &f)
			if contains(skip, f.Type) {
				continue
			}
			t.Fatalf("unexpected frame %s", data)
		case <-deadline:
			return
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// echoProcessor delivers "[lang] text" to every other participant.
type echoProcessor struct {
	mu    sync.Mutex
	units []pipeline.Unit
	fail  error
}

func (p *echoProcessor) Run(ctx context.Context, unit pipeline.Unit, aud pipeline.Audience) error {
	defer unit.Ticket.Finish(ctx)
	p.mu.Lock()
	p.units = append(p.units, unit)
	fail := p.fail
	p.mu.Unlock()
	if fail != nil {
		return fail
	}
	text := unit.Text
	if unit.Audio != nil {
		text = "speech"
	}
	for _, r := range aud.Recipients(unit.UserID) {
		r.Deliver(pipeline.Result{
			UnitID:         unit.ID,
			SourceUserID:   unit.UserID,
			SourceText:     text,
			TranslatedText: "[" + r.TargetLanguage() + "] " + text,
			TargetLanguage: r.TargetLanguage(),
			Kind:           protocol.KindText,
		})
	}
	return nil
}

func (p *echoProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.units)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		GracePeriod:     100 * time.Millisecond,
		MaxParticipants: 8,
		Session: SessionConfig{
			QueueSize:      16,
			OverflowPolicy: OverflowDropOldest,
			WriteTimeout:   time.Second,
			MaxInflight:    4,
			Framing: audio.FramingConfig{
				Format:     audio.FormatWAV,
				SampleRate: 16000,
				Channels:   1,
				MaxBytes:   1 << 20,
			},
			ChatRate:  100,
			ChatBurst: 10,
		},
	}
}

func newTestRegistry(t *testing.T, cfg Config, p Processor) *Registry {
	t.Helper()
	reg := NewRegistry(context.Background(), cfg, p, nil, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	return reg
}

type participant struct {
	conn    *fakeConn
	session *Session
	done    chan struct{}
}

// connect joins a participant and starts serving its connection.
func connect(t *testing.T, reg *Registry, roomID, userID, lang string, kind Kind) *participant {
	t.Helper()
	conn := newFakeConn()
	s := reg.NewSession(conn, Identity{
		RoomID:   roomID,
		ModelID:  "model-1",
		UserID:   userID,
		Username: userID,
		Language: lang,
	}, kind)
	if _, err := reg.Join(roomID, "model-1", s); err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	p := &participant{conn: conn, session: s, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		s.Run(context.Background())
	}()
	return p
}

func (p *participant) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not stop", p.session.UserID())
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func toneWAV(t *testing.T) []byte {
	t.Helper()
	const rate = 16000
	pcm := make([]byte, rate/10*2)
	for i := 0; i < len(pcm)/2; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/rate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	data, err := audio.EncodePCM16(pcm, rate, 1)
	if err != nil {
		t.Fatalf("encode tone: %v", err)
	}
	return data
}
