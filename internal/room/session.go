package room

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/engine"
	"github.com/loqalabs/comet/internal/pipeline"
	"github.com/loqalabs/comet/internal/protocol"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Kind selects what a session accepts from its client.
type Kind string

const (
	KindAudio Kind = "audio"
	KindChat  Kind = "chat"
)

// Close reasons.
const (
	ReasonClientClosed = "client_closed"
	ReasonSuperseded   = "superseded"
	ReasonSlowConsumer = "slow_consumer"
	ReasonWriteFailed  = "write_failed"
	ReasonShutdown     = "shutdown"
	ReasonRejected     = "rejected"
)

// Identity is what a client declares when it connects.
type Identity struct {
	RoomID   string
	ModelID  string
	UserID   string
	Username string
	// Language is both the language the participant speaks and the
	// language other participants' speech is rendered into for them.
	Language string
	// Format overrides the configured audio framing format.
	Format string
}

type SessionConfig struct {
	QueueSize       int
	OverflowPolicy  string
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	MaxInflight     int
	Framing         audio.FramingConfig
	ChatRate        rate.Limit
	ChatBurst       int
}

// Session is one participant connection. It is created by the registry,
// added to a Room by Registry.Join and removed from it exactly once by
// Close, on every exit path.
type Session struct {
	id    string
	ident Identity
	kind  Kind
	cfg   SessionConfig
	conn  Conn
	log   *slog.Logger

	room    *Room
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc

	outbox   *outbox
	frames   *audio.FrameBuffer
	seq      *pipeline.Sequencer
	inflight *semaphore.Weighted
	limiter  *rate.Limiter

	mu      sync.Mutex
	started bool
	closing bool
	final   []byte
	// closeCode is sent in the close control frame after final.
	closeCode int
	reason    string
	err       error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(conn Conn, ident Identity, kind Kind, cfg SessionConfig, m *metrics, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	if ident.Format != "" {
		cfg.Framing.Format = ident.Format
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	s := &Session{
		id:       id,
		ident:    ident,
		kind:     kind,
		cfg:      cfg,
		conn:     conn,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		outbox:   newOutbox(cfg.QueueSize, cfg.OverflowPolicy),
		frames:   audio.NewFrameBuffer(ident.UserID, cfg.Framing),
		seq:      pipeline.NewSequencer(),
		inflight: semaphore.NewWeighted(int64(cfg.MaxInflight)),
		limiter:  rate.NewLimiter(cfg.ChatRate, cfg.ChatBurst),
		log: logger.With(
			slog.String("component", "session"),
			slog.String("room_id", ident.RoomID),
			slog.String("user_id", ident.UserID),
			slog.String("conn_id", id),
		),
	}
	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) UserID() string         { return s.ident.UserID }
func (s *Session) Username() string       { return s.ident.Username }
func (s *Session) TargetLanguage() string { return s.ident.Language }
func (s *Session) Done() <-chan struct{}  { return s.ctx.Done() }

// Closed reports whether Close has run.
func (s *Session) Closed() bool { return s.ctx.Err() != nil }

// Reason returns why the session closed, or "" while it is open.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Run serves the connection until the client leaves, the connection
// fails or ctx ends. The session is closed when Run returns.
func (s *Session) Run(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closing {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.writeLoop()
	if s.kind == KindAudio && s.cfg.Framing.Format == audio.FormatPCM16 && s.cfg.Framing.Window > 0 {
		s.wg.Add(1)
		go s.frameLoop()
	}
	stop := context.AfterFunc(ctx, func() { s.closeWith(ReasonShutdown, true) })
	defer stop()

	s.readLoop()
	s.closeWith(ReasonClientClosed, false)
	s.wg.Wait()
}

// Close ends the session and notifies the client.
func (s *Session) Close(reason string) {
	s.closeWith(reason, true)
}

// Reject closes a session that could not join, telling the client why.
func (s *Session) Reject(code, message string) {
	s.closeWithFrame(ReasonRejected, protocol.ErrorFrame{
		Type:    protocol.TypeError,
		Code:    code,
		Message: message,
		Closing: true,
	}, websocket.ClosePolicyViolation)
}

func (s *Session) closeWith(reason string, notify bool) {
	if !notify {
		s.closeWithFrame(reason, nil, websocket.CloseNormalClosure)
		return
	}
	s.closeWithFrame(reason, protocol.ErrorFrame{
		Type:    protocol.TypeError,
		Code:    protocol.CodeConnectionClosing,
		Message: "connection closing: " + reason,
		Closing: true,
	}, websocket.CloseNormalClosure)
}

// closeWithFrame runs once. When Run never started, nothing else writes
// to the connection, so the final frame is flushed here.
func (s *Session) closeWithFrame(reason string, frame any, closeCode int) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.reason = reason
		s.closeCode = closeCode
		if frame != nil {
			s.final = encode(frame)
		}
		started := s.started
		s.mu.Unlock()

		s.cancel()
		s.frames.Reset()
		if s.room != nil {
			s.room.leave(s)
		}
		if !started {
			s.flushFinal()
			_ = s.conn.Close()
		}
		s.log.Info("session closed", slog.String("reason", reason))
	})
}

func (s *Session) readLoop() {
	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.PongTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		})
	}
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.Closed() {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.fail(&ConnectionError{Op: "read", Err: err})
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			s.handleBinary(data)
		case websocket.TextMessage:
			s.handleText(data)
		}
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Warn("connection failed", slog.String("error", err.Error()))
}

func (s *Session) handleBinary(data []byte) {
	if s.kind != KindAudio {
		s.sendError(protocol.CodeBadRequest, "binary frames are only accepted on the audio endpoint", "")
		return
	}
	unit, err := s.frames.Write(data)
	if err != nil {
		s.framingFailed(err)
		return
	}
	if unit != nil {
		s.dispatchAudio(unit)
	}
}

func (s *Session) handleText(data []byte) {
	var frame protocol.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		frame = protocol.ClientFrame{Type: protocol.TypeMessage, Text: string(data)}
	}
	switch {
	case frame.Type == protocol.TypeEndOfUtterance && s.kind == KindAudio:
		unit, err := s.frames.Flush()
		if err != nil {
			s.framingFailed(err)
			return
		}
		if unit != nil {
			s.dispatchAudio(unit)
		}
	case frame.Type == protocol.TypeMessage && s.kind == KindChat:
		s.handleChat(frame.Text)
	default:
		s.sendError(protocol.CodeBadRequest, "unsupported frame type "+frame.Type, "")
	}
}

func (s *Session) handleChat(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !s.limiter.Allow() {
		s.sendError(protocol.CodeRateLimited, "too many messages, slow down", "")
		return
	}
	s.dispatch(pipeline.Unit{ID: uuid.NewString(), Text: text})
}

func (s *Session) framingFailed(err error) {
	var fe *audio.FramingError
	msg := err.Error()
	if errors.As(err, &fe) {
		msg = fe.Error()
	}
	s.log.Debug("audio chunk rejected", slog.String("error", msg))
	s.sendError(protocol.CodeFramingError, msg, "")
}

func (s *Session) frameLoop() {
	defer s.wg.Done()
	interval := s.cfg.Framing.Window / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			unit, err := s.frames.FlushExpired(now)
			if err != nil {
				s.framingFailed(err)
				continue
			}
			if unit != nil {
				s.dispatchAudio(unit)
			}
		}
	}
}

func (s *Session) dispatchAudio(u *audio.Unit) {
	s.dispatch(pipeline.Unit{ID: u.ID, Audio: u})
}

// dispatch hands a unit to the room. Units beyond the inflight cap are
// dropped and reported to this session only.
func (s *Session) dispatch(unit pipeline.Unit) {
	if s.room == nil || s.Closed() {
		return
	}
	if !s.inflight.TryAcquire(1) {
		s.sendError(protocol.CodeUtteranceDropped, "too many utterances in flight", unit.ID)
		return
	}
	unit.RoomID = s.ident.RoomID
	unit.ModelID = s.ident.ModelID
	unit.UserID = s.ident.UserID
	unit.Username = s.ident.Username
	unit.SourceLanguage = s.ident.Language
	unit.Ticket = s.seq.Next()
	s.room.dispatch(s, unit, func() { s.inflight.Release(1) })
}

// ReportDrop tells the client its unit was dropped.
func (s *Session) ReportDrop(unitID string, err error) {
	s.sendError(protocol.CodeUtteranceDropped, "your last utterance was dropped: "+dropReason(err), unitID)
}

// Deliver enqueues a translation result without blocking.
func (s *Session) Deliver(res pipeline.Result) bool {
	frame := protocol.TranslationFrame{
		Type:           protocol.TypeTranslation,
		UnitID:         res.UnitID,
		ModelID:        res.ModelID,
		UserID:         res.SourceUserID,
		Username:       res.SourceUsername,
		SourceText:     res.SourceText,
		Text:           res.TranslatedText,
		SourceLanguage: res.SourceLanguage,
		TargetLanguage: res.TargetLanguage,
		AudioFormat:    res.AudioFormat,
		Kind:           res.Kind,
	}
	if len(res.Audio) > 0 {
		frame.Audio = base64.StdEncoding.EncodeToString(res.Audio)
	}
	return s.enqueue(encode(frame))
}

func (s *Session) sendNotice(text, userID, username string) {
	s.enqueue(encode(protocol.NoticeFrame{Type: protocol.TypeNotice, Text: text, UserID: userID, Username: username}))
}

func (s *Session) sendError(code, message, unitID string) {
	s.enqueue(encode(protocol.ErrorFrame{Type: protocol.TypeError, Code: code, Message: message, UnitID: unitID}))
}

// enqueue appends a text frame to the outbox. It reports false when the
// session is closed or was closed because the outbox overflowed.
func (s *Session) enqueue(data []byte) bool {
	if data == nil || s.Closed() {
		return false
	}
	dropped, overflow := s.outbox.push(outbound{messageType: websocket.TextMessage, data: data})
	if overflow {
		s.log.Warn("outbound queue full, disconnecting", slog.Int("queue_size", s.cfg.QueueSize))
		s.Close(ReasonSlowConsumer)
		return false
	}
	if dropped {
		s.metrics.dropped(s.ctx, OverflowDropOldest)
		s.log.Debug("outbound queue full, dropped oldest frame")
	}
	return true
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer s.conn.Close()

	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-s.ctx.Done():
			s.flushFinal()
			return
		case <-s.outbox.ready:
			for {
				if s.Closed() {
					break
				}
				m, ok := s.outbox.pop()
				if !ok {
					break
				}
				if err := s.write(m); err != nil {
					s.fail(&ConnectionError{Op: "write", Err: err})
					s.closeWith(ReasonWriteFailed, false)
					return
				}
			}
		case <-ping:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.fail(&ConnectionError{Op: "ping", Err: err})
				s.closeWith(ReasonWriteFailed, false)
				return
			}
		}
	}
}

func (s *Session) write(m outbound) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(m.messageType, m.data)
}

func (s *Session) flushFinal() {
	s.mu.Lock()
	final := s.final
	reason := s.reason
	code := s.closeCode
	s.mu.Unlock()
	if final == nil {
		return
	}
	timeout := s.cfg.WriteTimeout
	if timeout <= 0 || timeout > time.Second {
		timeout = time.Second
	}
	deadline := time.Now().Add(timeout)
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, final); err != nil {
		return
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func dropReason(err error) string {
	var fe *audio.FramingError
	if errors.As(err, &fe) {
		return "malformed audio"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.CodeTimeout
	}
	return engine.CodeOf(err)
}

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
