package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/pipeline"
	"github.com/loqalabs/comet/internal/protocol"
	"github.com/loqalabs/comet/internal/room"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.serveRoom(w, r, room.KindChat)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	s.serveRoom(w, r, room.KindAudio)
}

// serveRoom upgrades the request, joins the room and serves the session
// until it closes.
func (s *Server) serveRoom(w http.ResponseWriter, r *http.Request, kind room.Kind) {
	ident, err := identityFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	if err := s.rooms.Admit(ident.RoomID, ident.UserID); err != nil {
		s.reject(conn, err)
		_ = conn.Close()
		return
	}
	session := s.rooms.NewSession(conn, ident, kind)
	if _, err := s.rooms.Join(ident.RoomID, ident.ModelID, session); err != nil {
		s.log.Info("join rejected", slog.String("error", err.Error()))
		session.Reject(rejectCode(err), err.Error())
		return
	}
	s.log.Info("websocket connected",
		slog.String("kind", string(kind)),
		slog.String("room_id", ident.RoomID),
		slog.String("user_id", ident.UserID),
		slog.String("conn_id", session.ID()))
	session.Run(r.Context())
}

// reject tells a client refused before it had a session why it could not
// join.
func (s *Server) reject(conn *websocket.Conn, err error) {
	code := rejectCode(err)
	s.log.Info("join refused", slog.String("error", err.Error()))
	deadline := time.Now().Add(time.Second)
	_ = conn.SetWriteDeadline(deadline)
	frame := protocol.ErrorFrame{Type: protocol.TypeError, Code: code, Message: err.Error(), Closing: true}
	if err := conn.WriteJSON(frame); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
}

func rejectCode(err error) string {
	var capErr *room.CapacityError
	if errors.As(err, &capErr) {
		return protocol.CodeRoomFull
	}
	return protocol.CodeConnectionClosing
}

func identityFrom(r *http.Request) (room.Identity, error) {
	ident := room.Identity{
		RoomID:   r.PathValue("room_id"),
		ModelID:  r.PathValue("model_id"),
		UserID:   r.PathValue("user_id"),
		Username: r.PathValue("username"),
	}
	if ident.RoomID == "" || ident.UserID == "" {
		return room.Identity{}, errors.New("room_id and user_id are required")
	}
	if ident.Username == "" {
		ident.Username = ident.UserID
	}
	q := r.URL.Query()
	lang, err := pipeline.NormalizeLanguage(q.Get("language"))
	if err != nil {
		return room.Identity{}, err
	}
	ident.Language = lang
	switch format := q.Get("format"); format {
	case "", audio.FormatWAV, audio.FormatPCM16:
		ident.Format = format
	default:
		return room.Identity{}, errors.New("format must be wav or pcm16")
	}
	return ident, nil
}
