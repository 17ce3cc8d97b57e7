// Package server exposes rooms over WebSocket and the single-shot
// translation and voice enrollment endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/comet/internal/pipeline"
	"github.com/loqalabs/comet/internal/room"
	"github.com/loqalabs/comet/internal/voices"
)

// Translator runs one upload through the pipeline.
type Translator interface {
	Translate(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
}

type Options struct {
	AllowedOrigins []string
	MaxUploadBytes int64
	// DefaultVoice is used by /v1/audio/translate when no model_id is sent.
	DefaultVoice string
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready func() bool
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	rooms      *room.Registry
	translator Translator
	voices     voices.Store
	opts       Options
	log        *slog.Logger
	upgrader   websocket.Upgrader
}

func New(rooms *room.Registry, translator Translator, store voices.Store, opts Options, logger *slog.Logger) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 << 20
	}
	s := &Server{
		rooms:      rooms,
		translator: translator,
		voices:     store,
		opts:       opts,
		log:        logger.With(slog.String("component", "http")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat/{room_id}/{model_id}/{user_id}/{username}", s.handleChat)
	mux.HandleFunc("GET /ws/audio/{room_id}/{model_id}/{user_id}/{username}", s.handleAudio)
	mux.HandleFunc("POST /v1/audio/translate", s.handleTranslate)
	mux.HandleFunc("POST /v1/voices/add", s.handleAddVoice)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	return s.cors(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready == nil || s.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	return s.originAllowed(r.Header.Get("Origin"))
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
					h.Set("Access-Control-Allow-Headers", req)
				} else {
					h.Set("Access-Control-Allow-Headers", "*")
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
