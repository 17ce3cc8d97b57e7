package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/engine"
	"github.com/loqalabs/comet/internal/pipeline"
	"github.com/loqalabs/comet/internal/protocol"
	"github.com/loqalabs/comet/internal/room"
	"github.com/loqalabs/comet/internal/stt"
	"github.com/loqalabs/comet/internal/translate"
	"github.com/loqalabs/comet/internal/tts"
	"github.com/loqalabs/comet/internal/voices"
)

type testEnv struct {
	server  *httptest.Server
	handler http.Handler
	rooms   *room.Registry
}

func newTestEnv(t *testing.T, mutate func(*room.Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := pipeline.New(pipeline.Engines{
		Recognizer:  stt.NewMockRecognizer("hello"),
		Translator:  translate.NewMockTranslator(),
		Synthesizer: tts.NewMockSynth(16000, 1),
	}, pipeline.Options{
		Policy:           engine.Policy{Timeout: 2 * time.Second},
		SilenceThreshold: 0.001,
		DefaultVoice:     "default",
	}, logger)

	cfg := room.Config{
		GracePeriod: 100 * time.Millisecond,
		Session: room.SessionConfig{
			QueueSize:      16,
			OverflowPolicy: room.OverflowDropOldest,
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
	if mutate != nil {
		mutate(&cfg)
	}
	reg := room.NewRegistry(context.Background(), cfg, p, nil, logger)
	srv := New(reg, p, voices.NewMemoryStore(), Options{
		AllowedOrigins: []string{"*"},
		MaxUploadBytes: 1 << 20,
		DefaultVoice:   "default",
	}, logger)
	handler := srv.Handler()
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
		ts.Close()
	})
	return &testEnv{server: ts, handler: handler, rooms: reg}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireFrame struct {
	Type           string `json:"type"`
	Code           string `json:"code"`
	Text           string `json:"text"`
	SourceText     string `json:"source_text"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	TargetLanguage string `json:"target_language"`
	Audio          string `json:"audio"`
	Kind           string `json:"kind"`
	Closing        bool   `json:"closing"`
}

func readFrame(t *testing.T, conn *websocket.Conn, skip ...string) wireFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f wireFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		skipped := false
		for _, s := range skip {
			if f.Type == s {
				skipped = true
			}
		}
		if !skipped {
			return f
		}
	}
}

func tone(t *testing.T, amplitude float64) []byte {
	t.Helper()
	const rate = 16000
	pcm := make([]byte, rate/5*2)
	for i := 0; i < len(pcm)/2; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/rate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	data, err := audio.EncodePCM16(pcm, rate, 1)
	if err != nil {
		t.Fatalf("encode tone: %v", err)
	}
	return data
}

func waitForSize(t *testing.T, reg *room.Registry, roomID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := reg.Lookup(roomID); ok && r.Size() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d participants", roomID, n)
}

func TestAudioRoomDeliversTranslatedSpeech(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "/ws/audio/lobby/voice-1/alice/Alice?language=en")
	bob := env.dial(t, "/ws/audio/lobby/voice-1/bob/Bob?language=es")
	waitForSize(t, env.rooms, "lobby", 2)

	notice := readFrame(t, alice)
	if notice.Type != protocol.TypeNotice || notice.Text != "Bob has joined room lobby." {
		t.Fatalf("unexpected notice %+v", notice)
	}

	if err := alice.WriteMessage(websocket.BinaryMessage, tone(t, 8000)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	got := readFrame(t, bob, protocol.TypeNotice)
	if got.Type != protocol.TypeTranslation {
		t.Fatalf("expected translation, got %+v", got)
	}
	if got.SourceText != "hello" || got.Text != "hola" || got.TargetLanguage != "es" {
		t.Fatalf("unexpected translation %+v", got)
	}
	if got.UserID != "alice" || got.Username != "Alice" || got.Kind != protocol.KindAudio || got.Audio == "" {
		t.Fatalf("missing attribution or audio in %+v", got)
	}
}

func TestChatRoomTranslatesText(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "/ws/chat/cafe/voice-1/alice/Alice?language=en")
	bob := env.dial(t, "/ws/chat/cafe/voice-1/bob/Bob?language=fr")
	waitForSize(t, env.rooms, "cafe", 2)

	if err := alice.WriteJSON(protocol.ClientFrame{Type: protocol.TypeMessage, Text: "thank you"}); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	got := readFrame(t, bob, protocol.TypeNotice)
	if got.Text != "merci" || got.Kind != protocol.KindText {
		t.Fatalf("unexpected chat translation %+v", got)
	}
}

func TestDisconnectNoticeBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "/ws/chat/cafe/voice-1/alice/Alice?language=en")
	bob := env.dial(t, "/ws/chat/cafe/voice-1/bob/Bob?language=fr")
	waitForSize(t, env.rooms, "cafe", 2)
	readFrame(t, alice) // join notice

	_ = bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = bob.Close()

	got := readFrame(t, alice)
	if got.Type != protocol.TypeNotice || got.Text != "Bob has disconnected from room cafe." {
		t.Fatalf("unexpected notice %+v", got)
	}
}

func TestFullRoomRejected(t *testing.T) {
	env := newTestEnv(t, func(c *room.Config) { c.MaxParticipants = 1 })
	env.dial(t, "/ws/chat/tiny/voice-1/alice/Alice")
	waitForSize(t, env.rooms, "tiny", 1)

	bob := env.dial(t, "/ws/chat/tiny/voice-1/bob/Bob")
	got := readFrame(t, bob)
	if got.Code != protocol.CodeRoomFull || !got.Closing {
		t.Fatalf("expected closing room_full error, got %+v", got)
	}
	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to be closed")
	}
	r, _ := env.rooms.Lookup("tiny")
	if r.Size() != 1 {
		t.Fatalf("rejected client must not be added, size %d", r.Size())
	}
}

func TestInvalidLanguageRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/chat/lobby/voice-1/alice/Alice?language=%3F%3F"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func uploadForm(t *testing.T, fields map[string]string, fileField string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if file != nil {
		fw, err := mw.CreateFormFile(fileField, "sample.wav")
		if err != nil {
			t.Fatalf("create file: %v", err)
		}
		if _, err := fw.Write(file); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func post(t *testing.T, env *testEnv, path string, body io.Reader, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(env.server.URL+path, contentType, body)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func errorCode(out map[string]any) string {
	detail, _ := out["error"].(map[string]any)
	code, _ := detail["code"].(string)
	return code
}

func TestTranslateEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	body, ct := uploadForm(t, map[string]string{"target_language": "es", "source_language": "en"}, "audio", tone(t, 8000))
	resp, out := post(t, env, "/v1/audio/translate", body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, out)
	}
	if out["source_text"] != "hello" || out["original_text"] != "hello" || out["translated_text"] != "hola" {
		t.Fatalf("unexpected body %v", out)
	}
	if s, _ := out["audio_base64"].(string); s == "" {
		t.Fatalf("expected synthesized audio")
	}
	if out["target_language"] != "es" {
		t.Fatalf("unexpected target language %v", out["target_language"])
	}
}

func TestTranslateEndpointErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		name   string
		fields map[string]string
		file   []byte
		status int
		code   string
	}{
		{"silence", map[string]string{"target_language": "es"}, tone(t, 0), http.StatusUnprocessableEntity, protocol.CodeUnintelligibleAudio},
		{"bad language", map[string]string{"target_language": "??"}, tone(t, 8000), http.StatusUnprocessableEntity, protocol.CodeUnsupportedLanguage},
		{"missing target", map[string]string{}, tone(t, 8000), http.StatusBadRequest, protocol.CodeBadRequest},
		{"missing file", map[string]string{"target_language": "es"}, nil, http.StatusBadRequest, protocol.CodeBadRequest},
		{"not wav", map[string]string{"target_language": "es"}, []byte("garbage"), http.StatusBadRequest, protocol.CodeFramingError},
	}
	for _, tc := range cases {
		body, ct := uploadForm(t, tc.fields, "audio", tc.file)
		resp, out := post(t, env, "/v1/audio/translate", body, ct)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d (%v)", tc.name, tc.status, resp.StatusCode, out)
		}
		if got := errorCode(out); got != tc.code {
			t.Fatalf("%s: expected code %s, got %s", tc.name, tc.code, got)
		}
	}
}

func TestTranslateEndpointRejectsLargeUpload(t *testing.T) {
	env := newTestEnv(t, nil)
	body, ct := uploadForm(t, map[string]string{"target_language": "es"}, "audio", make([]byte, 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/translate", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := errorCode(out); got != protocol.CodeUploadTooLarge {
		t.Fatalf("expected upload_too_large, got %s", got)
	}
}

func TestAddVoice(t *testing.T) {
	env := newTestEnv(t, nil)
	body, ct := uploadForm(t, map[string]string{"name": "narrator"}, "files", tone(t, 8000))
	resp, out := post(t, env, "/v1/voices/add", body, ct)
	if resp.StatusCode != http.StatusOK || out["status"] != "success" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, out)
	}
	if id, _ := out["voice_id"].(string); id == "" {
		t.Fatalf("expected voice id")
	}

	body, ct = uploadForm(t, map[string]string{}, "files", tone(t, 8000))
	resp, out = post(t, env, "/v1/voices/add", body, ct)
	if resp.StatusCode != http.StatusBadRequest || out["status"] != "error" {
		t.Fatalf("expected error for missing name, got %d %v", resp.StatusCode, out)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/v1/audio/translate", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
