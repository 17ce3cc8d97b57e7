package protocol

import (
	"strings"
	"time"
)

// Frame types sent to WebSocket clients.
const (
	TypeTranslation = "translation"
	TypeNotice      = "notice"
	TypeError       = "error"
)

// Frame types accepted from WebSocket clients.
const (
	TypeMessage        = "message"
	TypeEndOfUtterance = "end_of_utterance"
)

// Result kinds.
const (
	KindAudio = "audio"
	KindText  = "text"
)

// Error codes carried by ErrorFrame and by synchronous error responses.
const (
	CodeUtteranceDropped    = "utterance_dropped"
	CodeFramingError        = "framing_error"
	CodeRoomFull            = "room_full"
	CodeConnectionClosing   = "connection_closing"
	CodeUnintelligibleAudio = "unintelligible_audio"
	CodeUnsupportedLanguage = "unsupported_language"
	CodeEngineFailure       = "engine_failure"
	CodeRateLimited         = "rate_limited"
	CodeBadRequest          = "bad_request"
	CodeUploadTooLarge      = "upload_too_large"
	CodeVoiceStoreFailure   = "voice_store_failure"
)

// TranslationFrame delivers one TranslationResult to one recipient.
type TranslationFrame struct {
	Type           string `json:"type"`
	UnitID         string `json:"unit_id"`
	ModelID        string `json:"model_id"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	SourceText     string `json:"source_text"`
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language"`
	Audio          string `json:"audio,omitempty"`
	AudioFormat    string `json:"audio_format,omitempty"`
	Kind           string `json:"kind"`
}

// NoticeFrame is a room announcement such as a join or disconnect.
type NoticeFrame struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// ErrorFrame is an out-of-band failure. Closing distinguishes a dropped
// utterance from a connection that is about to be closed.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	UnitID  string `json:"unit_id,omitempty"`
	Closing bool   `json:"closing"`
}

// ClientFrame is a control or chat frame sent by a client as text.
type ClientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// RoomEvent is published on the bus and recorded in the event store.
type RoomEvent struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"room_id"`
	ModelID   string    `json:"model_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	ConnID    string    `json:"conn_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Room event types.
const (
	EventRoomCreated      = "room.created"
	EventRoomEvicted      = "room.evicted"
	EventParticipantJoin  = "participant.joined"
	EventParticipantLeave = "participant.left"
	EventUnitDropped      = "unit.dropped"
)

const (
	SubjectRoomEventsPrefix = "rooms"
)

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// RoomSubject returns the bus subject for events of one room. Characters
// that are significant to NATS subjects are replaced in the room id.
func RoomSubject(prefix, roomID, eventType string) string {
	return prefix + "." + SubjectRoomEventsPrefix + "." + subjectToken.Replace(roomID) + "." + eventType
}

// RoomSubjectFilter matches every event of roomID, or of all rooms when
// roomID is empty.
func RoomSubjectFilter(prefix, roomID string) string {
	if roomID == "" {
		return prefix + "." + SubjectRoomEventsPrefix + ".>"
	}
	return prefix + "." + SubjectRoomEventsPrefix + "." + subjectToken.Replace(roomID) + ".>"
}
