// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the wire message kinds exchanged over the
// client session channel and the worker node channel (§6), and the
// discriminated envelope used to parse and emit them. Both channels
// carry one JSON object per frame, tagged by a "type" field, matching
// the tagged-response-struct idiom apimodels uses for the dashboard API
// — generalized here to a two-way discriminated union since both
// channels are bidirectional.
package protocol

import "encoding/json"

// SessionMessageType discriminates inbound/outbound session-channel frames.
type SessionMessageType string

const (
	// Inbound (client -> scheduler)
	SessionMsgSessionInit SessionMessageType = "session_init"
	SessionMsgAudioChunk  SessionMessageType = "audio_chunk"
	SessionMsgHeartbeat   SessionMessageType = "heartbeat"
	SessionMsgClose       SessionMessageType = "close"

	// Outbound (scheduler -> client)
	SessionMsgSessionAck       SessionMessageType = "session_ack"
	SessionMsgUiEvent          SessionMessageType = "ui_event"
	SessionMsgTranslationResult SessionMessageType = "translation_result"
	SessionMsgError            SessionMessageType = "error"
	SessionMsgServerHeartbeat  SessionMessageType = "server_heartbeat"
)

// SessionEnvelope is the outer frame for every session-channel message;
// Payload is re-unmarshalled into the concrete type named by Type.
type SessionEnvelope struct {
	Type    SessionMessageType `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

// SessionMode is the translation mode requested at session init.
type SessionMode string

const (
	ModeOneWay     SessionMode = "one-way"
	ModeTwoWayAuto SessionMode = "two-way-auto"
)

// SessionInit is the first message a client must send on a new session
// channel, establishing the language pair, mode and optional tenant.
type SessionInit struct {
	ClientVersion string      `json:"client_version"`
	Platform      string      `json:"platform"`
	SrcLang       string      `json:"src_lang"`
	TgtLang       string      `json:"tgt_lang"`
	Dialect       string      `json:"dialect,omitempty"`
	Features      map[string]any `json:"features,omitempty"`
	TenantID      string      `json:"tenant_id,omitempty"`
	Mode          SessionMode `json:"mode,omitempty"`
	LangA         string      `json:"lang_a,omitempty"`
	LangB         string      `json:"lang_b,omitempty"`
	AutoLangs     []string    `json:"auto_langs,omitempty"`
}

// AudioChunk is one inbound chunk of the client's audio stream.
type AudioChunk struct {
	SessionID      string `json:"session_id"`
	UtteranceIndex int    `json:"utterance_index"`
	Chunk          []byte `json:"chunk"`
	IsFinal        bool   `json:"is_final"`
	ClientTSMS     *int64 `json:"client_ts_ms,omitempty"`
}

// SessionAck confirms session-init succeeded.
type SessionAck struct {
	SessionID string `json:"session_id"`
}

// UiEventKind is one phase of utterance processing surfaced to the client.
type UiEventKind string

const (
	UiEventInputStarted   UiEventKind = "InputStarted"
	UiEventInputEnded     UiEventKind = "InputEnded"
	UiEventAsrPartial     UiEventKind = "AsrPartial"
	UiEventAsrFinal       UiEventKind = "AsrFinal"
	UiEventDispatched     UiEventKind = "Dispatched"
	UiEventNodeAccepted   UiEventKind = "NodeAccepted"
	UiEventNmtDone        UiEventKind = "NmtDone"
	UiEventTtsPlayStarted UiEventKind = "TtsPlayStarted"
	UiEventTtsPlayEnded   UiEventKind = "TtsPlayEnded"
	UiEventError          UiEventKind = "Error"
)

// UiEvent reports one phase transition of an utterance's processing.
type UiEvent struct {
	Event          UiEventKind `json:"event"`
	Status         string      `json:"status,omitempty"`
	JobID          string      `json:"job_id,omitempty"`
	UtteranceIndex int         `json:"utterance_index"`
	ElapsedMS      *int64      `json:"elapsed_ms,omitempty"`
	ErrorCode      string      `json:"error_code,omitempty"`
	Hint           string      `json:"hint,omitempty"`
}

// TranslationResult delivers one completed utterance's translation.
type TranslationResult struct {
	TextASR        string `json:"text_asr"`
	TextTranslated string `json:"text_translated"`
	TTSAudio       []byte `json:"tts_audio"`
	UtteranceIndex int    `json:"utterance_index"`
	TraceID        string `json:"trace_id"`
}

// ErrorMessage is a terminal error delivered to the client.
type ErrorMessage struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ServerHeartbeat is the scheduler's keepalive reply on the session channel.
type ServerHeartbeat struct {
	SessionID string `json:"session_id"`
	TSMs      int64  `json:"ts"`
}

// ErrorCode is one of the taxonomy entries propagated to clients via
// ErrorMessage.Code / UiEvent.ErrorCode (§7).
type ErrorCode string

const (
	ErrCodeInvalidMessage        ErrorCode = "INVALID_MESSAGE"
	ErrCodeInvalidSession        ErrorCode = "INVALID_SESSION"
	ErrCodeSessionClosed         ErrorCode = "SESSION_CLOSED"
	ErrCodeNoAvailableNode       ErrorCode = "NO_AVAILABLE_NODE"
	ErrCodeModelNotAvailable     ErrorCode = "MODEL_NOT_AVAILABLE"
	ErrCodeWSDisconnected        ErrorCode = "WS_DISCONNECTED"
	ErrCodeNMTTimeout            ErrorCode = "NMT_TIMEOUT"
	ErrCodeTTSTimeout            ErrorCode = "TTS_TIMEOUT"
	ErrCodeModelVerifyFailed     ErrorCode = "MODEL_VERIFY_FAILED"
	ErrCodeModelCorrupted        ErrorCode = "MODEL_CORRUPTED"
	ErrCodeNodeIDConflict        ErrorCode = "NODE_ID_CONFLICT"
	ErrCodeInvalidCapabilitySchema ErrorCode = "INVALID_CAPABILITY_SCHEMA"
	ErrCodeNoGPUAvailable        ErrorCode = "NO_GPU_AVAILABLE"
	ErrCodeSchedulerDependencyDown ErrorCode = "SchedulerDependencyDown"
	ErrCodeTooManyRequests       ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeInternalError         ErrorCode = "INTERNAL_ERROR"
)

// DecodeSessionEnvelope unmarshals a raw session-channel frame.
func DecodeSessionEnvelope(raw []byte) (SessionEnvelope, error) {
	var env SessionEnvelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// EncodeSessionMessage wraps a concrete outbound payload in its envelope.
func EncodeSessionMessage(typ SessionMessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SessionEnvelope{Type: typ, Payload: raw})
}
