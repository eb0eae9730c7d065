package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// EventType identifies upstream realtime event variants.
type EventType string

const (
	TypeSessionUpdate  EventType = "session.update"
	TypeSessionCreated EventType = "session.created"
	TypeSessionUpdated EventType = "session.updated"
	TypeError          EventType = "error"
)

const (
	ModalityText  = "text"
	ModalityAudio = "audio"

	TurnDetectionServerVAD = "server_vad"
)

// Frame is one websocket message relayed verbatim. Type is a gorilla message
// type (websocket.TextMessage or websocket.BinaryMessage).
type Frame struct {
	Type    int
	Payload []byte
}

func TextFrame(payload []byte) Frame {
	return Frame{Type: websocket.TextMessage, Payload: payload}
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int64   `json:"prefix_padding_ms"`
	SilenceDurationMS int64   `json:"silence_duration_ms"`
}

// ServerVAD builds a server-side voice activity detection policy.
func ServerVAD(threshold float64, prefixPadding, silence time.Duration) TurnDetection {
	return TurnDetection{
		Type:              TurnDetectionServerVAD,
		Threshold:         threshold,
		PrefixPaddingMS:   prefixPadding.Milliseconds(),
		SilenceDurationMS: silence.Milliseconds(),
	}
}

// SessionSettings is shared by the issuance request and the session.update handshake.
type SessionSettings struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions"`
	Voice             string         `json:"voice"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// NewSessionSettings fills modalities and audio formats, which never vary.
func NewSessionSettings(voice, instructions, audioFormat string, td TurnDetection) SessionSettings {
	return SessionSettings{
		Modalities:        []string{ModalityText, ModalityAudio},
		Instructions:      instructions,
		Voice:             voice,
		InputAudioFormat:  audioFormat,
		OutputAudioFormat: audioFormat,
		TurnDetection:     &td,
	}
}

// SessionCreateRequest is the body POSTed to the upstream session endpoint.
type SessionCreateRequest struct {
	Model string `json:"model"`
	SessionSettings
}

type SessionUpdate struct {
	Type    EventType       `json:"type"`
	Session SessionSettings `json:"session"`
}

// EncodeSessionUpdate renders the one-time configuration control message.
func EncodeSessionUpdate(s SessionSettings) ([]byte, error) {
	raw, err := json.Marshal(SessionUpdate{Type: TypeSessionUpdate, Session: s})
	if err != nil {
		return nil, fmt.Errorf("encode session.update: %w", err)
	}
	return raw, nil
}

type envelope struct {
	Type EventType `json:"type"`
}

// EventTypeOf sniffs the "type" field of an upstream event. Non-JSON payloads
// yield an empty type.
func EventTypeOf(payload []byte) EventType {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.Type
}

// IsSessionReady reports whether the upstream acknowledged the session configuration.
func IsSessionReady(payload []byte) bool {
	return EventTypeOf(payload) == TypeSessionUpdated
}
