package socket

import (
	"encoding/json"
	"fmt"
)

// MessageType defines the type of a conversation socket frame
type MessageType string

// Outbound frame types
const (
	MessageTypeMessage MessageType = "message"
	MessageTypeAudio   MessageType = "audio"
	MessageTypePing    MessageType = "ping"
	MessageTypeStats   MessageType = "stats"
)

// Inbound frame types
const (
	MessageTypeConversationStarted MessageType = "conversation_started"
	MessageTypeTranscription       MessageType = "transcription"
	MessageTypeShoppingResponse    MessageType = "shopping_response"
	MessageTypeAudioResponse       MessageType = "audio_response"
	MessageTypePong                MessageType = "pong"
	MessageTypeError               MessageType = "error"
)

// OutboundMessage is a client-to-server frame. Data carries text for
// "message" frames and base64 audio for "audio" frames.
type OutboundMessage struct {
	Type       MessageType `json:"type"`
	Data       string      `json:"data,omitempty"`
	Format     string      `json:"format,omitempty"`
	Language   string      `json:"language,omitempty"`
	TrackingID string      `json:"tracking_id"`
}

// ResponsePayload is the body of a shopping_response frame.
type ResponsePayload struct {
	DurationMs       int64                  `json:"duration_ms"`
	AudioBase64      string                 `json:"audio_base64,omitempty"`
	ExecutionDetails map[string]interface{} `json:"execution_details,omitempty"`
}

// AudioPayload is the body of an audio_response frame.
type AudioPayload struct {
	AudioBase64 string `json:"audio_base64"`
}

// InboundMessage is a server-to-client frame, discriminated by Type.
type InboundMessage struct {
	Type             MessageType      `json:"type"`
	ConversationID   string           `json:"conversation_id,omitempty"`
	Text             string           `json:"text,omitempty"`
	ShoppingResponse *ResponsePayload `json:"shopping_response,omitempty"`
	AudioResponse    *AudioPayload    `json:"audio_response,omitempty"`
	Error            string           `json:"error,omitempty"`
	TrackingID       string           `json:"tracking_id,omitempty"`
}

// Audio returns the synthesized audio carried by a response frame, if any.
// audio_response takes precedence over the inline shopping_response audio.
func (m *InboundMessage) Audio() string {
	if m.AudioResponse != nil && m.AudioResponse.AudioBase64 != "" {
		return m.AudioResponse.AudioBase64
	}
	if m.ShoppingResponse != nil {
		return m.ShoppingResponse.AudioBase64
	}
	return ""
}

var inboundTypes = map[MessageType]bool{
	MessageTypeConversationStarted: true,
	MessageTypeTranscription:       true,
	MessageTypeShoppingResponse:    true,
	MessageTypeAudioResponse:       true,
	MessageTypePong:                true,
	MessageTypeError:               true,
}

// ParseInbound parses a server frame. Unknown message kinds are reported via
// the boolean, not as an error, because the protocol treats them as
// ignorable.
func ParseInbound(data []byte) (*InboundMessage, bool, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, fmt.Errorf("invalid JSON frame: %w", err)
	}
	if msg.Type == "" {
		return nil, false, fmt.Errorf("frame missing type field")
	}
	if !inboundTypes[msg.Type] {
		return &msg, false, nil
	}
	return &msg, true, nil
}
