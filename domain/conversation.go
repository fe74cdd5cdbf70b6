package domain

import (
	"errors"
	"time"
)

// ConversationState represents where a conversation currently is in its
// listen/process/speak cycle. Only the orchestrator mutates it.
type ConversationState string

const (
	ConversationIdle       ConversationState = "idle"
	ConversationListening  ConversationState = "listening"
	ConversationProcessing ConversationState = "processing"
	ConversationSpeaking   ConversationState = "speaking"
)

// SocketState represents the lifecycle of the conversation socket. It is
// independent of ConversationState: a socket can be connected while the
// conversation is idle.
type SocketState string

const (
	SocketDisconnected SocketState = "disconnected"
	SocketConnecting   SocketState = "connecting"
	SocketConnected    SocketState = "connected"
	SocketError        SocketState = "error"
)

// AudioLevel is an instantaneous energy reading in [0,255]. It is a live
// signal for UI metering, not a persisted record.
type AudioLevel uint8

// ConversationMetadata tracks in-memory bookkeeping for one conversation.
// ConversationID is assigned by the remote service on the first
// acknowledgment.
type ConversationMetadata struct {
	SessionKey      string
	ConversationID  string
	MessageCount    int
	StartTime       time.Time
	LastMessageTime *time.Time
}

// NewConversationMetadata creates metadata for a conversation starting now.
func NewConversationMetadata(sessionKey string) *ConversationMetadata {
	return &ConversationMetadata{
		SessionKey: sessionKey,
		StartTime:  time.Now(),
	}
}

// RecordResponse increments the message counter for a completed response.
func (m *ConversationMetadata) RecordResponse() {
	m.MessageCount++
	now := time.Now()
	m.LastMessageTime = &now
}

// RequestKind identifies the kind of an outbound request.
type RequestKind string

const (
	RequestMessage RequestKind = "message"
	RequestAudio   RequestKind = "audio"
	RequestPing    RequestKind = "ping"
	RequestStats   RequestKind = "stats"
)

// PendingRequest is an outbound request awaiting its response. TrackingID is
// unique across all concurrently pending requests of a connection.
type PendingRequest struct {
	TrackingID  string
	Kind        RequestKind
	SubmittedAt time.Time
}

// VoiceActivityState is a snapshot of the voice activity detector.
type VoiceActivityState struct {
	ConsecutiveVoiceFrames    int
	Threshold                 int
	RequiredConsecutiveFrames int
}

// VoiceDetected reports whether enough consecutive frames exceeded the
// threshold.
func (s VoiceActivityState) VoiceDetected() bool {
	return s.ConsecutiveVoiceFrames >= s.RequiredConsecutiveFrames
}

// ReconnectState tracks backoff reconnection progress. Attempt resets to 0 on
// every successful connection.
type ReconnectState struct {
	Attempt     int
	MaxAttempts int
}

// Exhausted reports whether no further reconnect attempts are allowed.
func (r ReconnectState) Exhausted() bool {
	return r.Attempt >= r.MaxAttempts
}

// Error taxonomy for the pipeline. Device and exhausted-reconnect errors are
// terminal for the conversation; the rest are recovered locally.
var (
	// ErrDeviceUnavailable means no input device exists or permission was
	// denied. Fatal to starting a conversation, never retried silently.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrNotConnected is returned when a send is attempted without an open
	// socket. The request is not queued.
	ErrNotConnected = errors.New("socket not connected")

	// ErrConnectionFailed means the socket closed abnormally and reconnect
	// attempts are exhausted.
	ErrConnectionFailed = errors.New("connection failed after retries")
)
