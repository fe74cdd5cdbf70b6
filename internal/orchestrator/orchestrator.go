// Package orchestrator runs the conversation state machine: it owns the
// listen/process/speak cycle, end-of-utterance detection, and barge-in.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tokovoice/voicepipe/domain"
	"github.com/tokovoice/voicepipe/internal/capture"
	"github.com/tokovoice/voicepipe/internal/playback"
	"github.com/tokovoice/voicepipe/internal/socket"
	"github.com/tokovoice/voicepipe/internal/vad"
)

// Conn is the slice of the socket client the orchestrator depends on.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SendMessage(text string) (string, error)
	SendAudio(payload []byte, format string) (string, error)
	RequestStats() (string, error)
	Events() <-chan socket.Event
	State() domain.SocketState
}

// NoticeKind classifies user-facing notices.
type NoticeKind int

const (
	// NoticeInfo is informational (connected, reply received).
	NoticeInfo NoticeKind = iota

	// NoticeTranscript carries the server's transcription of an utterance.
	NoticeTranscript

	// NoticeError is a recoverable error; the conversation continues.
	NoticeError

	// NoticeFatal means the conversation was torn down.
	NoticeFatal
)

// Notice is a user-facing event published by the orchestrator.
type Notice struct {
	Kind NoticeKind
	Text string
	Err  error
}

// Options tunes the orchestrator.
type Options struct {
	SessionKey string

	// AudioFormat is the encoding declared on outbound utterances.
	AudioFormat string

	// SilencePoll is how often end-of-utterance is evaluated while
	// listening.
	SilencePoll time.Duration
}

type command struct {
	run   func() error
	reply chan error
}

// Orchestrator drives one conversation. All state transitions happen on the
// single Run goroutine; the public methods only submit work to it.
type Orchestrator struct {
	conn     Conn
	capture  *capture.Controller
	playback *playback.Controller
	monitor  *vad.Monitor
	opts     Options
	logger   *zap.Logger

	cmds    chan command
	notices chan Notice
	levels  chan domain.AudioLevel

	// stopped is closed when Run returns, releasing any public method
	// blocked on the command channel.
	stopped chan struct{}

	// playEnded carries the generation of a finished playback so stale
	// completions from before a barge-in are ignored.
	playEnded chan int

	stateCh  chan domain.ConversationState
	state    domain.ConversationState
	metadata *domain.ConversationMetadata

	playGen   int
	pendingID string

	// runCtx is set by Run before its loop starts and is touched only by
	// the loop goroutine; public methods synchronize on cmds/stopped.
	runCtx context.Context
}

// New creates an orchestrator. Run must be started before the public methods
// are used.
func New(
	conn Conn,
	capt *capture.Controller,
	play *playback.Controller,
	monitor *vad.Monitor,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	if opts.AudioFormat == "" {
		opts.AudioFormat = "wav"
	}
	if opts.SilencePoll <= 0 {
		opts.SilencePoll = 100 * time.Millisecond
	}
	return &Orchestrator{
		conn:      conn,
		capture:   capt,
		playback:  play,
		monitor:   monitor,
		opts:      opts,
		logger:    logger,
		cmds:      make(chan command),
		notices:   make(chan Notice, 16),
		levels:    make(chan domain.AudioLevel, 32),
		stopped:   make(chan struct{}),
		playEnded: make(chan int, 4),
		stateCh:   make(chan domain.ConversationState, 1),
		state:     domain.ConversationIdle,
	}
}

// Run executes the state machine until ctx is cancelled. It is the only
// goroutine that mutates conversation state.
func (o *Orchestrator) Run(ctx context.Context) {
	o.runCtx = ctx
	defer close(o.stopped)

	ticker := time.NewTicker(o.opts.SilencePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.forceIdle()
			return

		case cmd := <-o.cmds:
			cmd.reply <- cmd.run()

		case ev, ok := <-o.conn.Events():
			if !ok {
				o.forceIdle()
				return
			}
			o.handleSocketEvent(ev)

		case level := <-o.monitor.Levels():
			o.handleLevel(level)

		case gen := <-o.playEnded:
			o.handlePlaybackEnded(gen)

		case <-ticker.C:
			o.pollSilence()
		}
	}
}

// StartConversation initializes capture, connects the socket, and begins
// listening. Starting while already active is ignored.
func (o *Orchestrator) StartConversation() error {
	return o.submit(o.start)
}

// StopConversation tears the conversation down to idle: playback stopped,
// device released, socket closed intentionally.
func (o *Orchestrator) StopConversation() error {
	return o.submit(func() error {
		o.forceIdle()
		return nil
	})
}

// SendText submits a typed message instead of a spoken one. Any in-progress
// recording is discarded.
func (o *Orchestrator) SendText(text string) error {
	return o.submit(func() error { return o.sendText(text) })
}

// RequestStats asks the server for conversation statistics.
func (o *Orchestrator) RequestStats() error {
	return o.submit(func() error {
		if o.state == domain.ConversationIdle {
			return domain.ErrNotConnected
		}
		_, err := o.conn.RequestStats()
		return err
	})
}

// State returns the current conversation state.
func (o *Orchestrator) State() domain.ConversationState {
	reply := make(chan error, 1)
	var st domain.ConversationState
	select {
	case o.cmds <- command{run: func() error { st = o.state; return nil }, reply: reply}:
		<-reply
		return st
	case <-o.stopped:
		return domain.ConversationIdle
	}
}

// Metadata returns a snapshot of the conversation bookkeeping, or a zero
// value when no conversation was started yet.
func (o *Orchestrator) Metadata() domain.ConversationMetadata {
	reply := make(chan error, 1)
	var meta domain.ConversationMetadata
	select {
	case o.cmds <- command{run: func() error {
		if o.metadata != nil {
			meta = *o.metadata
		}
		return nil
	}, reply: reply}:
		<-reply
		return meta
	case <-o.stopped:
		return meta
	}
}

// Notices returns the user-facing event feed. Slow consumers lose notices
// rather than stalling the conversation.
func (o *Orchestrator) Notices() <-chan Notice {
	return o.notices
}

// Levels returns the live microphone level feed for metering.
func (o *Orchestrator) Levels() <-chan domain.AudioLevel {
	return o.levels
}

// SocketState reports the connection lifecycle state.
func (o *Orchestrator) SocketState() domain.SocketState {
	return o.conn.State()
}

func (o *Orchestrator) submit(run func() error) error {
	reply := make(chan error, 1)
	select {
	case o.cmds <- command{run: run, reply: reply}:
		return <-reply
	case <-o.stopped:
		return context.Canceled
	}
}

func (o *Orchestrator) start() error {
	if o.state != domain.ConversationIdle {
		o.logger.Warn("Conversation already active", zap.String("state", string(o.state)))
		return nil
	}

	if err := o.capture.Initialize(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	if err := o.conn.Connect(o.runCtx); err != nil {
		// Leave the device released; a failed start must not hold the
		// microphone.
		_ = o.capture.Cleanup()
		return err
	}

	o.metadata = domain.NewConversationMetadata(o.opts.SessionKey)
	o.enterListening()
	o.logger.Info("Conversation started", zap.String("sessionKey", o.opts.SessionKey))
	return nil
}

func (o *Orchestrator) sendText(text string) error {
	if o.state == domain.ConversationIdle {
		return domain.ErrNotConnected
	}

	o.capture.DiscardRecording()
	o.stopSpeaking()

	id, err := o.conn.SendMessage(text)
	if err != nil {
		o.enterListening()
		return err
	}
	o.pendingID = id
	o.setState(domain.ConversationProcessing)
	return nil
}

// pollSilence finalizes the current utterance once the silence window
// elapses. Recordings that never crossed the voice threshold are discarded
// instead of sent.
func (o *Orchestrator) pollSilence() {
	if o.state != domain.ConversationListening || !o.capture.IsSilent() {
		return
	}

	hadVoice := o.capture.HadVoice()
	payload := o.capture.StopRecording()
	if payload == nil || !hadVoice {
		o.capture.DiscardRecording()
		o.capture.StartRecording()
		return
	}

	id, err := o.conn.SendAudio(payload, o.opts.AudioFormat)
	if err != nil {
		o.publishNotice(Notice{Kind: NoticeError, Text: "failed to send utterance", Err: err})
		o.capture.StartRecording()
		return
	}

	o.pendingID = id
	o.setState(domain.ConversationProcessing)
	o.logger.Debug("Utterance submitted",
		zap.String("trackingID", id),
		zap.Int("bytes", len(payload)))
}

func (o *Orchestrator) handleSocketEvent(ev socket.Event) {
	switch ev.Kind {
	case socket.EventConnected:
		if o.state == domain.ConversationIdle {
			return
		}
		// A reconnect landed mid-conversation; resume listening.
		if o.state != domain.ConversationListening {
			o.enterListening()
		}
		o.publishNotice(Notice{Kind: NoticeInfo, Text: "connected"})

	case socket.EventDisconnected:
		if ev.Err != nil {
			o.publishNotice(Notice{Kind: NoticeFatal, Text: "connection lost", Err: ev.Err})
			o.forceIdle()
			return
		}
		if o.state != domain.ConversationIdle {
			// The server ended the conversation cleanly.
			o.publishNotice(Notice{Kind: NoticeInfo, Text: "connection closed"})
			o.forceIdle()
		}

	case socket.EventMessage:
		o.handleMessage(ev.Message)

	case socket.EventRequestExpired:
		if ev.Request.TrackingID != o.pendingID {
			return
		}
		o.pendingID = ""
		o.publishNotice(Notice{Kind: NoticeError, Text: "response timed out"})
		if o.state == domain.ConversationProcessing {
			o.enterListening()
		}
	}
}

func (o *Orchestrator) handleMessage(msg *socket.InboundMessage) {
	switch msg.Type {
	case socket.MessageTypeConversationStarted:
		if o.metadata != nil {
			o.metadata.ConversationID = msg.ConversationID
		}
		o.logger.Info("Conversation acknowledged", zap.String("conversationID", msg.ConversationID))

	case socket.MessageTypeTranscription:
		o.publishNotice(Notice{Kind: NoticeTranscript, Text: msg.Text})

	case socket.MessageTypeShoppingResponse, socket.MessageTypeAudioResponse:
		o.handleResponse(msg)

	case socket.MessageTypeError:
		o.publishNotice(Notice{Kind: NoticeError, Text: msg.Error})
		if o.state == domain.ConversationProcessing {
			o.enterListening()
		}

	case socket.MessageTypePong:
		// Liveness only.
	}
}

func (o *Orchestrator) handleResponse(msg *socket.InboundMessage) {
	if o.state == domain.ConversationIdle {
		return
	}

	if msg.TrackingID == o.pendingID {
		o.pendingID = ""
	}
	if o.metadata != nil {
		o.metadata.RecordResponse()
	}
	if msg.Text != "" {
		o.publishNotice(Notice{Kind: NoticeInfo, Text: msg.Text})
	}

	encoded := msg.Audio()
	if encoded == "" {
		o.enterListening()
		return
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		o.logger.Warn("Reply audio is not valid base64", zap.Error(err))
		o.enterListening()
		return
	}
	o.startSpeaking(audio)
}

// startSpeaking plays a reply. The generation counter lets the loop tell a
// natural completion apart from a playback it already abandoned.
func (o *Orchestrator) startSpeaking(audio []byte) {
	o.capture.DiscardRecording()
	o.setState(domain.ConversationSpeaking)

	o.playGen++
	gen := o.playGen
	ctx := o.runCtx

	go func() {
		_ = o.playback.Play(ctx, audio)
		select {
		case o.playEnded <- gen:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) handlePlaybackEnded(gen int) {
	if gen != o.playGen || o.state != domain.ConversationSpeaking {
		return
	}
	o.enterListening()
}

// handleLevel republishes the microphone level for metering and checks for
// barge-in: the user speaking over the assistant interrupts the reply.
func (o *Orchestrator) handleLevel(level domain.AudioLevel) {
	select {
	case o.levels <- level:
	default:
	}

	if o.state == domain.ConversationSpeaking && o.monitor.VoiceDetected() {
		o.logger.Info("Barge-in detected, interrupting reply")
		o.stopSpeaking()
		o.enterListening()
	}
}

// stopSpeaking abandons the current playback, if any. The bumped generation
// makes its completion a no-op.
func (o *Orchestrator) stopSpeaking() {
	o.playGen++
	o.playback.Stop()
}

func (o *Orchestrator) enterListening() {
	o.setState(domain.ConversationListening)
	o.capture.StartRecording()
}

// forceIdle is the Any→Idle transition: stop audio both ways, release the
// device, and close the socket without triggering reconnect.
func (o *Orchestrator) forceIdle() {
	o.stopSpeaking()
	_ = o.capture.Cleanup()
	if err := o.conn.Disconnect(); err != nil {
		o.logger.Warn("Disconnect failed", zap.Error(err))
	}
	o.pendingID = ""
	o.setState(domain.ConversationIdle)
}

func (o *Orchestrator) setState(next domain.ConversationState) {
	if o.state == next {
		return
	}
	o.logger.Debug("Conversation state changed",
		zap.String("from", string(o.state)),
		zap.String("to", string(next)))
	o.state = next

	// Publish latest-wins so pollers never block the loop.
	select {
	case o.stateCh <- next:
	default:
		select {
		case <-o.stateCh:
		default:
		}
		select {
		case o.stateCh <- next:
		default:
		}
	}
}

// States returns a latest-wins feed of conversation state changes.
func (o *Orchestrator) States() <-chan domain.ConversationState {
	return o.stateCh
}

func (o *Orchestrator) publishNotice(n Notice) {
	select {
	case o.notices <- n:
	default:
		o.logger.Warn("Dropping notice, consumer too slow", zap.String("text", n.Text))
	}
}
