package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tokovoice/voicepipe/domain"
	"github.com/tokovoice/voicepipe/internal/capture"
	"github.com/tokovoice/voicepipe/internal/playback"
	"github.com/tokovoice/voicepipe/internal/socket"
	"github.com/tokovoice/voicepipe/internal/vad"
	"github.com/tokovoice/voicepipe/internal/wav"
	"github.com/tokovoice/voicepipe/repository"
)

// fakeConn stands in for the socket client: it records outbound requests and
// lets tests inject server events.
type fakeConn struct {
	events chan socket.Event

	mu          sync.Mutex
	connected   bool
	connectErr  error
	sendErr     error
	disconnects int
	messages    []string
	audio       [][]byte
	stats       int
	nextID      int
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan socket.Event, 16)}
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeConn) id(kind string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", kind, f.nextID)
}

func (f *fakeConn) SendMessage(text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.messages = append(f.messages, text)
	return f.id("message"), nil
}

func (f *fakeConn) SendAudio(payload []byte, format string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.audio = append(f.audio, payload)
	return f.id("audio"), nil
}

func (f *fakeConn) RequestStats() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats++
	return f.id("stats"), nil
}

func (f *fakeConn) Events() <-chan socket.Event { return f.events }

func (f *fakeConn) State() domain.SocketState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return domain.SocketConnected
	}
	return domain.SocketDisconnected
}

func (f *fakeConn) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeConn) lastAudio() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.audio) == 0 {
		return nil
	}
	return f.audio[len(f.audio)-1]
}

func (f *fakeConn) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeConn) inject(ev socket.Event) { f.events <- ev }

type harness struct {
	conn   *fakeConn
	input  *repository.MockAudioInput
	output *repository.MockAudioOutput
	orch   *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	conn := newFakeConn()
	input := repository.NewMockAudioInput()
	output := repository.NewMockAudioOutput()

	logger := zap.NewNop()
	monitor := vad.NewMonitor(40, 2, logger)
	cfg := repository.AudioConfig{SampleRate: 16000, Channels: 1, Encoding: "wav"}
	capt := capture.NewController(input, monitor, cfg, 30*time.Millisecond, 40, logger)
	play := playback.NewController(output, logger)

	orch := New(conn, capt, play, monitor, Options{
		SessionKey:  "sess-test",
		SilencePoll: 5 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("orchestrator did not shut down")
		}
	})

	return &harness{conn: conn, input: input, output: output, orch: orch}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, want domain.ConversationState) {
	t.Helper()
	waitFor(t, fmt.Sprintf("state %s", want), func() bool {
		return h.orch.State() == want
	})
}

// speakUtterance pushes voiced frames and lets the silence window elapse so
// the orchestrator finalizes and submits the utterance.
func (h *harness) speakUtterance(t *testing.T) {
	t.Helper()
	h.input.PushEnergy(100, 320)
	h.input.PushEnergy(100, 320)
	h.waitState(t, domain.ConversationProcessing)
}

func responseEvent(trackingID string, audio []byte) socket.Event {
	msg := &socket.InboundMessage{
		Type:       socket.MessageTypeShoppingResponse,
		TrackingID: trackingID,
		ShoppingResponse: &socket.ResponsePayload{
			DurationMs: 100,
		},
	}
	if audio != nil {
		msg.ShoppingResponse.AudioBase64 = base64.StdEncoding.EncodeToString(audio)
	}
	return socket.Event{Kind: socket.EventMessage, Message: msg}
}

func replyWAV() []byte {
	samples := make([]int16, 320)
	for i := range samples {
		samples[i] = int16(i * 50)
	}
	return wav.Encode(samples, 16000, 1)
}

func TestStartEntersListening(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)

	if h.orch.SocketState() != domain.SocketConnected {
		t.Error("socket not connected after start")
	}

	// Starting again is a no-op.
	if err := h.orch.StartConversation(); err != nil {
		t.Errorf("second StartConversation() error = %v", err)
	}
}

func TestStartFailsWhenDeviceUnavailable(t *testing.T) {
	h := newHarness(t)
	h.input.FailOpen = true

	err := h.orch.StartConversation()
	if !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Errorf("StartConversation() error = %v, want ErrDeviceUnavailable", err)
	}
	if h.orch.State() != domain.ConversationIdle {
		t.Error("state not idle after failed start")
	}
}

func TestUtteranceSubmittedOnSilence(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)

	h.speakUtterance(t)

	if h.conn.audioCount() != 1 {
		t.Fatalf("audio sends = %d, want 1", h.conn.audioCount())
	}
	if !wav.IsWAV(h.conn.lastAudio()) {
		t.Error("submitted utterance is not WAV")
	}
}

func TestVoicelessRecordingIsDiscarded(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)

	// Quiet frames only: the silence window elapses but nothing crossed the
	// voice threshold, so nothing is sent.
	h.input.PushEnergy(5, 320)
	time.Sleep(100 * time.Millisecond)

	if got := h.conn.audioCount(); got != 0 {
		t.Errorf("audio sends = %d, want 0 for voiceless recording", got)
	}
	if h.orch.State() != domain.ConversationListening {
		t.Errorf("state = %s, want listening", h.orch.State())
	}
}

func TestResponseWithAudioEntersSpeaking(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)
	h.speakUtterance(t)

	h.conn.inject(responseEvent("audio-1", replyWAV()))
	h.waitState(t, domain.ConversationSpeaking)
	waitFor(t, "playback start", func() bool { return h.output.Starts() == 1 })

	meta := h.orch.Metadata()
	if meta.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", meta.MessageCount)
	}

	// Natural end of playback resumes listening.
	h.output.Handle(0).Finish()
	h.waitState(t, domain.ConversationListening)
}

func TestResponseWithoutAudioResumesListening(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)
	h.speakUtterance(t)

	h.conn.inject(responseEvent("audio-1", nil))
	h.waitState(t, domain.ConversationListening)
	if h.output.Starts() != 0 {
		t.Error("playback started without audio")
	}
}

func TestBargeInInterruptsPlayback(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)
	h.speakUtterance(t)

	h.conn.inject(responseEvent("audio-1", replyWAV()))
	h.waitState(t, domain.ConversationSpeaking)
	waitFor(t, "playback start", func() bool { return h.output.Starts() == 1 })

	// The user talks over the reply.
	for i := 0; i < 5; i++ {
		h.input.PushEnergy(100, 320)
	}

	h.waitState(t, domain.ConversationListening)
	if !h.output.Handle(0).Stopped() {
		t.Error("playback not stopped on barge-in")
	}

	// The interrupted utterance records normally.
	h.input.PushEnergy(100, 320)
	h.waitState(t, domain.ConversationProcessing)
	if h.conn.audioCount() != 2 {
		t.Errorf("audio sends = %d, want 2", h.conn.audioCount())
	}
}

func TestServerErrorResumesListening(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)
	h.speakUtterance(t)

	h.conn.inject(socket.Event{Kind: socket.EventMessage, Message: &socket.InboundMessage{
		Type:  socket.MessageTypeError,
		Error: "speech recognition failed",
	}})
	h.waitState(t, domain.ConversationListening)
}

func TestRequestExpiryResumesListening(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)
	h.speakUtterance(t)

	h.conn.inject(socket.Event{Kind: socket.EventRequestExpired, Request: domain.PendingRequest{
		TrackingID: "audio-1",
		Kind:       domain.RequestAudio,
	}})
	h.waitState(t, domain.ConversationListening)
}

func TestExpiryOfOtherRequestIgnored(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)
	h.speakUtterance(t)

	h.conn.inject(socket.Event{Kind: socket.EventRequestExpired, Request: domain.PendingRequest{
		TrackingID: "ping-99",
		Kind:       domain.RequestPing,
	}})
	time.Sleep(30 * time.Millisecond)
	if h.orch.State() != domain.ConversationProcessing {
		t.Errorf("state = %s, want processing after unrelated expiry", h.orch.State())
	}
}

func TestConversationStartedSetsID(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.conn.inject(socket.Event{Kind: socket.EventMessage, Message: &socket.InboundMessage{
		Type:           socket.MessageTypeConversationStarted,
		ConversationID: "conv-42",
	}})

	waitFor(t, "conversation id", func() bool {
		return h.orch.Metadata().ConversationID == "conv-42"
	})
	if got := h.orch.Metadata().SessionKey; got != "sess-test" {
		t.Errorf("SessionKey = %q, want sess-test", got)
	}
}

func TestSendText(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.SendText("halo"); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("SendText() while idle error = %v, want ErrNotConnected", err)
	}

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)

	if err := h.orch.SendText("carikan saya sepatu lari"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if h.orch.State() != domain.ConversationProcessing {
		t.Errorf("state = %s, want processing after SendText", h.orch.State())
	}
}

func TestStopReturnsToIdle(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)

	if err := h.orch.StopConversation(); err != nil {
		t.Fatalf("StopConversation() error = %v", err)
	}
	if h.orch.State() != domain.ConversationIdle {
		t.Errorf("state = %s, want idle", h.orch.State())
	}
	if h.conn.disconnectCount() == 0 {
		t.Error("socket not disconnected on stop")
	}

	// Stopping an idle conversation is safe.
	if err := h.orch.StopConversation(); err != nil {
		t.Errorf("second StopConversation() error = %v", err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)
	if err := h.orch.StopConversation(); err != nil {
		t.Fatalf("StopConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationIdle)

	// The same devices serve a second conversation.
	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() after stop error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)

	h.speakUtterance(t)
	if h.conn.audioCount() != 1 {
		t.Errorf("audio sends = %d, want 1 after restart", h.conn.audioCount())
	}
}

func TestMethodsAfterShutdown(t *testing.T) {
	conn := newFakeConn()
	input := repository.NewMockAudioInput()
	output := repository.NewMockAudioOutput()

	logger := zap.NewNop()
	monitor := vad.NewMonitor(40, 2, logger)
	cfg := repository.AudioConfig{SampleRate: 16000, Channels: 1, Encoding: "wav"}
	capt := capture.NewController(input, monitor, cfg, 30*time.Millisecond, 40, logger)
	play := playback.NewController(output, logger)
	orch := New(conn, capt, play, monitor, Options{SessionKey: "sess-test"}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not shut down")
	}

	// Public methods must return promptly once the loop has exited.
	if err := orch.StartConversation(); !errors.Is(err, context.Canceled) {
		t.Errorf("StartConversation() after shutdown error = %v, want context.Canceled", err)
	}
	if got := orch.State(); got != domain.ConversationIdle {
		t.Errorf("State() after shutdown = %s, want idle", got)
	}
	if got := orch.Metadata(); got.SessionKey != "" {
		t.Errorf("Metadata() after shutdown = %+v, want zero value", got)
	}
}

func TestFatalDisconnectTearsDown(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.waitState(t, domain.ConversationListening)

	h.conn.inject(socket.Event{
		Kind: socket.EventDisconnected,
		Err:  domain.ErrConnectionFailed,
	})
	h.waitState(t, domain.ConversationIdle)

	var fatal bool
	for {
		select {
		case n := <-h.orch.Notices():
			if n.Kind == NoticeFatal {
				fatal = true
			}
			continue
		default:
		}
		break
	}
	if !fatal {
		t.Error("no fatal notice published for lost connection")
	}
}

func TestTranscriptNoticePublished(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.StartConversation(); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.conn.inject(socket.Event{Kind: socket.EventMessage, Message: &socket.InboundMessage{
		Type: socket.MessageTypeTranscription,
		Text: "carikan saya sepatu lari",
	}})

	waitFor(t, "transcript notice", func() bool {
		select {
		case n := <-h.orch.Notices():
			return n.Kind == NoticeTranscript && n.Text == "carikan saya sepatu lari"
		default:
			return false
		}
	})
}
