package repository

import (
	"sync"

	"github.com/tokovoice/voicepipe/domain"
)

// MockAudioInput is an in-memory implementation of AudioInput for testing and
// development runs without a microphone. Frames are injected with Push.
type MockAudioInput struct {
	// FailOpen makes Open fail with domain.ErrDeviceUnavailable.
	FailOpen bool

	mu     sync.Mutex
	opened bool
	frames chan []int16
}

// NewMockAudioInput creates a mock input device.
func NewMockAudioInput() *MockAudioInput {
	return &MockAudioInput{
		frames: make(chan []int16, 64),
	}
}

// Open implements AudioInput. Reopening after Close starts a fresh frame
// stream, so a stopped conversation can be restarted on the same device.
func (m *MockAudioInput) Open(config AudioConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailOpen {
		return domain.ErrDeviceUnavailable
	}
	if m.opened {
		return nil
	}
	if m.frames == nil {
		m.frames = make(chan []int16, 64)
	}
	m.opened = true
	return nil
}

// Frames implements AudioInput.
func (m *MockAudioInput) Frames() <-chan []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Push injects a PCM frame as if it was captured from the device. Frames are
// dropped when the consumer lags, mirroring the real adapters. The lock is
// held across the send so Push never races a Close.
func (m *MockAudioInput) Push(frame []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opened {
		return
	}
	select {
	case m.frames <- frame:
	default:
	}
}

// PushEnergy injects a frame whose RMS energy roughly corresponds to the
// given [0,255] level. Convenience for tests that think in levels.
func (m *MockAudioInput) PushEnergy(level int, samples int) {
	amplitude := int16(level * 32)
	frame := make([]int16, samples)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = amplitude
		} else {
			frame[i] = -amplitude
		}
	}
	m.Push(frame)
}

// Close implements AudioInput. The frame channel is closed and discarded; the
// next Open creates a new one.
func (m *MockAudioInput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opened {
		return nil
	}
	m.opened = false
	close(m.frames)
	m.frames = nil
	return nil
}

// MockAudioOutput is an in-memory implementation of AudioOutput. Each Start
// returns a handle that finishes when the test calls Finish (or immediately
// when AutoFinish is set).
type MockAudioOutput struct {
	// AutoFinish completes every playback as soon as it starts.
	AutoFinish bool

	// StartErr makes Start fail, for decode/start failure paths.
	StartErr error

	mu      sync.Mutex
	opened  bool
	starts  int
	handles []*MockPlayback
}

// NewMockAudioOutput creates a mock output device.
func NewMockAudioOutput() *MockAudioOutput {
	return &MockAudioOutput{}
}

// Open implements AudioOutput.
func (m *MockAudioOutput) Open(config AudioConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

// Start implements AudioOutput.
func (m *MockAudioOutput) Start(pcm []byte) (PlaybackHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StartErr != nil {
		return nil, m.StartErr
	}

	h := &MockPlayback{
		PCM:  pcm,
		done: make(chan struct{}),
	}
	m.starts++
	m.handles = append(m.handles, h)
	if m.AutoFinish {
		h.Finish()
	}
	return h, nil
}

// Starts reports how many playbacks were started.
func (m *MockAudioOutput) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// Handle returns the i-th started playback handle.
func (m *MockAudioOutput) Handle(i int) *MockPlayback {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.handles) {
		return nil
	}
	return m.handles[i]
}

// Close implements AudioOutput.
func (m *MockAudioOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	return nil
}

// MockPlayback is the handle returned by MockAudioOutput.Start.
type MockPlayback struct {
	PCM []byte

	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	paused  bool
	stopped bool
}

// Done implements PlaybackHandle.
func (p *MockPlayback) Done() <-chan struct{} {
	return p.done
}

// Pause implements PlaybackHandle.
func (p *MockPlayback) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume implements PlaybackHandle.
func (p *MockPlayback) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// Stop implements PlaybackHandle.
func (p *MockPlayback) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

// Finish completes the playback as if it reached its natural end.
func (p *MockPlayback) Finish() {
	p.once.Do(func() { close(p.done) })
}

// Stopped reports whether the playback was interrupted rather than finished.
func (p *MockPlayback) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Paused reports whether the playback is currently paused.
func (p *MockPlayback) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}
