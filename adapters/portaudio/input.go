// Package portaudio adapts the system microphone to the repository.AudioInput
// interface using PortAudio.
package portaudio

import (
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/tokovoice/voicepipe/domain"
	"github.com/tokovoice/voicepipe/repository"
)

// framesPerBuffer is the PortAudio callback granularity. At 16 kHz this is
// 64 ms per frame, enough resolution for the silence clock.
const framesPerBuffer = 1024

// Input captures PCM frames from the default input device.
type Input struct {
	logger *zap.Logger

	mu     sync.Mutex
	stream *pa.Stream
	frames chan []int16
	opened bool
}

// NewInput creates an unopened microphone input.
func NewInput(logger *zap.Logger) *Input {
	return &Input{
		logger: logger,
		frames: make(chan []int16, 64),
	}
}

// Open initializes PortAudio and starts the capture stream. Any failure maps
// to domain.ErrDeviceUnavailable because they all mean the same thing to the
// conversation: no usable microphone.
func (i *Input) Open(config repository.AudioConfig) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.opened {
		return nil
	}
	// A previous Close discarded the frame channel; restarting the device
	// gets a fresh stream.
	if i.frames == nil {
		i.frames = make(chan []int16, 64)
	}

	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("%w: initialize portaudio: %v", domain.ErrDeviceUnavailable, err)
	}

	device, err := pa.DefaultInputDevice()
	if err != nil {
		_ = pa.Terminate()
		return fmt.Errorf("%w: no default input device: %v", domain.ErrDeviceUnavailable, err)
	}

	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   device,
			Channels: config.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(config.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := pa.OpenStream(params, i.callback)
	if err != nil {
		_ = pa.Terminate()
		return fmt.Errorf("%w: open stream: %v", domain.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return fmt.Errorf("%w: start stream: %v", domain.ErrDeviceUnavailable, err)
	}

	i.stream = stream
	i.opened = true
	i.logger.Info("Microphone opened",
		zap.String("device", device.Name),
		zap.Int("sampleRate", config.SampleRate),
		zap.Int("channels", config.Channels))
	return nil
}

// callback runs on the PortAudio capture thread. The frame is copied because
// PortAudio reuses its buffer; a lagging consumer loses frames rather than
// stalling the device. The lock is held across the send so the callback can
// never write to a channel a concurrent Close already closed.
func (i *Input) callback(in []int16) {
	frame := make([]int16, len(in))
	copy(frame, in)

	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.opened {
		return
	}
	select {
	case i.frames <- frame:
	default:
	}
}

// Frames implements repository.AudioInput.
func (i *Input) Frames() <-chan []int16 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.frames
}

// Close stops the stream and releases PortAudio. The lock is released while
// the stream stops so an in-flight callback can finish; the frame channel is
// closed only after the stream stopped, when the callback cannot fire again.
func (i *Input) Close() error {
	i.mu.Lock()
	if !i.opened {
		i.mu.Unlock()
		return nil
	}
	i.opened = false
	stream := i.stream
	i.stream = nil
	i.mu.Unlock()

	if err := stream.Stop(); err != nil {
		i.logger.Warn("Failed to stop capture stream", zap.Error(err))
	}
	if err := stream.Close(); err != nil {
		i.logger.Warn("Failed to close capture stream", zap.Error(err))
	}

	i.mu.Lock()
	close(i.frames)
	i.frames = nil
	i.mu.Unlock()

	return pa.Terminate()
}
