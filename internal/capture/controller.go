// Package capture owns the input device lifecycle and turns raw microphone
// frames into transmittable utterances.
package capture

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokovoice/voicepipe/internal/vad"
	"github.com/tokovoice/voicepipe/internal/wav"
	"github.com/tokovoice/voicepipe/repository"
)

// Controller records utterances from an AudioInput. It also drives the voice
// activity monitor: the drain loop keeps feeding the monitor whether or not
// a recording is in progress.
type Controller struct {
	input          repository.AudioInput
	monitor        *vad.Monitor
	config         repository.AudioConfig
	silenceTimeout time.Duration
	threshold      int
	logger         *zap.Logger

	mu          sync.Mutex
	initialized bool
	recording   bool
	buffer      []int16
	lastSound   time.Time
	hadVoice    bool
	drainDone   chan struct{}
}

// NewController creates a capture controller. threshold is the energy level
// above which a frame refreshes the silence clock.
func NewController(
	input repository.AudioInput,
	monitor *vad.Monitor,
	config repository.AudioConfig,
	silenceTimeout time.Duration,
	threshold int,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		input:          input,
		monitor:        monitor,
		config:         config,
		silenceTimeout: silenceTimeout,
		threshold:      threshold,
		logger:         logger,
	}
}

// Initialize acquires the input device and starts the continuous sampling
// loop. Device or permission failure is fatal to the conversation and is
// surfaced, not retried.
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	if err := c.input.Open(c.config); err != nil {
		return fmt.Errorf("open input device: %w", err)
	}

	c.initialized = true
	c.drainDone = make(chan struct{})
	c.monitor.Start()
	go c.drain(c.drainDone)

	c.logger.Info("Capture initialized",
		zap.Int("sampleRate", c.config.SampleRate),
		zap.Int("channels", c.config.Channels))
	return nil
}

// drain consumes device frames until the device closes. Every frame feeds
// the voice monitor; frames are buffered only while recording.
func (c *Controller) drain(done chan struct{}) {
	defer close(done)

	for frame := range c.input.Frames() {
		energy := vad.Energy(frame)
		c.monitor.Observe(energy)

		c.mu.Lock()
		if c.recording {
			c.buffer = append(c.buffer, frame...)
			if energy > c.threshold {
				c.lastSound = time.Now()
				c.hadVoice = true
			}
		}
		c.mu.Unlock()
	}
}

// StartRecording begins buffering a new utterance. It is a no-op while a
// recording is already in progress.
func (c *Controller) StartRecording() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || c.recording {
		return
	}
	c.recording = true
	c.buffer = c.buffer[:0]
	c.lastSound = time.Now()
	c.hadVoice = false
	c.logger.Debug("Recording started")
}

// StopRecording finalizes the buffered frames into one WAV payload. Calling
// it while idle resolves with no data rather than an error.
func (c *Controller) StopRecording() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recording {
		return nil
	}
	c.recording = false

	if len(c.buffer) == 0 {
		return nil
	}
	samples := make([]int16, len(c.buffer))
	copy(samples, c.buffer)
	c.buffer = c.buffer[:0]

	c.logger.Debug("Recording finalized", zap.Int("samples", len(samples)))
	return wav.Encode(samples, c.config.SampleRate, c.config.Channels)
}

// DiscardRecording cancels the current recording without returning data.
func (c *Controller) DiscardRecording() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recording = false
	c.buffer = c.buffer[:0]
	c.hadVoice = false
}

// IsRecording reports whether an utterance is being buffered.
func (c *Controller) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// BufferedSamples reports how many samples the current recording holds.
func (c *Controller) BufferedSamples() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// HadVoice reports whether any frame of the current recording crossed the
// energy threshold.
func (c *Controller) HadVoice() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hadVoice
}

// IsSilent reports whether the time since the last sound exceeded the
// configured silence threshold. This is the end-of-utterance signal.
func (c *Controller) IsSilent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recording {
		return false
	}
	return time.Since(c.lastSound) > c.silenceTimeout
}

// Cleanup releases the device and stops the voice activity monitor. Safe to
// call multiple times.
func (c *Controller) Cleanup() error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = false
	c.recording = false
	c.buffer = nil
	done := c.drainDone
	c.mu.Unlock()

	c.monitor.Stop()
	err := c.input.Close()

	// The device close ends the frame stream; wait for the drain loop so
	// no sampling goroutine outlives cleanup.
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
			c.logger.Warn("Capture drain loop did not stop in time")
		}
	}

	c.logger.Info("Capture cleaned up")
	return err
}
