// Package playback plays synthesized replies, enforcing at most one active
// playback and supporting the immediate stop that barge-in depends on.
package playback

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tokovoice/voicepipe/internal/wav"
	"github.com/tokovoice/voicepipe/repository"
)

// Controller owns the output device. Decode or start failures degrade to
// "finished" so the conversation never deadlocks waiting on audio that
// cannot play.
type Controller struct {
	output repository.AudioOutput
	logger *zap.Logger

	mu      sync.Mutex
	current repository.PlaybackHandle
	playing bool

	// stopGen counts Stop calls. A Play that was still starting the device
	// when a Stop arrived sees a newer generation and discards its handle,
	// so a stop can never lose the race against a starting playback.
	stopGen int
}

// NewController creates a playback controller around an output device.
func NewController(output repository.AudioOutput, logger *zap.Logger) *Controller {
	return &Controller{
		output: output,
		logger: logger,
	}
}

// Play stops any current playback, decodes the payload, and plays it. It
// returns when playback naturally ends, errors, or is stopped. WAV payloads
// are unwrapped; anything else is treated as raw PCM in the configured
// format.
func (c *Controller) Play(ctx context.Context, payload []byte) error {
	c.Stop()

	pcm := payload
	if wav.IsWAV(payload) {
		decoded, _, _, err := wav.Decode(payload)
		if err != nil {
			// Degrade to finished; a reply we cannot decode must not
			// stall the conversation.
			c.logger.Warn("Failed to decode reply audio", zap.Error(err))
			return nil
		}
		pcm = decoded
	}
	if len(pcm) == 0 {
		c.logger.Warn("Reply audio is empty")
		return nil
	}

	c.mu.Lock()
	gen := c.stopGen
	c.mu.Unlock()

	handle, err := c.output.Start(pcm)
	if err != nil {
		c.logger.Warn("Failed to start playback", zap.Error(err))
		return nil
	}

	c.mu.Lock()
	if gen != c.stopGen {
		// A Stop (or a newer Play) landed while the device was starting;
		// this playback must not survive it.
		c.mu.Unlock()
		handle.Stop()
		return nil
	}
	c.current = handle
	c.playing = true
	c.mu.Unlock()

	select {
	case <-handle.Done():
	case <-ctx.Done():
		handle.Stop()
		<-handle.Done()
	}

	c.mu.Lock()
	if c.current == handle {
		c.current = nil
		c.playing = false
	}
	c.mu.Unlock()
	return nil
}

// Stop immediately halts playback and resets position. Calling it when
// nothing is playing is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopGen++
	handle := c.current
	c.current = nil
	c.playing = false
	c.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
}

// Pause suspends the current playback, retaining position.
func (c *Controller) Pause() {
	c.mu.Lock()
	handle := c.current
	c.mu.Unlock()

	if handle != nil {
		handle.Pause()
	}
}

// Resume continues a paused playback.
func (c *Controller) Resume() {
	c.mu.Lock()
	handle := c.current
	c.mu.Unlock()

	if handle != nil {
		handle.Resume()
	}
}

// IsPlaying reports whether audio is currently playing.
func (c *Controller) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}
