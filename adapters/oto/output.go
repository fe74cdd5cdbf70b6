// Package oto adapts the system speaker to the repository.AudioOutput
// interface using the oto playback library.
package oto

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	otolib "github.com/ebitengine/oto/v3"
	"go.uber.org/zap"

	"github.com/tokovoice/voicepipe/repository"
)

// Output plays 16-bit little-endian PCM through the default speaker.
type Output struct {
	logger *zap.Logger

	mu  sync.Mutex
	ctx *otolib.Context
}

// NewOutput creates an unopened speaker output.
func NewOutput(logger *zap.Logger) *Output {
	return &Output{logger: logger}
}

// Open prepares the audio context. The context is process-wide and survives
// Close, because oto allows creating it only once.
func (o *Output) Open(config repository.AudioConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx != nil {
		return nil
	}

	ctx, ready, err := otolib.NewContext(&otolib.NewContextOptions{
		SampleRate:   config.SampleRate,
		ChannelCount: config.Channels,
		Format:       otolib.FormatSignedInt16LE,
	})
	if err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	o.ctx = ctx
	o.logger.Info("Speaker opened",
		zap.Int("sampleRate", config.SampleRate),
		zap.Int("channels", config.Channels))
	return nil
}

// Start implements repository.AudioOutput. The returned handle completes when
// the player drains its buffer or is stopped.
func (o *Output) Start(pcm []byte) (repository.PlaybackHandle, error) {
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()

	if ctx == nil {
		return nil, fmt.Errorf("speaker not opened")
	}

	player := ctx.NewPlayer(bytes.NewReader(pcm))
	h := &handle{
		player: player,
		done:   make(chan struct{}),
	}
	player.Play()
	go h.watch()
	return h, nil
}

// Close suspends the audio context. The context itself is kept for reuse.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil {
		return nil
	}
	return o.ctx.Suspend()
}

// handle wraps one oto player. oto exposes no completion signal, so a small
// poller watches for the buffer draining.
type handle struct {
	player *otolib.Player

	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	paused bool
}

func (h *handle) watch() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		select {
		case <-h.done:
			return
		default:
		}

		h.mu.Lock()
		paused := h.paused
		h.mu.Unlock()

		if !paused && !h.player.IsPlaying() {
			h.finish()
			return
		}
	}
}

func (h *handle) finish() {
	h.once.Do(func() {
		_ = h.player.Close()
		close(h.done)
	})
}

// Done implements repository.PlaybackHandle.
func (h *handle) Done() <-chan struct{} {
	return h.done
}

// Pause implements repository.PlaybackHandle.
func (h *handle) Pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
	h.player.Pause()
}

// Resume implements repository.PlaybackHandle.
func (h *handle) Resume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	h.player.Play()
}

// Stop implements repository.PlaybackHandle. Position is not retained; the
// player is discarded.
func (h *handle) Stop() {
	h.finish()
}
