// Package vad classifies microphone input as speech or silence using an
// energy threshold with consecutive-frame confirmation.
package vad

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/tokovoice/voicepipe/domain"
)

// levelBuffer bounds the published level channel; stale levels are dropped
// because only the latest reading matters for metering and barge-in.
const levelBuffer = 32

// Monitor tracks speech presence across the whole conversation, independent
// of whether audio is currently being recorded. That independence is what
// makes barge-in detection possible while the assistant is speaking.
type Monitor struct {
	threshold int
	required  int
	logger    *zap.Logger

	levels chan domain.AudioLevel

	mu          sync.Mutex
	running     bool
	consecutive int
	level       domain.AudioLevel
}

// NewMonitor creates a monitor. A sample counts as voice when its energy
// exceeds threshold; detection requires that many consecutive voice samples.
func NewMonitor(threshold, required int, logger *zap.Logger) *Monitor {
	return &Monitor{
		threshold: threshold,
		required:  required,
		logger:    logger,
		levels:    make(chan domain.AudioLevel, levelBuffer),
	}
}

// Start enables sampling. Samples observed while the monitor is stopped are
// discarded.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.logger.Debug("Voice activity monitor started",
		zap.Int("threshold", m.threshold),
		zap.Int("requiredFrames", m.required))
}

// Stop disables sampling and resets the consecutive-frame counter.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.consecutive = 0
	m.level = 0
}

// Observe feeds one energy sample in [0,255]. The counter increments above
// the threshold and resets to zero on the very next sub-threshold sample.
func (m *Monitor) Observe(energy int) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	if energy < 0 {
		energy = 0
	}
	if energy > 255 {
		energy = 255
	}
	m.level = domain.AudioLevel(energy)
	if energy > m.threshold {
		m.consecutive++
	} else {
		m.consecutive = 0
	}
	level := m.level
	m.mu.Unlock()

	// Coalesce: drop the stale reading rather than block the sampler.
	select {
	case m.levels <- level:
	default:
	}
}

// ObserveFrame feeds one PCM frame, converting it to an energy sample.
func (m *Monitor) ObserveFrame(frame []int16) {
	m.Observe(Energy(frame))
}

// VoiceDetected reports whether enough consecutive samples exceeded the
// threshold.
func (m *Monitor) VoiceDetected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive >= m.required
}

// Level returns the most recent energy reading.
func (m *Monitor) Level() domain.AudioLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Levels returns the live level feed for UI metering. Readings may be
// coalesced under load.
func (m *Monitor) Levels() <-chan domain.AudioLevel {
	return m.levels
}

// Snapshot returns the current detector state.
func (m *Monitor) Snapshot() domain.VoiceActivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.VoiceActivityState{
		ConsecutiveVoiceFrames:    m.consecutive,
		Threshold:                 m.threshold,
		RequiredConsecutiveFrames: m.required,
	}
}

// Energy computes the RMS energy of a PCM frame scaled to [0,255]. The gain
// is chosen so conversational speech lands roughly in the 30-80 range.
func Energy(frame []int16) int {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s) / 32768
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	level := int(rms * 1024)
	if level > 255 {
		level = 255
	}
	return level
}
