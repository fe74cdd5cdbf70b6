package repository

// AudioConfig represents the PCM format used on capture and playback.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// AudioInput abstracts the platform microphone. Open acquires the device;
// Frames delivers PCM frames at the device's period cadence until Close.
// Implementations drop frames rather than block when the consumer lags.
type AudioInput interface {
	// Open acquires the input device and starts frame delivery.
	Open(config AudioConfig) error

	// Frames returns the stream of captured PCM frames. The channel is
	// closed by Close.
	Frames() <-chan []int16

	// Close releases the device. Must be idempotent.
	Close() error
}

// PlaybackHandle controls one in-flight playback.
type PlaybackHandle interface {
	// Done is closed when playback ends, errors, or is stopped.
	Done() <-chan struct{}

	// Pause suspends playback, retaining position.
	Pause()

	// Resume continues a paused playback.
	Resume()

	// Stop halts playback immediately. Safe to call more than once.
	Stop()
}

// AudioOutput abstracts the platform speaker.
type AudioOutput interface {
	// Open prepares the output device for the given format.
	Open(config AudioConfig) error

	// Start begins playing a decoded PCM buffer and returns a handle
	// controlling it.
	Start(pcm []byte) (PlaybackHandle, error)

	// Close releases the device. Must be idempotent.
	Close() error
}
