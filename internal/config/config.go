// Package config loads client configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds everything the voice pipeline needs at startup.
type Config struct {
	// Connection
	ServerURL   string
	SessionKey  string
	MerchantID  string
	TokenSecret string
	WantAudio   bool

	// Audio format
	SampleRate int
	Channels   int
	Language   string

	// Voice activity detection
	VoiceThreshold int // energy in [0,255]
	VoiceFrames    int // consecutive frames to confirm speech

	// Timing
	SilenceTimeout  time.Duration // end-of-utterance
	ResponseTimeout time.Duration // pending request expiry
	PingInterval    time.Duration

	// Reconnect backoff
	ReconnectBaseDelay   time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxAttempts int
}

// Load reads configuration from a .env file (if present) and the
// environment. Unparseable values fall back to defaults with a warning.
func Load(logger *zap.Logger) *Config {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	return &Config{
		ServerURL:   getString("VOICEPIPE_SERVER_URL", "ws://localhost:8080/ws/conversation"),
		SessionKey:  getString("VOICEPIPE_SESSION_KEY", ""),
		MerchantID:  getString("VOICEPIPE_MERCHANT_ID", ""),
		TokenSecret: getString("VOICEPIPE_TOKEN_SECRET", ""),
		WantAudio:   getBool(logger, "VOICEPIPE_WANT_AUDIO", true),

		SampleRate: getInt(logger, "VOICEPIPE_SAMPLE_RATE", 16000),
		Channels:   getInt(logger, "VOICEPIPE_CHANNELS", 1),
		Language:   getString("VOICEPIPE_LANGUAGE", "id-ID"),

		VoiceThreshold: getInt(logger, "VOICEPIPE_VOICE_THRESHOLD", 40),
		VoiceFrames:    getInt(logger, "VOICEPIPE_VOICE_FRAMES", 3),

		SilenceTimeout:  getDuration(logger, "VOICEPIPE_SILENCE_TIMEOUT", 1200*time.Millisecond),
		ResponseTimeout: getDuration(logger, "VOICEPIPE_RESPONSE_TIMEOUT", 30*time.Second),
		PingInterval:    getDuration(logger, "VOICEPIPE_PING_INTERVAL", 30*time.Second),

		ReconnectBaseDelay:   getDuration(logger, "VOICEPIPE_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMultiplier:  getFloat(logger, "VOICEPIPE_RECONNECT_MULTIPLIER", 2.0),
		ReconnectMaxAttempts: getInt(logger, "VOICEPIPE_RECONNECT_MAX_ATTEMPTS", 5),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(logger *zap.Logger, key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("Invalid integer in environment, using default",
			zap.String("key", key),
			zap.String("value", v),
			zap.Int("default", fallback))
		return fallback
	}
	return n
}

func getFloat(logger *zap.Logger, key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn("Invalid float in environment, using default",
			zap.String("key", key),
			zap.String("value", v),
			zap.Float64("default", fallback))
		return fallback
	}
	return f
}

func getBool(logger *zap.Logger, key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("Invalid boolean in environment, using default",
			zap.String("key", key),
			zap.String("value", v),
			zap.Bool("default", fallback))
		return fallback
	}
	return b
}

func getDuration(logger *zap.Logger, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn("Invalid duration in environment, using default",
			zap.String("key", key),
			zap.String("value", v),
			zap.Duration("default", fallback))
		return fallback
	}
	return d
}
