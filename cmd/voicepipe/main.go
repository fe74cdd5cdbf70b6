package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	otoadapter "github.com/tokovoice/voicepipe/adapters/oto"
	paadapter "github.com/tokovoice/voicepipe/adapters/portaudio"
	"github.com/tokovoice/voicepipe/internal/auth"
	"github.com/tokovoice/voicepipe/internal/capture"
	"github.com/tokovoice/voicepipe/internal/config"
	"github.com/tokovoice/voicepipe/internal/orchestrator"
	"github.com/tokovoice/voicepipe/internal/playback"
	"github.com/tokovoice/voicepipe/internal/socket"
	"github.com/tokovoice/voicepipe/internal/vad"
	"github.com/tokovoice/voicepipe/repository"
)

func main() {
	mock := flag.Bool("mock", false, "use in-memory audio devices instead of microphone and speaker")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load(logger)
	if cfg.SessionKey == "" {
		cfg.SessionKey = uuid.NewString()
		logger.Info("Generated session key", zap.String("sessionKey", cfg.SessionKey))
	}

	var token string
	if cfg.TokenSecret != "" {
		var err error
		token, err = auth.GenerateSessionToken([]byte(cfg.TokenSecret), cfg.SessionKey, cfg.MerchantID)
		if err != nil {
			logger.Fatal("Failed to generate session token", zap.Error(err))
		}
	}

	audioCfg := repository.AudioConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Encoding:   "wav",
		Language:   cfg.Language,
	}

	var (
		input  repository.AudioInput
		output repository.AudioOutput
	)
	if *mock {
		logger.Info("Using mock audio devices")
		input = repository.NewMockAudioInput()
		output = repository.NewMockAudioOutput()
	} else {
		input = paadapter.NewInput(logger)
		output = otoadapter.NewOutput(logger)
	}
	if err := output.Open(audioCfg); err != nil {
		logger.Fatal("Failed to open speaker", zap.Error(err))
	}

	monitor := vad.NewMonitor(cfg.VoiceThreshold, cfg.VoiceFrames, logger)
	capt := capture.NewController(input, monitor, audioCfg, cfg.SilenceTimeout, cfg.VoiceThreshold, logger)
	play := playback.NewController(output, logger)

	client := socket.NewClient(socket.Options{
		URL:             cfg.ServerURL,
		SessionKey:      cfg.SessionKey,
		MerchantID:      cfg.MerchantID,
		Token:           token,
		Language:        cfg.Language,
		WantAudio:       cfg.WantAudio,
		PingInterval:    cfg.PingInterval,
		ResponseTimeout: cfg.ResponseTimeout,
		BaseDelay:       cfg.ReconnectBaseDelay,
		Multiplier:      cfg.ReconnectMultiplier,
		MaxAttempts:     cfg.ReconnectMaxAttempts,
	}, logger)

	orch := orchestrator.New(client, capt, play, monitor, orchestrator.Options{
		SessionKey:  cfg.SessionKey,
		AudioFormat: "wav",
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()

	go consumeNotices(ctx, orch, cancel)
	go drainLevels(ctx, orch)
	go readCommands(ctx, orch, logger)

	if err := orch.StartConversation(); err != nil {
		logger.Error("Failed to start conversation", zap.Error(err))
		cancel()
		<-done
		os.Exit(1)
	}

	logger.Info("Conversation running",
		zap.String("server", cfg.ServerURL),
		zap.String("language", cfg.Language))
	fmt.Println("Listening. Type a message to send it as text, /stats for statistics, Ctrl+C to quit.")

	<-ctx.Done()
	_ = orch.StopConversation()
	<-done

	meta := orch.Metadata()
	logger.Info("Conversation ended",
		zap.String("conversationID", meta.ConversationID),
		zap.Int("messages", meta.MessageCount))
}

func consumeNotices(ctx context.Context, orch *orchestrator.Orchestrator, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-orch.Notices():
			switch n.Kind {
			case orchestrator.NoticeTranscript:
				fmt.Printf("you: %s\n", n.Text)
			case orchestrator.NoticeInfo:
				if n.Text != "" {
					fmt.Printf("assistant: %s\n", n.Text)
				}
			case orchestrator.NoticeError:
				fmt.Printf("error: %s\n", n.Text)
			case orchestrator.NoticeFatal:
				fmt.Printf("fatal: %s: %v\n", n.Text, n.Err)
				cancel()
			}
		}
	}
}

// drainLevels keeps the meter feed flowing. A real UI would render these;
// the CLI just discards them.
func drainLevels(ctx context.Context, orch *orchestrator.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-orch.Levels():
		}
	}
}

func readCommands(ctx context.Context, orch *orchestrator.Orchestrator, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/stats":
			if err := orch.RequestStats(); err != nil {
				logger.Warn("Stats request failed", zap.Error(err))
			}
		default:
			if err := orch.SendText(line); err != nil {
				logger.Warn("Failed to send message", zap.Error(err))
			}
		}
	}
}
