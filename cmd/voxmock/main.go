// voxmock is a stand-in conversational service for developing and demoing the
// client without the real backend. It transcribes nothing: every utterance
// gets a canned reply and a short synthesized tone as audio.
package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/tokovoice/voicepipe/internal/auth"
	"github.com/tokovoice/voicepipe/internal/socket"
	"github.com/tokovoice/voicepipe/internal/wav"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	tokenSecret := os.Getenv("VOICEPIPE_TOKEN_SECRET")

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "voxmock",
		})
	})

	e.GET("/ws/conversation", func(c echo.Context) error {
		return serveConversation(c, tokenSecret, logger)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	logger.Info("voxmock listening", zap.String("port", port))
	if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// session holds the per-connection state of one mock conversation.
type session struct {
	conn   *websocket.Conn
	logger *zap.Logger

	conversationID string
	sessionKey     string
	wantAudio      bool
	startedAt      time.Time

	writeMu      sync.Mutex
	messageCount int
}

func serveConversation(c echo.Context, tokenSecret string, logger *zap.Logger) error {
	sessionKey := c.QueryParam("session_key")
	if sessionKey == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_key is required"})
	}

	if tokenSecret != "" {
		claims, err := auth.ValidateSessionToken([]byte(tokenSecret), c.QueryParam("token"))
		if err != nil {
			logger.Warn("Rejected connection with invalid token", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		if claims.SessionKey != sessionKey {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "token session mismatch"})
		}
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	s := &session{
		conn:           conn,
		logger:         logger,
		conversationID: uuid.NewString(),
		sessionKey:     sessionKey,
		wantAudio:      c.QueryParam("audio") == "true",
		startedAt:      time.Now(),
	}
	s.run()
	return nil
}

func (s *session) run() {
	defer s.conn.Close()

	s.logger.Info("Conversation opened",
		zap.String("sessionKey", s.sessionKey),
		zap.String("conversationID", s.conversationID))

	s.write(socket.InboundMessage{
		Type:           socket.MessageTypeConversationStarted,
		ConversationID: s.conversationID,
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Info("Conversation closed",
					zap.String("conversationID", s.conversationID))
			} else {
				s.logger.Warn("Read failed", zap.Error(err))
			}
			return
		}

		var frame socket.OutboundMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			s.writeError("", "invalid JSON frame")
			continue
		}
		s.handle(frame)
	}
}

func (s *session) handle(frame socket.OutboundMessage) {
	switch frame.Type {
	case socket.MessageTypePing:
		s.write(socket.InboundMessage{
			Type:       socket.MessageTypePong,
			TrackingID: frame.TrackingID,
		})

	case socket.MessageTypeMessage:
		s.respond(frame.TrackingID, fmt.Sprintf("Saya menerima pesan Anda: %q", frame.Data))

	case socket.MessageTypeAudio:
		payload, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			s.writeError(frame.TrackingID, "audio is not valid base64")
			return
		}
		s.write(socket.InboundMessage{
			Type:       socket.MessageTypeTranscription,
			Text:       fmt.Sprintf("(transkripsi tiruan dari %d byte audio)", len(payload)),
			TrackingID: frame.TrackingID,
		})
		s.respond(frame.TrackingID, "Baik, saya sedang mencarikan produknya untuk Anda.")

	case socket.MessageTypeStats:
		s.writeCounted(socket.InboundMessage{
			Type:       socket.MessageTypeShoppingResponse,
			TrackingID: frame.TrackingID,
			ShoppingResponse: &socket.ResponsePayload{
				DurationMs: time.Since(s.startedAt).Milliseconds(),
				ExecutionDetails: map[string]interface{}{
					"conversation_id": s.conversationID,
					"message_count":   s.messageCount,
					"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
				},
			},
		})

	default:
		s.writeError(frame.TrackingID, fmt.Sprintf("unsupported frame type %q", frame.Type))
	}
}

// respond sends a shopping_response, attaching a synthesized tone when the
// client asked for audio replies.
func (s *session) respond(trackingID, text string) {
	reply := socket.InboundMessage{
		Type:       socket.MessageTypeShoppingResponse,
		Text:       text,
		TrackingID: trackingID,
		ShoppingResponse: &socket.ResponsePayload{
			DurationMs: 150,
		},
	}
	if s.wantAudio {
		reply.ShoppingResponse.AudioBase64 = base64.StdEncoding.EncodeToString(tone())
	}
	s.writeCounted(reply)
}

func (s *session) writeCounted(msg socket.InboundMessage) {
	s.messageCount++
	s.write(msg)
}

func (s *session) writeError(trackingID, text string) {
	s.write(socket.InboundMessage{
		Type:       socket.MessageTypeError,
		Error:      text,
		TrackingID: trackingID,
	})
}

func (s *session) write(msg socket.InboundMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Warn("Write failed", zap.Error(err))
	}
}

// tone synthesizes 300 ms of a 440 Hz sine as the mock spoken reply.
func tone() []byte {
	const (
		rate     = 16000
		freq     = 440.0
		duration = 300 * time.Millisecond
	)
	n := int(rate * duration.Seconds())
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(6000 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return wav.Encode(samples, rate, 1)
}
