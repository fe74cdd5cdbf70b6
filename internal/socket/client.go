// Package socket owns the persistent connection to the remote conversational
// service: outbound framing, inbound demultiplexing, keepalive, and
// reconnection with exponential backoff.
package socket

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokovoice/voicepipe/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from the peer. Generous because
	// responses can carry base64 audio.
	maxMessageSize = 4 * 1024 * 1024
)

// EventKind discriminates events on the client's inbound event channel.
type EventKind int

const (
	// EventConnected is published after every successful connection.
	EventConnected EventKind = iota

	// EventDisconnected is published when the connection ends for good:
	// Err is nil after an intentional disconnect and non-nil once
	// reconnect attempts are exhausted.
	EventDisconnected

	// EventMessage carries a parsed server frame.
	EventMessage

	// EventRequestExpired reports a pending request that never received a
	// response within the configured timeout.
	EventRequestExpired
)

// Event is what the client republishes to its single consumer.
type Event struct {
	Kind    EventKind
	Message *InboundMessage
	Err     error
	Request domain.PendingRequest
}

// Options configures a Client.
type Options struct {
	URL        string
	SessionKey string
	MerchantID string
	Token      string
	Language   string
	WantAudio  bool

	PingInterval    time.Duration
	ResponseTimeout time.Duration

	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Client maintains one persistent conversation socket. All inbound frames
// are republished on a single ordered event channel.
type Client struct {
	opts   Options
	logger *zap.Logger

	events chan Event
	gen    trackingGenerator

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu             sync.Mutex
	conn           *websocket.Conn
	state          domain.SocketState
	attempt        int
	closing        bool
	pending        map[string]domain.PendingRequest
	reconnectTimer *time.Timer
}

// NewClient creates a client. Connect must be called before sending.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 30 * time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Multiplier <= 0 {
		opts.Multiplier = 2
	}
	return &Client{
		opts:    opts,
		logger:  logger,
		events:  make(chan Event, 64),
		state:   domain.SocketDisconnected,
		pending: make(map[string]domain.PendingRequest),
	}
}

// Events returns the inbound event channel. It has a single authoritative
// consumer, the orchestrator.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current socket state.
func (c *Client) State() domain.SocketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectState returns a snapshot of the backoff progress.
func (c *Client) ReconnectState() domain.ReconnectState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ReconnectState{Attempt: c.attempt, MaxAttempts: c.opts.MaxAttempts}
}

// PendingCount reports how many requests are awaiting responses.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect opens the connection. Calling it while already connected is
// ignored with a warning.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.SocketConnected {
		c.mu.Unlock()
		c.logger.Warn("Connect called while already connected")
		return nil
	}
	c.closing = false
	c.state = domain.SocketConnecting
	c.mu.Unlock()

	return c.dial(ctx, false)
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	q := u.Query()
	q.Set("session_key", c.opts.SessionKey)
	if c.opts.MerchantID != "" {
		q.Set("merchant_id", c.opts.MerchantID)
	}
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	if c.opts.WantAudio {
		q.Set("audio", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context, reconnect bool) error {
	target, err := c.buildURL()
	if err != nil {
		c.mu.Lock()
		c.state = domain.SocketError
		c.mu.Unlock()
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if reconnect {
			c.evaluateReconnect(err)
			return nil
		}
		c.mu.Lock()
		c.state = domain.SocketDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial conversation socket: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	if c.closing {
		// Disconnect landed while the dial was in flight; the fresh
		// connection must not be adopted.
		c.state = domain.SocketDisconnected
		c.pending = make(map[string]domain.PendingRequest)
		c.mu.Unlock()
		conn.Close()
		c.logger.Info("Discarding connection opened during disconnect")
		return nil
	}
	c.conn = conn
	c.state = domain.SocketConnected
	c.attempt = 0
	done := make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("Conversation socket connected",
		zap.String("sessionKey", c.opts.SessionKey),
		zap.Bool("reconnect", reconnect))

	go c.readPump(conn, done)
	go c.heartbeat(done)

	c.publish(Event{Kind: EventConnected})
	return nil
}

// readPump pumps frames from the socket onto the event channel.
func (c *Client) readPump(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		conn.Close()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(err)
			return
		}

		msg, known, err := ParseInbound(data)
		if err != nil {
			c.logger.Warn("Dropping unparseable frame", zap.Error(err))
			continue
		}
		if !known {
			c.logger.Warn("Ignoring unknown message type", zap.String("type", string(msg.Type)))
			continue
		}

		if msg.TrackingID != "" {
			c.retire(msg.TrackingID)
		}
		if msg.Type == MessageTypePong {
			// Pong is advisory liveness only; retire outstanding pings.
			c.retireKind(domain.RequestPing)
		}

		c.publish(Event{Kind: EventMessage, Message: msg})
	}
}

// heartbeat sends periodic pings and sweeps expired pending requests.
func (c *Client) heartbeat(done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := c.SendPing(); err != nil {
				return
			}
			c.sweepExpired()
		}
	}
}

func (c *Client) handleClosed(err error) {
	c.mu.Lock()
	c.conn = nil
	intentional := c.closing || websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if intentional {
		c.state = domain.SocketDisconnected
		c.pending = make(map[string]domain.PendingRequest)
		c.mu.Unlock()
		c.logger.Info("Conversation socket closed")
		c.publish(Event{Kind: EventDisconnected})
		return
	}
	c.mu.Unlock()

	c.logger.Warn("Conversation socket closed abnormally", zap.Error(err))
	c.evaluateReconnect(err)
}

// evaluateReconnect schedules the next backoff attempt or surfaces the
// terminal connection error once attempts are exhausted.
func (c *Client) evaluateReconnect(cause error) {
	c.mu.Lock()
	if c.closing {
		c.state = domain.SocketDisconnected
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.opts.MaxAttempts {
		c.state = domain.SocketError
		c.pending = make(map[string]domain.PendingRequest)
		c.mu.Unlock()
		c.logger.Error("Reconnect attempts exhausted",
			zap.Int("maxAttempts", c.opts.MaxAttempts),
			zap.Error(cause))
		c.publish(Event{Kind: EventDisconnected, Err: fmt.Errorf("%w: %v", domain.ErrConnectionFailed, cause)})
		return
	}

	delay := backoffDelay(c.opts.BaseDelay, c.opts.Multiplier, c.attempt)
	c.attempt++
	c.state = domain.SocketConnecting
	c.reconnectTimer = time.AfterFunc(delay, c.redial)
	attempt := c.attempt
	c.mu.Unlock()

	c.logger.Info("Scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

func (c *Client) redial() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	_ = c.dial(ctx, true)
}

// backoffDelay computes baseDelay × multiplier^attempt.
func backoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(multiplier, float64(attempt)))
}

// SendMessage sends a text request and returns its tracking id.
func (c *Client) SendMessage(text string) (string, error) {
	return c.send(OutboundMessage{
		Type: MessageTypeMessage,
		Data: text,
	})
}

// SendAudio sends a captured utterance and returns its tracking id.
func (c *Client) SendAudio(payload []byte, format string) (string, error) {
	return c.send(OutboundMessage{
		Type:     MessageTypeAudio,
		Data:     base64.StdEncoding.EncodeToString(payload),
		Format:   format,
		Language: c.opts.Language,
	})
}

// SendPing sends a keepalive ping and returns its tracking id.
func (c *Client) SendPing() (string, error) {
	return c.send(OutboundMessage{Type: MessageTypePing})
}

// RequestStats asks the server for conversation statistics.
func (c *Client) RequestStats() (string, error) {
	return c.send(OutboundMessage{Type: MessageTypeStats})
}

func (c *Client) send(frame OutboundMessage) (string, error) {
	c.mu.Lock()
	if c.state != domain.SocketConnected || c.conn == nil {
		c.mu.Unlock()
		return "", domain.ErrNotConnected
	}
	// The tracking id is generated only after the connected check so a
	// rejected send consumes no id.
	frame.TrackingID = c.gen.Next(frame.Type)
	c.pending[frame.TrackingID] = domain.PendingRequest{
		TrackingID:  frame.TrackingID,
		Kind:        domain.RequestKind(frame.Type),
		SubmittedAt: time.Now(),
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(frame)
	c.writeMu.Unlock()

	if err != nil {
		c.retire(frame.TrackingID)
		return "", fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return frame.TrackingID, nil
}

func (c *Client) retire(trackingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, trackingID)
}

func (c *Client) retireKind(kind domain.RequestKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, req := range c.pending {
		if req.Kind == kind {
			delete(c.pending, id)
		}
	}
}

// sweepExpired retires pending requests older than the response timeout and
// reports each on the event channel.
func (c *Client) sweepExpired() {
	cutoff := time.Now().Add(-c.opts.ResponseTimeout)

	c.mu.Lock()
	var expired []domain.PendingRequest
	for id, req := range c.pending {
		if req.SubmittedAt.Before(cutoff) {
			expired = append(expired, req)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, req := range expired {
		c.logger.Warn("Request expired without response",
			zap.String("trackingID", req.TrackingID),
			zap.String("kind", string(req.Kind)))
		c.publish(Event{Kind: EventRequestExpired, Request: req})
	}
}

// Disconnect closes the connection intentionally with a normal-closure code.
// It never triggers the reconnect logic and is safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	wasConnecting := c.state == domain.SocketConnecting
	if conn == nil {
		c.state = domain.SocketDisconnected
		c.pending = make(map[string]domain.PendingRequest)
	}
	c.mu.Unlock()

	if conn == nil {
		if wasConnecting {
			// A pending reconnect was cancelled; tell the consumer.
			c.publish(Event{Kind: EventDisconnected})
		}
		return nil
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("Failed to write close frame", zap.Error(err))
		return conn.Close()
	}

	// The read pump closes the connection once the peer echoes the close
	// frame; the read deadline bounds how long we wait for that echo.
	conn.SetReadDeadline(time.Now().Add(writeWait))
	return nil
}

func (c *Client) publish(ev Event) {
	c.events <- ev
}
