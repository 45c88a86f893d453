// Package server manages individual WebSocket clients, handling the name
// handshake, read/write pumps, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/logging"
)

// Client represents one WebSocket connection. The first text frame it sends
// is its display name; every later text frame is a chat message.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	addr string
	// name is written once before the client is handed to the hub.
	name string

	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
	writing   atomic.Bool

	maxMessageSize int64
	ws             WebSocketConfig
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	log            zerolog.Logger
}

// NewClient creates a Client for conn. Its send queue is bounded by the
// hub's queue size.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg *Config) *Client {
	if cfg == nil {
		cfg = NewConfig()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	queueSize := cfg.Broadcast.QueueSize
	logger := logging.L()
	if hub != nil {
		queueSize = hub.cfg.QueueSize
		logger = hub.log
	}

	id := uuid.New().String()
	return &Client{
		id:             id,
		conn:           conn,
		hub:            hub,
		addr:           addr,
		send:           make(chan []byte, queueSize),
		done:           make(chan struct{}),
		maxMessageSize: cfg.MaxMessageSize,
		ws:             cfg.WebSocket,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		log: logger.With().Str(logging.FieldComponent, "client").
			Str(logging.FieldClientID, id).Str(logging.FieldRemoteAddr, addr).Logger(),
	}
}

// ID returns the client's unique connection identifier.
func (c *Client) ID() string { return c.id }

// Name returns the display name, empty before the name frame arrives.
func (c *Client) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

func (c *Client) setState(s ConnState) { c.state.Store(int32(s)) }

// setName records the display name and moves Connecting -> Named.
func (c *Client) setName(name string) bool {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateNamed)) {
		return false
	}
	c.name = name
	c.log = c.log.With().Str(logging.FieldName, name).Logger()
	return true
}

// activate moves Named -> Active.
func (c *Client) activate() bool {
	return c.state.CompareAndSwap(int32(StateNamed), int32(StateActive))
}

// GetSendChan returns the client's outbound queue for reading.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) enqueue(line []byte) bool {
	select {
	case c.send <- line:
		return true
	default:
		return false
	}
}

func (c *Client) dropOldest() {
	select {
	case <-c.send:
	default:
	}
}

// close tears the client down exactly once: it leaves the registry and stops
// the write pump, which in turn closes the connection.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		if c.hub != nil {
			c.hub.release(c)
		}
		close(c.done)
	})
}

func (c *Client) closeConn() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn().Err(err).Msg("error closing connection")
	}
}

// setupReadConnection configures the read limit, the name deadline and the
// pong handler that extends the deadline once the client is named.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.NameTimeout)); err != nil {
		c.log.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.PongWait)); err != nil {
			c.log.Warn().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// readText returns the next text frame. Transport failures are wrapped in
// ErrTransport; any other frame type is ErrProtocolViolation.
func (c *Client) readText() (string, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if messageType != websocket.TextMessage {
		return "", fmt.Errorf("%w: expected text frame, got type %d", ErrProtocolViolation, messageType)
	}
	return string(data), nil
}

// handleReadError logs why the read loop is ending.
func (c *Client) handleReadError(err error) {
	if err == nil {
		return
	}

	if errors.Is(err, ErrProtocolViolation) {
		c.log.Warn().Err(err).Msg("closing connection after protocol violation")
		return
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn().Int64("max_message_size", c.maxMessageSize).Msg("message exceeded maximum size")
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			c.log.Info().Int("code", closeErr.Code).Msg("client disconnected")
		default:
			c.log.Warn().Err(err).Msg("unexpected WebSocket close")
		}
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.log.Info().Str("state", c.State().String()).Msg("client read timed out")
		return
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Info().Err(err).Msg("client connection closed")
		return
	}

	c.log.Warn().Err(err).Msg("WebSocket read error")
}

// checkRateLimit reports whether the next message may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn().Int("burst", c.rateLimit.Burst).Dur("interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}

// readPump drives the connection through naming, joining and the receive
// loop. Whatever ends it, teardown runs exactly once.
func (c *Client) readPump() {
	defer func() {
		c.close()
		if !c.writing.Load() {
			c.closeConn()
		}
	}()

	c.setupReadConnection()

	name, err := c.readText()
	if err != nil {
		c.handleReadError(err)
		return
	}
	if !c.setName(name) {
		return
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.PongWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting read deadline")
	}

	c.startWritePump()

	if err := c.hub.Join(c); err != nil {
		c.log.Info().Err(err).Msg("join aborted")
		return
	}

	for {
		text, err := c.readText()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if err := c.hub.Submit(c, text); err != nil {
			c.log.Info().Err(err).Msg("message not submitted")
			return
		}
	}
}

func (c *Client) startWritePump() {
	c.writing.Store(true)
	c.hub.wg.Add(1)
	go func() {
		defer c.hub.wg.Done()
		c.writePump()
	}()
}

// writePump drains the send queue, one text frame per line, and pings the
// peer periodically. It owns closing the connection once started.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.ws.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		c.closeConn()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	// Teardown wins over a backlog.
	select {
	case <-c.done:
		c.writeCloseMessage()
		return false
	default:
	}

	select {
	case <-c.done:
		c.writeCloseMessage()
		return false
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	}
}

// writeCloseMessage sends a close frame to the client
func (c *Client) writeCloseMessage() {
	deadline := time.Now().Add(c.ws.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error writing close message")
	}
}

// writeTextMessage writes one line as its own text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing message; dropping client")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn().Err(err).Msg("error writing ping message")
		return false
	}
	return true
}
