package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"notebook-sync-client/internal/domain"

	"github.com/gorilla/websocket"
)

const channelSendBuffer = 256

type ChannelConfig struct {
	URL              string
	NotebookID       string
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxMessageSize   int64
	Reconnect        bool
	ReconnectDelay   time.Duration

	// Authorize returns a bearer token attached to every dial. Optional.
	Authorize func() (string, error)
}

// Channel is the single connection between a notebook session and the
// execution service. It only moves messages; it never touches notebook state.
// Run/Res/Err messages are delivered on Inbound, state transitions on States.
type Channel struct {
	cfg    ChannelConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	mu    sync.Mutex
	state domain.ChannelState
	send  chan []byte

	inbound  chan *Message
	states   chan domain.ChannelState
	lastPong atomic.Int64
}

func NewChannel(cfg ChannelConfig, logger *slog.Logger) *Channel {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}

	return &Channel{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:  logger,
		state:   domain.ChannelNotOpen,
		inbound: make(chan *Message, channelSendBuffer),
		states:  make(chan domain.ChannelState, 16),
	}
}

func (c *Channel) Inbound() <-chan *Message {
	return c.inbound
}

func (c *Channel) States() <-chan domain.ChannelState {
	return c.states
}

func (c *Channel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPong is the time of the last Pong received, zero if none.
func (c *Channel) LastPong() time.Time {
	ms := c.lastPong.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Send queues msg for writing. It fails immediately with a
// ChannelUnavailableError unless the connection is open; nothing is queued
// for a later connection.
func (c *Channel) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Cmd, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.ChannelOpen || c.send == nil {
		return &domain.ChannelUnavailableError{State: c.state}
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full: %w", &domain.ChannelUnavailableError{State: c.state})
	}
}

// Run dials and serves the connection until ctx is done. Without Reconnect
// it returns after the first connection ends.
func (c *Channel) Run(ctx context.Context) error {
	defer c.setState(domain.ChannelClosed)

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("[Channel] dial failed", "notebook", c.cfg.NotebookID, "error", err)
		} else {
			c.serve(ctx, conn)
		}

		if !c.cfg.Reconnect {
			if err != nil {
				return fmt.Errorf("failed to open channel: %w", err)
			}
			return nil
		}
		c.setState(domain.ChannelNotOpen)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel url: %w", err)
	}
	q := u.Query()
	q.Set("notebookUuid", c.cfg.NotebookID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.cfg.Authorize != nil {
		token, err := c.cfg.Authorize()
		if err != nil {
			return nil, fmt.Errorf("failed to issue channel token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := make(chan []byte, channelSendBuffer)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	c.setState(domain.ChannelOpen)
	c.logger.Info("[Channel] connected", "notebook", c.cfg.NotebookID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writePump(connCtx, conn, send)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.readPump(connCtx, conn)
	}()

	<-connCtx.Done()
	conn.Close()
	wg.Wait()

	c.mu.Lock()
	c.send = nil
	c.mu.Unlock()
	c.setState(domain.ChannelClosed)
	c.logger.Info("[Channel] disconnected", "notebook", c.cfg.NotebookID)
}

func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) {
	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("[Channel] read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		// A frame may carry several newline-separated messages.
		for _, raw := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(raw)) == 0 {
				continue
			}
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.logger.Warn("[Channel] error unmarshaling message", "error", err)
				continue
			}
			if err := msg.Validate(); err != nil {
				c.logger.Warn("[Channel] dropping message", "error", err)
				continue
			}
			if !c.dispatch(ctx, &msg) {
				return
			}
		}
	}
}

// dispatch answers liveness messages itself and forwards the rest.
func (c *Channel) dispatch(ctx context.Context, msg *Message) bool {
	switch msg.Cmd {
	case CmdPing:
		pong, err := NewPongMessage(time.Now())
		if err == nil {
			if err := c.Send(pong); err != nil {
				c.logger.Debug("[Channel] pong not sent", "error", err)
			}
		}
		return true
	case CmdPong:
		c.lastPong.Store(time.Now().UnixMilli())
		return true
	case CmdRun:
		c.logger.Warn("[Channel] ignoring Run from server", "cell", msg.CellID)
		return true
	}

	select {
	case c.inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("[Channel] write error", "error", err)
				return
			}

		case now := <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			ping, err := NewPingMessage(now)
			if err != nil {
				continue
			}
			data, _ := json.Marshal(ping)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *Channel) setState(state domain.ChannelState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	select {
	case c.states <- state:
	default:
		c.logger.Warn("[Channel] state listener lagging", "state", state)
	}
}
