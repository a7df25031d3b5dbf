package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

var (
	// ErrConnClosed is returned when sending to a closed connection
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned when a slow consumer's buffer is full
	ErrSendQueueFull = errors.New("send queue full")
)

// transport is the subset of *websocket.Conn a Conn needs
type transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// ConnOptions tunes one connection
type ConnOptions struct {
	SendTimeout   time.Duration
	SendQueueSize int
	InboundRate   float64
	InboundBurst  int
}

// Conn is one admitted WebSocket client. Sends are enqueued and written by a
// dedicated goroutine so a slow peer never blocks the broadcaster.
type Conn struct {
	openedAt    time.Time
	ws          transport
	codec       Codec
	limiter     *rate.Limiter
	queue       chan Outbound
	done        chan struct{}
	log         zerolog.Logger
	id          string
	userID      string
	sendTimeout time.Duration
	closed      atomic.Bool
	closeOnce   sync.Once
	cleanupOnce sync.Once
}

func newConn(id, userID string, ws transport, codec Codec, opts ConnOptions, log zerolog.Logger) *Conn {
	return &Conn{
		id:          id,
		userID:      userID,
		ws:          ws,
		codec:       codec,
		limiter:     rate.NewLimiter(rate.Limit(opts.InboundRate), opts.InboundBurst),
		queue:       make(chan Outbound, opts.SendQueueSize),
		done:        make(chan struct{}),
		sendTimeout: opts.SendTimeout,
		openedAt:    time.Now(),
		log: log.With().
			Str("connection_id", id).
			Str("user_id", userID).
			Logger(),
	}
}

// ID returns the connection id
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user id
func (c *Conn) UserID() string { return c.userID }

// Closed reports whether the connection has left the Open state
func (c *Conn) Closed() bool { return c.closed.Load() }

// Send enqueues msg without blocking
func (c *Conn) Send(_ context.Context, msg Outbound) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// allowInbound applies the per-connection token bucket
func (c *Conn) allowInbound() bool {
	return c.limiter.Allow()
}

// writeLoop drains the send queue until the connection closes. A failed or
// timed-out write closes the connection.
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg := <-c.queue:
			data, err := c.codec.Encode(msg)
			if err != nil {
				c.log.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to encode outbound message")
				continue
			}

			wctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
			err = c.ws.Write(wctx, c.codec.FrameType(), data)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("Write failed, closing connection")
				c.close(websocket.StatusPolicyViolation, "write failed")
				return
			}
		}
	}
}

// close moves the connection to Closed and closes the transport once
func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if err := c.ws.Close(code, reason); err != nil {
			c.log.Debug().Err(err).Msg("Transport close returned error")
		}
	})
}
