package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/events"
	"github.com/aristath/folio/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// PortfolioAccess decides whether a user may watch a portfolio's trade feed
type PortfolioAccess interface {
	IsOwner(ctx context.Context, portfolioID, userID string) (bool, error)
}

// ManagerConfig tunes connection handling
type ManagerConfig struct {
	AuthTimeout          time.Duration
	SendTimeout          time.Duration
	SendQueueSize        int
	InboundRate          float64
	InboundBurst         int
	ReadLimit            int64
	MaxChannelsPerConn   int
	AllowAnonymousUserID bool
	InsecureSkipVerify   bool
	OriginPatterns       []string
}

// Manager accepts WebSocket connections, authenticates them, interprets
// control messages and guarantees cleanup when a connection closes.
type Manager struct {
	cfg          ManagerConfig
	registry     *Registry
	alerts       *AlertBook
	verifier     domain.TokenVerifier
	anonymous    domain.TokenVerifier
	access       PortfolioAccess
	eventManager *events.Manager
	metrics      *metrics.Metrics
	log          zerolog.Logger

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewManager creates a connection manager. eventManager and metrics may be nil.
func NewManager(
	cfg ManagerConfig,
	registry *Registry,
	alerts *AlertBook,
	verifier domain.TokenVerifier,
	anonymous domain.TokenVerifier,
	eventManager *events.Manager,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Manager {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.InboundRate <= 0 || cfg.InboundBurst <= 0 {
		cfg.InboundRate, cfg.InboundBurst = 10, 20
	}
	if cfg.MaxChannelsPerConn <= 0 {
		cfg.MaxChannelsPerConn = 256
	}
	return &Manager{
		cfg:          cfg,
		registry:     registry,
		alerts:       alerts,
		verifier:     verifier,
		anonymous:    anonymous,
		eventManager: eventManager,
		metrics:      m,
		log:          log.With().Str("component", "connection_manager").Logger(),
		conns:        make(map[*Conn]struct{}),
	}
}

// SetPortfolioAccess wires the ownership check for trade feeds
func (m *Manager) SetPortfolioAccess(access PortfolioAccess) {
	m.access = access
}

// ConnectionCount returns the number of open connections
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// ServeHTTP handles GET /ws. Authentication happens before the upgrade so a
// rejected client never reaches the registry.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := m.authenticate(r)
	if err != nil {
		m.log.Info().Err(err).Str("remote", r.RemoteAddr).Msg("Connection refused")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !m.reserve() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer m.wg.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: m.cfg.InsecureSkipVerify,
		OriginPatterns:     m.cfg.OriginPatterns,
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	if m.cfg.ReadLimit > 0 {
		ws.SetReadLimit(m.cfg.ReadLimit)
	}

	codec := CodecFor(r.URL.Query().Get("encoding"))
	conn := newConn(uuid.NewString(), userID, ws, codec, ConnOptions{
		SendTimeout:   m.cfg.SendTimeout,
		SendQueueSize: m.cfg.SendQueueSize,
		InboundRate:   m.cfg.InboundRate,
		InboundBurst:  m.cfg.InboundBurst,
	}, m.log)

	m.serve(r.Context(), conn)
}

// serve runs an admitted connection until it closes
func (m *Manager) serve(ctx context.Context, conn *Conn) {
	if !m.track(conn) {
		conn.close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go conn.writeLoop(ctx)

	m.metrics.ConnectionOpened()
	if m.eventManager != nil {
		m.eventManager.EmitTyped("hub", &events.ConnectionOpenedData{
			ConnectionID: conn.ID(),
			UserID:       conn.UserID(),
		})
	}
	conn.log.Info().Str("encoding", conn.codec.Name()).Msg("Connection opened")

	_ = conn.Send(ctx, ConnectedMessage(conn.ID(), conn.UserID()))

	reason := m.readLoop(ctx, conn)
	m.cleanup(conn, reason)
}

// authenticate resolves the user id from ?token= or, when allowed, ?userId=
func (m *Manager) authenticate(r *http.Request) (string, error) {
	q := r.URL.Query()

	verifier := m.verifier
	credential := q.Get("token")
	if credential == "" {
		credential = q.Get("userId")
		if credential == "" {
			return "", fmt.Errorf("%w: no token", domain.ErrUnauthorized)
		}
		if !m.cfg.AllowAnonymousUserID || m.anonymous == nil {
			return "", fmt.Errorf("%w: userId connections are disabled", domain.ErrUnauthorized)
		}
		verifier = m.anonymous
	}
	if verifier == nil {
		return "", fmt.Errorf("%w: no token verifier configured", domain.ErrUnauthorized)
	}

	ctx, cancel := context.WithTimeout(r.Context(), m.cfg.AuthTimeout)
	defer cancel()

	type result struct {
		userID string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		id, err := verifier.Verify(ctx, credential)
		done <- result{id, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		if res.userID == "" {
			return "", fmt.Errorf("%w: empty user id", domain.ErrUnauthorized)
		}
		return res.userID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: verification timed out", domain.ErrUnauthorized)
	}
}

// readLoop processes inbound frames in arrival order until the transport fails
func (m *Manager) readLoop(ctx context.Context, conn *Conn) string {
	for {
		typ, data, err := conn.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case conn.Closed():
				return "closed by server"
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				return "client closed"
			case ctx.Err() != nil:
				return "context cancelled"
			default:
				conn.log.Debug().Err(err).Msg("Read failed")
				return "read error"
			}
		}
		m.handleFrame(ctx, conn, typ, data)
	}
}

func (m *Manager) handleFrame(ctx context.Context, conn *Conn, typ websocket.MessageType, data []byte) {
	if !conn.allowInbound() {
		m.metrics.InboundHandled("unknown", "rate_limited")
		m.reply(ctx, conn, ErrorMessage("rate limit exceeded"))
		return
	}

	msg, err := ParseInbound(data, typ == websocket.MessageBinary)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, ErrUnknownMessageType) {
			outcome = "unknown_type"
		}
		m.metrics.InboundHandled("unknown", outcome)
		conn.log.Debug().Err(err).Msg("Ignoring inbound message")
		m.reply(ctx, conn, ErrorMessage(err.Error()))
		return
	}

	if err := m.dispatch(ctx, conn, msg); err != nil {
		m.metrics.InboundHandled(msg.Kind(), "rejected")
		conn.log.Debug().Err(err).Str("type", msg.Kind()).Msg("Control message rejected")
		m.reply(ctx, conn, ErrorMessage(err.Error()))
		return
	}
	m.metrics.InboundHandled(msg.Kind(), "ok")
}

func (m *Manager) dispatch(ctx context.Context, conn *Conn, msg Inbound) error {
	switch msg := msg.(type) {
	case SubscribeMsg:
		ch, err := ParseChannel(msg.Channel)
		if err != nil {
			return err
		}
		if id, ok := ch.PortfolioID(); ok {
			if err := m.authorizePortfolio(ctx, conn, id); err != nil {
				return err
			}
		}
		if err := m.subscribe(conn, ch); err != nil {
			return err
		}
		m.reply(ctx, conn, SubscribedMessage([]Channel{ch}))

	case UnsubscribeMsg:
		ch, err := ParseChannel(msg.Channel)
		if err != nil {
			return err
		}
		m.registry.Unsubscribe(ch, conn)
		m.reply(ctx, conn, UnsubscribedMessage([]Channel{ch}))

	case SubscribePriceMsg:
		chans := make([]Channel, 0, len(msg.Symbols))
		for _, symbol := range msg.Symbols {
			ch := PriceChannel(symbol)
			if err := m.subscribe(conn, ch); err != nil {
				return err
			}
			chans = append(chans, ch)
		}
		m.reply(ctx, conn, SubscribedMessage(chans))

	case UnsubscribeMarketMsg:
		chans := make([]Channel, 0, len(msg.Symbols))
		for _, symbol := range msg.Symbols {
			ch := PriceChannel(symbol)
			m.registry.Unsubscribe(ch, conn)
			chans = append(chans, ch)
		}
		m.reply(ctx, conn, UnsubscribedMessage(chans))

	case SubscribeTradesMsg:
		id := msg.PortfolioID
		if id == "" {
			id = conn.UserID()
		}
		if err := m.authorizePortfolio(ctx, conn, id); err != nil {
			return err
		}
		ch := TradesChannel(id)
		if err := m.subscribe(conn, ch); err != nil {
			return err
		}
		m.reply(ctx, conn, SubscribedMessage([]Channel{ch}))

	case SetAlertMsg:
		if m.alerts == nil {
			return errors.New("alerts are not enabled")
		}
		alert, err := m.alerts.Add(conn, msg.Symbol, msg.Condition, msg.TargetPrice)
		if err != nil {
			return err
		}
		m.reply(ctx, conn, AlertSetMessage(alert))

	case PingMsg:
		m.reply(ctx, conn, PongMessage())

	default:
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, msg.Kind())
	}
	return nil
}

func (m *Manager) subscribe(conn *Conn, ch Channel) error {
	count := m.registry.MembershipCount(conn)
	if count >= m.cfg.MaxChannelsPerConn {
		for _, existing := range m.registry.ChannelsOf(conn) {
			if existing == ch {
				return nil
			}
		}
		return fmt.Errorf("subscription limit of %d channels reached", m.cfg.MaxChannelsPerConn)
	}
	m.registry.Subscribe(ch, conn)
	return nil
}

func (m *Manager) authorizePortfolio(ctx context.Context, conn *Conn, portfolioID string) error {
	if portfolioID == conn.UserID() {
		return nil
	}
	if m.access != nil {
		owner, err := m.access.IsOwner(ctx, portfolioID, conn.UserID())
		if err != nil {
			return fmt.Errorf("failed to check portfolio access: %w", err)
		}
		if owner {
			return nil
		}
	}
	return fmt.Errorf("%w: not allowed to watch portfolio %s", domain.ErrUnauthorized, portfolioID)
}

func (m *Manager) reply(ctx context.Context, conn *Conn, msg Outbound) {
	if err := conn.Send(ctx, msg); err != nil {
		m.metrics.SendFailed()
		conn.log.Debug().Err(err).Str("type", string(msg.Type)).Msg("Reply dropped")
		return
	}
	m.metrics.MessageSent(string(msg.Type))
}

// cleanup runs exactly once per connection: it closes the transport and
// removes every registry membership and alert the connection held.
func (m *Manager) cleanup(conn *Conn, reason string) {
	conn.cleanupOnce.Do(func() {
		conn.close(websocket.StatusNormalClosure, "")

		channels := m.registry.RemoveConnection(conn)
		alerts := 0
		if m.alerts != nil {
			alerts = m.alerts.RemoveConnection(conn)
		}
		m.untrack(conn)
		m.metrics.ConnectionClosed()

		if m.eventManager != nil {
			m.eventManager.EmitTyped("hub", &events.ConnectionClosedData{
				ConnectionID: conn.ID(),
				UserID:       conn.UserID(),
				Channels:     channels,
				Reason:       reason,
			})
		}
		conn.log.Info().
			Str("reason", reason).
			Int("channels", channels).
			Int("alerts", alerts).
			Dur("lifetime", time.Since(conn.openedAt)).
			Msg("Connection closed")
	})
}

func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) track(conn *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.conns[conn] = struct{}{}
	return true
}

func (m *Manager) untrack(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, conn)
}

// Shutdown closes every open connection with StatusGoingAway and waits for
// their handlers to finish cleanup, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		go c.close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info().Int("connections", len(conns)).Msg("Connection manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connection manager shutdown: %w", ctx.Err())
	}
}
