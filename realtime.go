package chatsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *zap.Logger

	// Sync runs after every successful connect, before live events are
	// delivered. Pass Engine.Sync to replay what was missed while offline.
	Sync func(ctx context.Context) error
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 4 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Lifecycle callbacks
// ============================================================================

type lifecycle struct {
	mu             sync.RWMutex
	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(int, time.Duration)
}

func (l *lifecycle) emitConnected() {
	l.mu.RLock()
	handlers := append([]func(){}, l.onConnected...)
	l.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (l *lifecycle) emitDisconnected(err error) {
	l.mu.RLock()
	handlers := append([]func(error){}, l.onDisconnected...)
	l.mu.RUnlock()
	for _, h := range handlers {
		go h(err)
	}
}

func (l *lifecycle) emitReconnecting(attempt int, delay time.Duration) {
	l.mu.RLock()
	handlers := append([]func(int, time.Duration){}, l.onReconnecting...)
	l.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter. A connection that lived for a
// minute resets the attempt count.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient reads events from the chat websocket and hands them to an
// EventSink one at a time, in arrival order. The first frame of every
// connection must be health.check.
type RealtimeClient struct {
	url    string
	sink   EventSink
	config *RealtimeConfig
	logger *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	parent           context.Context

	events *lifecycle
	recon  *reconnector
}

// NewRealtimeClient creates a client for url, typically Client.WSURL().
func NewRealtimeClient(url string, sink EventSink, config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RealtimeClient{
		url:    url,
		sink:   sink,
		config: config,
		logger: config.Logger,
		state:  StateDisconnected,
		events: &lifecycle{},
		recon:  newReconnector(config),
	}
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.events.mu.Lock()
	rt.events.onConnected = append(rt.events.onConnected, h)
	rt.events.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(err error)) {
	rt.events.mu.Lock()
	rt.events.onDisconnected = append(rt.events.onDisconnected, h)
	rt.events.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.events.mu.Lock()
	rt.events.onReconnecting = append(rt.events.onReconnecting, h)
	rt.events.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

// Connect dials, waits for health.check, runs the configured Sync and starts
// delivering events. ctx bounds the whole session, reconnects included.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.parent = ctx
	rt.mu.Unlock()

	if err := rt.connect(ctx); err != nil {
		rt.setState(StateDisconnected)
		return err
	}
	return nil
}

func (rt *RealtimeClient) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, rt.url, &websocket.DialOptions{HTTPClient: rt.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(rt.config.ReadLimit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read health check: %w", err)
	}
	ev, err := DecodeEvent(data)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "")
		return err
	}
	if _, ok := ev.(*ConnectedEvent); !ok {
		conn.Close(websocket.StatusProtocolError, "")
		return fmt.Errorf("expected %q, got %q", EventHealthCheck, ev.Meta().Type)
	}
	if err := rt.sink.HandleEvents(ctx, ev); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return fmt.Errorf("handle health check: %w", err)
	}
	if rt.config.Sync != nil {
		if err := rt.config.Sync(ctx); err != nil {
			rt.logger.Warn("realtime_sync_failed", zap.Error(err))
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()
	rt.logger.Info("realtime_connected")
	rt.events.emitConnected()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.events.emitDisconnected(nil)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.connectionLost(err)
			return
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			rt.logger.Warn("realtime_frame_dropped", zap.Error(err))
			continue
		}
		if err := rt.sink.HandleEvents(ctx, ev); err != nil {
			rt.logger.Error("realtime_event_failed", zap.String("type", ev.Meta().Type), zap.Error(err))
		}
	}
}

func (rt *RealtimeClient) connectionLost(err error) {
	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	rt.conn = nil
	rt.state = StateDisconnected
	parent := rt.parent
	rt.mu.Unlock()

	rt.logger.Warn("realtime_disconnected", zap.Error(err))
	rt.events.emitDisconnected(err)
	if rt.config.AutoReconnect && parent != nil && parent.Err() == nil {
		go rt.reconnectLoop(parent)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				// The read loop sees the close and reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *RealtimeClient) reconnectLoop(ctx context.Context) {
	for rt.recon.shouldReconnect() {
		attempt, delay := rt.recon.nextDelay()
		rt.setState(StateReconnecting)
		rt.events.emitReconnecting(attempt, delay)
		rt.logger.Info("realtime_reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			rt.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		rt.mu.Lock()
		stop := rt.intentionalClose
		rt.mu.Unlock()
		if stop {
			return
		}
		if err := rt.connect(ctx); err != nil {
			rt.logger.Warn("realtime_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return
	}
	rt.setState(StateDisconnected)
}
