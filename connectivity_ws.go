package offline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// WSConfig configures a WSConnectivity.
type WSConfig struct {
	// URL of the backend's websocket endpoint. http(s) schemes are
	// rewritten to ws(s).
	URL   string
	Token string

	// MaxReconnectAttempts of 0 retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// LinkState is the state of a WSConnectivity link.
type LinkState string

const (
	StateDisconnected LinkState = "disconnected"
	StateConnecting   LinkState = "connecting"
	StateConnected    LinkState = "connected"
	StateReconnecting LinkState = "reconnecting"
)

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *WSConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter. A link that stayed up for
// a minute starts over from the base delay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// WSConnectivity derives online/offline from a websocket link to the
// backend. The link is online from a successful dial until a read fails or a
// heartbeat ping goes unanswered; it then reconnects with backoff.
type WSConnectivity struct {
	subscribers

	config WSConfig
	log    *zap.Logger
	recon  *reconnector

	mu     sync.Mutex
	state  LinkState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSConnectivity creates a websocket connectivity source. Call Start to
// begin connecting.
func NewWSConnectivity(config WSConfig) *WSConnectivity {
	config.defaults()
	return &WSConnectivity{
		config: config,
		log:    config.Logger.Named("connectivity"),
		recon:  newReconnector(&config),
		state:  StateDisconnected,
	}
}

// Online reports whether the link is currently up.
func (w *WSConnectivity) Online() bool {
	return w.State() == StateConnected
}

// State returns the link state.
func (w *WSConnectivity) State() LinkState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *WSConnectivity) setState(s LinkState) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()

	wasOnline, online := prev == StateConnected, s == StateConnected
	if wasOnline != online {
		w.notify(online)
	}
}

// Start connects in the background. It is a no-op if already started.
func (w *WSConnectivity) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

// Stop closes the link and waits for the background loop to exit.
func (w *WSConnectivity) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *WSConnectivity) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer w.setState(StateDisconnected)

	for {
		w.setState(StateConnecting)
		err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if !w.recon.shouldReconnect() {
			w.log.Warn("giving up on websocket link", zap.Error(err))
			return
		}

		delay := w.recon.nextDelay()
		w.setState(StateReconnecting)
		w.log.Debug("websocket link down",
			zap.Error(err),
			zap.Int("attempt", w.recon.attempt),
			zap.Duration("retry_in", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (w *WSConnectivity) dialURL() string {
	u := strings.Replace(w.config.URL, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

// session holds one connection open until it fails or ctx ends.
func (w *WSConnectivity) session(ctx context.Context) error {
	opts := &websocket.DialOptions{HTTPClient: w.config.HTTPClient}
	if w.config.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + w.config.Token}}
	}

	conn, _, err := websocket.Dial(ctx, w.dialURL(), opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	w.recon.markConnected()
	w.setState(StateConnected)
	w.log.Debug("websocket link up", zap.String("url", w.config.URL))

	// Reading keeps control frames flowing so pings get their pongs.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("websocket read: %w", err)
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, w.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}
