package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hostcraft/hostd/internal/logging"
	"github.com/hostcraft/hostd/internal/metrics"
)

// stableAfter is how long the reconnect loop waits, once the last
// handshake result is SignalReady, before resetting the backoff to its
// base delay -- mirrors the session-duration check in the teacher's agent
// Run loop.
const stableAfter = 30 * time.Second

// Client owns the handshake lifecycle against a configured Transport: an
// initial connect, and a background loop that retries the handshake with
// exponential backoff while the last result is not SignalReady. Once a
// handshake succeeds the loop makes no further attempts; it idles until
// stopped, so a controller that drops later is not detected.
type Client struct {
	transport Transport
	log       *logging.Logger

	mu          sync.Mutex
	lastResult  ConnectResult
	tokenHash   []byte
	cancel      context.CancelFunc
}

// NewClient builds a Client around transport. token, if non-empty, is
// hashed with bcrypt and kept only as that hash, for VerifyToken; the
// plaintext is not retained and the Transport never sends it.
func NewClient(transport Transport, token string, log *logging.Logger) (*Client, error) {
	c := &Client{transport: transport, log: log}
	if token != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash controller token: %w", err)
		}
		c.tokenHash = hash
	}
	return c, nil
}

// VerifyToken reports whether token matches the one supplied at
// construction. Returns true when no token was configured (auth is
// optional in that deployment posture).
func (c *Client) VerifyToken(token string) bool {
	if c.tokenHash == nil {
		return true
	}
	return bcrypt.CompareHashAndPassword(c.tokenHash, []byte(token)) == nil
}

// Handshake performs the initial connect and returns its result
// synchronously. The caller (the Host Engine's startup sequence) decides
// what to do with SignalNotConnected / SignalNotDefined; this call never
// blocks waiting for a controller to become reachable.
func (c *Client) Handshake(ctx context.Context, info ServerInfo) (ConnectResult, error) {
	start := time.Now()
	result, err := c.transport.Connect(ctx, info)
	metrics.HandshakeDuration.Observe(time.Since(start).Seconds())

	outcome := string(result.Signal)
	if err != nil {
		outcome = "error"
	}
	metrics.ControllerReconnects.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	c.lastResult = result
	c.mu.Unlock()

	return result, err
}

// RunReconnectLoop starts a background goroutine that re-attempts the
// handshake with exponential backoff whenever the last known signal was
// not SignalReady. It returns immediately; call Stop (or cancel ctx) to
// end the loop.
func (c *Client) RunReconnectLoop(ctx context.Context, info ServerInfo, onReconnect func(ConnectResult)) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.runLoop(loopCtx, info, onReconnect)
}

func (c *Client) runLoop(ctx context.Context, info ServerInfo, onReconnect func(ConnectResult)) {
	b := newBackoff(time.Second, 2*time.Minute)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		signal := c.lastResult.Signal
		c.mu.Unlock()

		if signal == SignalReady {
			select {
			case <-ctx.Done():
				return
			case <-time.After(stableAfter):
				b.reset()
				continue
			}
		}

		wait := b.next()
		c.log.Info("controller reconnect scheduled", "wait", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		result, err := c.Handshake(ctx, info)
		if err != nil {
			c.log.Error("controller reconnect failed", "error", err)
			continue
		}
		if onReconnect != nil {
			onReconnect(result)
		}
	}
}

// Stop ends the background reconnect loop, if one is running.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Disconnect tells the controller(s) this host is going away. Best
// effort: the caller should proceed with shutdown regardless of error.
func (c *Client) Disconnect(ctx context.Context, info ServerInfo) error {
	c.Stop()
	return c.transport.Disconnect(ctx, info)
}

// LastResult returns the most recently observed handshake result.
func (c *Client) LastResult() ConnectResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}
