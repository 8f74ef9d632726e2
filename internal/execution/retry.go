package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"orderpilot/internal/metrics"
	"orderpilot/internal/ports"
)

// Attempt records one failed call inside a retry session.
type Attempt struct {
	Number int
	Err    error
	Delay  time.Duration // Delay chosen before the next attempt (0 on the last)
}

// RetrySession is the transient per-invocation history kept for
// diagnostics. It has no bearing on correctness.
type RetrySession struct {
	Operation string
	StartedAt time.Time
	Attempts  []Attempt
}

// RetryResult is the structured outcome of one coordinated call.
type RetryResult struct {
	Success  bool
	Attempts int
	Err      error
	Session  *RetrySession
}

// RetryConfig holds parameters for the retry coordinator.
type RetryConfig struct {
	MaxRetries       int           // Additional attempts after the first call
	BaseDelay        time.Duration // e.g. 500ms
	MaxDelay         time.Duration // Backoff ceiling, e.g. 30s
	Factor           float64       // Backoff base, e.g. 2
	SessionRetention time.Duration // How long attempt histories are kept
}

// Coordinator wraps single broker-gateway calls with failure classification
// and exponential backoff with jitter.
type Coordinator struct {
	cfg    RetryConfig
	logger ports.Logger

	mu       sync.Mutex
	sessions []*RetrySession

	now func() time.Time
}

// Non-retryable sentinels are checked before the retryable set. An error
// matching neither is treated as retryable (conservative default).
var nonRetryable = []error{
	ports.ErrInsufficientFunds,
	ports.ErrInvalidSymbol,
	ports.ErrMarketClosed,
	ports.ErrAuthenticationFailed,
	ports.ErrPermissionDenied,
	ports.ErrInvalidRequest,
	ports.ErrAccountSuspended,
	ports.ErrOrderNotFound,
	ports.ErrPositionNotFound,
}

var retryable = []error{
	ports.ErrRateLimited,
	ports.ErrTimeout,
	ports.ErrConnectionFailed,
	ports.ErrExchangeUnavailable,
	ports.ErrUnknown,
}

// NewCoordinator creates a retry coordinator.
func NewCoordinator(cfg RetryConfig, logger ports.Logger) (*Coordinator, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for retry coordinator")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("MaxRetries cannot be negative")
	}
	if cfg.BaseDelay <= 0 {
		return nil, fmt.Errorf("BaseDelay must be positive")
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("MaxDelay must be >= BaseDelay")
	}
	if cfg.Factor < 1 {
		cfg.Factor = 2
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = 15 * time.Minute
	}
	return &Coordinator{cfg: cfg, logger: logger, now: time.Now}, nil
}

// isPermanent classifies an error against the ordered sentinel sets.
func isPermanent(err error) bool {
	for _, sentinel := range nonRetryable {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	for _, sentinel := range retryable {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	// Unclassified errors retry by default.
	return false
}

// Do executes call, retrying transient failures with exponential backoff
// and uniform [0.5, 1.0] jitter. It makes at most MaxRetries+1 underlying
// calls and always returns a structured result instead of panicking or
// unwinding.
func (c *Coordinator) Do(ctx context.Context, op string, call func(context.Context) error) *RetryResult {
	session := &RetrySession{Operation: op, StartedAt: c.now()}
	defer c.retain(session)

	b := &backoff.Backoff{
		Min:    c.cfg.BaseDelay,
		Max:    c.cfg.MaxDelay,
		Factor: c.cfg.Factor,
		Jitter: false, // uniform half-to-full jitter is applied below instead
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := call(ctx)
		if err == nil {
			metrics.IncRetryOutcome("success")
			return &RetryResult{Success: true, Attempts: attempt + 1, Session: session}
		}
		lastErr = err

		if isPermanent(err) {
			session.Attempts = append(session.Attempts, Attempt{Number: attempt + 1, Err: err})
			c.logger.Warn(ctx, op+": permanent error, not retrying", map[string]interface{}{
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
			metrics.IncRetryOutcome("permanent")
			return &RetryResult{Attempts: attempt + 1, Err: err, Session: session}
		}

		if attempt == c.cfg.MaxRetries {
			session.Attempts = append(session.Attempts, Attempt{Number: attempt + 1, Err: err})
			break
		}

		delay := b.ForAttempt(float64(attempt))
		delay = time.Duration(float64(delay) * (0.5 + 0.5*rand.Float64()))
		session.Attempts = append(session.Attempts, Attempt{Number: attempt + 1, Err: err, Delay: delay})

		c.logger.Debug(ctx, op+": transient error, backing off", map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			ctxErr := fmt.Errorf("%s aborted during backoff: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
			metrics.IncRetryOutcome("canceled")
			return &RetryResult{Attempts: attempt + 1, Err: ctxErr, Session: session}
		}
	}

	c.logger.Error(ctx, lastErr, op+": retries exhausted", map[string]interface{}{
		"attempts": c.cfg.MaxRetries + 1,
	})
	metrics.IncRetryOutcome("exhausted")
	return &RetryResult{
		Attempts: c.cfg.MaxRetries + 1,
		Err:      fmt.Errorf("%s failed after %d attempts: %w", op, c.cfg.MaxRetries+1, lastErr),
		Session:  session,
	}
}

// retain keeps the session for diagnostics and purges entries older than
// the retention window.
func (c *Coordinator) retain(session *RetrySession) {
	cutoff := c.now().Add(-c.cfg.SessionRetention)

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.sessions[:0]
	for _, s := range c.sessions {
		if s.StartedAt.After(cutoff) {
			kept = append(kept, s)
		}
	}
	c.sessions = append(kept, session)
}

// RecentSessions returns a snapshot of retained attempt histories.
func (c *Coordinator) RecentSessions() []*RetrySession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*RetrySession, len(c.sessions))
	copy(out, c.sessions)
	return out
}
