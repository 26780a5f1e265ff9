// Package inference generates agent content through a preference-ordered
// list of chat-completion backends, with retry, per-backend circuit
// breaking, and a daily call budget. All gateway state lives in the Gateway
// value handed to the process at startup; there are no package-level
// singletons.
package inference

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Source says where a generation result came from.
type Source string

const (
	// SourceBackend means a live backend produced the text.
	SourceBackend Source = "backend"
	// SourcePlaceholder means the daily budget was exhausted before the call.
	SourcePlaceholder Source = "placeholder"
	// SourceFallback means every backend failed and the deterministic
	// fallback text was produced instead.
	SourceFallback Source = "fallback"
)

// Result is one generation outcome. Source lets callers distinguish a
// budget-exhausted placeholder from an all-backends-failed fallback even
// though both carry deterministic text.
type Result struct {
	Text    string
	Backend string
	Source  Source
}

// Options tunes the gateway's retry behavior.
type Options struct {
	MaxTries int           // per-backend attempts on 429/502/503 (default 4)
	MaxWait  time.Duration // cap on a single backoff sleep (default 30s)
}

// Gateway routes generation requests across backends in preference order.
type Gateway struct {
	backends []*Backend
	breakers *BreakerSet
	budget   *Budget
	opts     Options
	logger   *slog.Logger
	onCall   func(backend string, elapsed time.Duration, ok bool)
}

// NewGateway assembles a gateway from already-constructed parts.
func NewGateway(backends []*Backend, breakers *BreakerSet, budget *Budget, opts Options, logger *slog.Logger) *Gateway {
	if opts.MaxTries <= 0 {
		opts.MaxTries = 4
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{backends: backends, breakers: breakers, budget: budget, opts: opts, logger: logger}
}

// SetCallObserver registers a callback receiving the duration and outcome
// of every backend attempt (including retries). Set once during wiring.
func (g *Gateway) SetCallObserver(fn func(backend string, elapsed time.Duration, ok bool)) {
	g.onCall = fn
}

// Generate produces text for the request. It never fails: when the daily
// budget is exhausted, or every backend is tripped or errors out, it
// returns deterministic placeholder text instead of an error.
func (g *Gateway) Generate(ctx context.Context, req Request) Result {
	if !g.budget.TryConsume(ctx) {
		g.logger.Info("inference budget exhausted, using placeholder", "used", g.budget.Used())
		return Result{Text: Placeholder(req), Source: SourcePlaceholder}
	}

	for _, b := range g.backends {
		if g.breakers.IsTripped(b.Name()) {
			g.logger.Info("skipping tripped backend", "backend", b.Name())
			continue
		}

		text, err := g.tryBackend(ctx, b, req)
		if err == nil {
			g.breakers.RecordSuccess(b.Name())
			return Result{Text: text, Backend: b.Name(), Source: SourceBackend}
		}

		g.logger.Warn("backend failed",
			"backend", b.Name(),
			"error_class", string(Classify(err)),
			"error", err,
		)
	}

	// Nothing produced text; the reserved budget slot was not spent.
	g.budget.Refund(ctx)
	return Result{Text: Placeholder(req), Source: SourceFallback}
}

// tryBackend runs one backend with bounded retries. Only 429/502/503 and
// network-level failures are retried; a 429 feeds the breaker and, when it
// trips, further attempts against this backend stop immediately.
func (g *Gateway) tryBackend(ctx context.Context, b *Backend, req Request) (string, error) {
	expo := backoff.NewExponentialBackOff()
	expo.MaxInterval = g.opts.MaxWait

	op := func() (string, error) {
		start := time.Now()
		text, err := b.Complete(ctx, req)
		if g.onCall != nil {
			g.onCall(b.Name(), time.Since(start), err == nil)
		}
		if err == nil {
			return text, nil
		}
		switch Classify(err) {
		case ErrorClassRateLimit:
			if g.breakers.RecordRateLimit(b.Name()) {
				return "", backoff.Permanent(err)
			}
			if be, ok := err.(*BackendError); ok && be.RetryAfter > 0 {
				return "", &backoff.RetryAfterError{Duration: be.RetryAfter}
			}
			return "", err
		case ErrorClassTransient:
			return "", err
		default:
			return "", backoff.Permanent(err)
		}
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(g.opts.MaxTries)),
	)
}

// Placeholder derives deterministic stand-in text from the prompt, so the
// same request always yields the same output when no backend is consulted.
func Placeholder(req Request) string {
	h := fnv.New64a()
	h.Write([]byte(req.System))
	h.Write([]byte{0})
	h.Write([]byte(req.User))
	return fmt.Sprintf("[offline-%016x] %s", h.Sum64(), truncate(req.User, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
