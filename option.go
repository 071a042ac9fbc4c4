package x402

import (
	"time"

	"github.com/vitwit/x402-approvals/chains"
	"github.com/vitwit/x402-approvals/events"
	"github.com/vitwit/x402-approvals/logger"
	"github.com/vitwit/x402-approvals/metrics"
	"github.com/vitwit/x402-approvals/settlement"
	"github.com/vitwit/x402-approvals/signer"
)

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithTimeout bounds the replay of an approved request.
func WithTimeout(t time.Duration) Option {
	return func(e *Engine) {
		if t > 0 {
			e.timeout = t
		}
	}
}

// WithTTL sets how long a captured payment stays approvable.
func WithTTL(t time.Duration) Option {
	return func(e *Engine) {
		if t > 0 {
			e.ttl = t
		}
	}
}

// WithAuthorizationValidity sets the validBefore window of prepared authorizations.
func WithAuthorizationValidity(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.validity = d
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

func WithHTTPClient(c settlement.HTTPDoer) Option {
	return func(e *Engine) {
		if c != nil {
			e.httpClient = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithVerifier checks signatures before dispatch. Use signer.EOAVerifier for
// externally owned accounts.
func WithVerifier(v signer.Verifier) Option {
	return func(e *Engine) {
		if v != nil {
			e.verifier = v
		}
	}
}

func WithRegistry(r *chains.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.chains = r
		}
	}
}

// WithCloser registers a function Close runs, e.g. closing a database pool.
func WithCloser(fn func() error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.closers = append(e.closers, fn)
		}
	}
}
