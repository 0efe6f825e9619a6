package speech

import (
	"context"
	"time"

	"github.com/vozlab/arivoz/internal/resilience"
)

// Failover is a [Provider] that tries a primary provider and zero or more
// fallbacks in order. Each entry sits behind its own circuit breaker, so a
// provider whose connects keep failing is skipped until its breaker half-opens
// again. With a single entry it still gives the connect path circuit-breaker
// protection.
type Failover struct {
	group *resilience.FallbackGroup[Provider]
}

// NewFailover wraps primary in a connect-path failover group. Register
// additional providers with [Failover.AddFallback].
func NewFailover(primary Provider, name string) *Failover {
	return &Failover{
		group: resilience.NewFallbackGroup(primary, name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  3,
				ResetTimeout: 30 * time.Second,
			},
		}),
	}
}

// AddFallback appends a fallback provider tried after the primary.
func (f *Failover) AddFallback(name string, p Provider) {
	f.group.AddFallback(name, p)
}

// Connect opens a session on the first healthy provider.
func (f *Failover) Connect(ctx context.Context, cfg SessionConfig) (Session, error) {
	return resilience.ExecuteWithResult(f.group, func(p Provider) (Session, error) {
		return p.Connect(ctx, cfg)
	})
}
