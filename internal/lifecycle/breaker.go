// breaker.go wraps the lifecycle's SCM observation calls (PR detection, CI
// checks, review decision, mergeability, comments) in a circuit breaker per
// operation so a failing external dependency (GitHub down) degrades to a
// fast, typed error instead of hanging the tick loop. Notifier dispatch and
// MergePR are not wrapped. Grounded on the "plugin introspection failures
// degrade, never block core loop" requirement; no pack repo does this
// itself. Each breaker trips after 3 consecutive failures, stays open for
// 30s, then lets 1 trial request through; counts reset every minute.
package lifecycle

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
)

type breakerPool struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerPool() *breakerPool {
	return &breakerPool{breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (p *breakerPool) get(name string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	p.breakers[name] = cb
	return cb
}

// run executes fn through the named breaker, translating a tripped breaker
// into a corerr.PluginFailure rather than letting gobreaker.ErrOpenState
// leak to callers.
func (p *breakerPool) run(name string, fn func() error) error {
	cb := p.get(name)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return corerr.Wrapf(corerr.PluginFailure, "lifecycle.breaker", err, "plugin call through %s", name)
	}
	return nil
}
