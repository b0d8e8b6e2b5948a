package terminal

import (
	"errors"
	"sync"
	"time"
)

// GuardState is the state of a GuardedSpawner.
type GuardState int

const (
	GuardClosed GuardState = iota
	GuardHalfOpen
	GuardOpen
)

// String returns the string representation of the state
func (s GuardState) String() string {
	switch s {
	case GuardClosed:
		return "closed"
	case GuardHalfOpen:
		return "half-open"
	case GuardOpen:
		return "open"
	default:
		return "unknown"
	}
}

// GuardedSpawner is a circuit breaker around a Spawner. After Threshold
// consecutive spawn failures it rejects spawns with ErrSpawnThrottled for
// Cooldown; the first spawn after the cooldown decides whether it closes again.
type GuardedSpawner struct {
	next      Spawner
	threshold int
	cooldown  time.Duration

	// OnStateChange is called whenever the state changes
	OnStateChange func(from, to GuardState)

	mu       sync.Mutex
	state    GuardState
	failures int
	expiry   time.Time
	probing  bool
	now      func() time.Time
}

// NewGuardedSpawner wraps next. A threshold <= 0 disables the guard.
func NewGuardedSpawner(next Spawner, threshold int, cooldown time.Duration) *GuardedSpawner {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &GuardedSpawner{
		next:      next,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// State returns the current state of the guard.
func (g *GuardedSpawner) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentState()
}

// Spawn implements Spawner.
func (g *GuardedSpawner) Spawn(opts SpawnOptions) (Handle, error) {
	if g.threshold <= 0 {
		return g.next.Spawn(opts)
	}

	if err := g.beforeSpawn(); err != nil {
		return nil, err
	}

	h, err := g.next.Spawn(opts)
	g.afterSpawn(err)
	return h, err
}

func (g *GuardedSpawner) beforeSpawn() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.currentState() {
	case GuardOpen:
		return ErrSpawnThrottled
	case GuardHalfOpen:
		if g.probing {
			return ErrSpawnThrottled
		}
		g.probing = true
	}
	return nil
}

func (g *GuardedSpawner) afterSpawn(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.currentState()
	g.probing = false

	// Only failures to start the command count; throttling is not a failure.
	if err == nil || errors.Is(err, ErrSpawnThrottled) {
		g.failures = 0
		if state == GuardHalfOpen {
			g.setState(GuardClosed)
		}
		return
	}

	switch state {
	case GuardClosed:
		g.failures++
		if g.failures >= g.threshold {
			g.setState(GuardOpen)
		}
	case GuardHalfOpen:
		g.setState(GuardOpen)
	}
}

func (g *GuardedSpawner) currentState() GuardState {
	if g.state == GuardOpen && !g.now().Before(g.expiry) {
		g.setState(GuardHalfOpen)
	}
	return g.state
}

func (g *GuardedSpawner) setState(state GuardState) {
	if g.state == state {
		return
	}
	prev := g.state
	g.state = state
	g.failures = 0
	if state == GuardOpen {
		g.expiry = g.now().Add(g.cooldown)
	}
	if g.OnStateChange != nil {
		g.OnStateChange(prev, state)
	}
}
