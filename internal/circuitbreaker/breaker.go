// Package circuitbreaker guards calls to an external API with one circuit per
// key. The chain client keys circuits by indexer endpoint family, so a failing
// route (say, transaction submission) does not block lookups.
package circuitbreaker

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of one circuit.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected until the cooldown passes
	StateHalfOpen              // a single trial call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "circuit",
		Name:      "transitions_total",
		Help:      "Circuit state transitions by key.",
	}, []string{"key", "from", "to"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "circuit",
		Name:      "state",
		Help:      "Current circuit state by key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitions, stateGauge)
}

// ErrOpen is returned by Do when the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// Config tunes a Breaker.
type Config struct {
	// Threshold is the number of consecutive counted failures that trips a
	// circuit. Default 5.
	Threshold int
	// Cooldown is how long a tripped circuit rejects calls before allowing a
	// trial call. Default 30s.
	Cooldown time.Duration
	// Now is the clock. Default time.Now.
	Now func() time.Time
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key. It is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a Breaker. Zero Config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg, circuits: make(map[string]*circuit)}
}

// Do runs fn unless the circuit for key is open. Errors for which countable
// returns false (a 404, a cancelled context) pass through without counting
// as failures; a nil countable counts every error.
func (b *Breaker) Do(key string, fn func() error, countable func(error) bool) error {
	if !b.acquire(key) {
		return ErrOpen
	}
	err := fn()
	b.record(key, err != nil && (countable == nil || countable(err)))
	return err
}

// State returns the state of key's circuit.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Open returns the keys whose circuits are not closed, sorted.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k, c := range b.circuits {
		if c.state != StateClosed {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (b *Breaker) acquire(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.cfg.Now().Sub(c.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

func (b *Breaker) record(key string, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		if !failed {
			return
		}
		c = &circuit{}
		b.circuits[key] = c
	}

	if !failed {
		c.failures = 0
		b.move(key, c, StateClosed)
		return
	}

	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.cfg.Threshold {
		c.openedAt = b.cfg.Now()
		b.move(key, c, StateOpen)
	}
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(key, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(float64(to))
}
