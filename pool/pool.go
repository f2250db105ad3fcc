package pool

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Strategy selects among the usable credentials of a provider's pool.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyWeightedRandom Strategy = "weighted_random"
	StrategyPriority       Strategy = "priority"
	StrategyLeastUsed      Strategy = "least_used"
)

// ErrNoUsableCredential is returned when every credential for a provider is
// in cooldown or disabled.
var ErrNoUsableCredential = errors.New("pool: no usable credential for provider")

// Config tunes the failover state machine shared by every credential in
// the pool.
type Config struct {
	Strategy         Strategy
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultConfig is the mandated checkout contract: highest-priority active
// credential, round-robin among equal priority. Weighted-random and
// least-used (adapted from the teacher's llm/apikey_pool.go, whose default
// this used to be) remain available as opt-in strategies.
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyPriority,
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Minute,
	}
}

// Pool rotates Credentials for a single provider. A gateway runs one Pool
// per provider id.
type Pool struct {
	mu            sync.RWMutex
	providerID    string
	cfg           Config
	creds         []*Credential
	roundRobinIdx int
	rng           *rand.Rand
	logger        *zap.Logger
	backend       Backend
}

// Backend is an optional shared-state hook invoked alongside in-memory
// bookkeeping — a Postgres-backed persistence layer, a Redis-backed
// cross-process cooldown store, or nil for the in-memory-only default.
type Backend interface {
	RecordSuccess(credentialID string, at time.Time)
	RecordFailure(credentialID string, at time.Time, cooldownUntil time.Time)
}

// New constructs a Pool for providerID from an initial credential set.
func New(providerID string, creds []*Credential, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = DefaultConfig().Strategy
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &Pool{
		providerID: providerID,
		cfg:        cfg,
		creds:      creds,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger,
	}
}

// WithBackend attaches a shared-state Backend (Postgres and/or Redis); the
// default Pool keeps all state in memory only.
func (p *Pool) WithBackend(b Backend) *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backend = b
	return p
}

// Add registers a new credential into rotation (e.g. loaded from config or
// an operator API call).
func (p *Pool) Add(c *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds = append(p.creds, c)
}

// Select picks one usable credential according to the pool's strategy.
// Returns ErrNoUsableCredential if every credential is in cooldown or
// disabled — the caller (the Router) surfaces this as AuthenticationFailed
// when anonymous fallback is also unavailable.
func (p *Pool) Select() (*Credential, error) {
	now := time.Now()

	p.mu.RLock()
	all := make([]*Credential, len(p.creds))
	copy(all, p.creds)
	p.mu.RUnlock()

	usable := make([]*Credential, 0, len(all))
	for _, c := range all {
		if c.Usable(now) {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return nil, ErrNoUsableCredential
	}

	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		return p.selectRoundRobin(usable), nil
	case StrategyWeightedRandom:
		return p.selectWeightedRandom(usable), nil
	case StrategyLeastUsed:
		return selectLeastUsed(usable), nil
	default:
		return p.selectPriority(usable), nil
	}
}

func (p *Pool) selectRoundRobin(usable []*Credential) *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := usable[p.roundRobinIdx%len(usable)]
	p.roundRobinIdx++
	return c
}

func (p *Pool) selectWeightedRandom(usable []*Credential) *Credential {
	total := 0
	for _, c := range usable {
		total += c.Weight
	}
	if total <= 0 {
		return usable[p.rng.Intn(len(usable))]
	}
	r := p.rng.Intn(total)
	for _, c := range usable {
		r -= c.Weight
		if r < 0 {
			return c
		}
	}
	return usable[len(usable)-1]
}

// selectPriority picks the highest-priority usable credential, round-robin
// among any tied at that priority so they still share load.
func (p *Pool) selectPriority(usable []*Credential) *Credential {
	best := usable[0].Priority
	for _, c := range usable[1:] {
		if c.Priority > best {
			best = c.Priority
		}
	}
	tied := make([]*Credential, 0, len(usable))
	for _, c := range usable {
		if c.Priority == best {
			tied = append(tied, c)
		}
	}
	return p.selectRoundRobin(tied)
}

func selectLeastUsed(usable []*Credential) *Credential {
	best := usable[0]
	bestCount := best.Stats().TotalRequests
	for _, c := range usable[1:] {
		if n := c.Stats().TotalRequests; n < bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

// RecordSuccess reports a successful call through c, resetting its failure
// streak and notifying the backend if one is attached.
func (p *Pool) RecordSuccess(c *Credential) {
	now := time.Now()
	c.RecordSuccess(now)
	p.mu.RLock()
	backend := p.backend
	p.mu.RUnlock()
	if backend != nil {
		backend.RecordSuccess(c.ID, now)
	}
}

// RecordFailure reports a failed call through c, applying the pool's
// cooldown policy and notifying the backend if one is attached.
func (p *Pool) RecordFailure(c *Credential) {
	now := time.Now()
	c.RecordFailure(now, p.cfg.FailureThreshold, p.cfg.RecoveryTimeout)
	p.mu.RLock()
	backend := p.backend
	p.mu.RUnlock()
	if backend != nil {
		backend.RecordFailure(c.ID, now, c.Stats().CooldownUntil)
	}
	if c.State() == StateCooldown {
		p.logger.Warn("pool: credential entered cooldown",
			zap.String("provider_id", p.providerID), zap.String("credential_id", c.ID))
	}
}

// RecordAuthFailure reports an authentication rejection through c — one
// auth failure alone trips cooldown, unlike RecordFailure's threshold
// count.
func (p *Pool) RecordAuthFailure(c *Credential) {
	now := time.Now()
	c.RecordAuthFailure(now, p.cfg.RecoveryTimeout)
	p.mu.RLock()
	backend := p.backend
	p.mu.RUnlock()
	if backend != nil {
		backend.RecordFailure(c.ID, now, c.Stats().CooldownUntil)
	}
	p.logger.Warn("pool: credential entered cooldown on auth failure",
		zap.String("provider_id", p.providerID), zap.String("credential_id", c.ID))
}

// Tick runs periodic maintenance: promotes every credential whose cooldown
// has expired back to active. Stats() already self-corrects a stale
// cooldown on read, but Tick lets a caller (e.g. a background ticker)
// proactively refresh state instead of waiting on the next Select/Stats.
func (p *Pool) Tick(now time.Time) {
	p.mu.RLock()
	all := make([]*Credential, len(p.creds))
	copy(all, p.creds)
	p.mu.RUnlock()

	for _, c := range all {
		c.Tick(now)
	}
}

// Stats returns a snapshot of every credential in the pool.
func (p *Pool) Stats() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stats, 0, len(p.creds))
	for _, c := range p.creds {
		out = append(out, c.Stats())
	}
	return out
}
