// Package pool implements the Token Pool: per-provider credential rotation
// with a cooldown/disable state machine and pluggable selection strategies,
// adapted from the teacher's API-key pool (llm/apikey_pool.go) but layered
// with the active/cooldown/disabled lifecycle this gateway's credentials
// need instead of a simple health gate.
package pool

import (
	"sync"
	"time"
)

// State is a Credential's position in the active/cooldown/disabled lifecycle.
type State string

const (
	StateActive   State = "active"
	StateCooldown State = "cooldown"
	StateDisabled State = "disabled"
)

// Credential is one rotatable unit of provider auth — typically a
// session.Bundle reference, but opaque to the pool itself.
type Credential struct {
	ID         string
	ProviderID string
	Weight     int
	Priority   int

	mu             sync.Mutex
	state          State
	failureCount   int
	totalRequests  int64
	failedRequests int64
	cooldownUntil  time.Time
	lastUsedAt     time.Time
}

// NewCredential constructs an active credential with the given rotation
// weight and priority (higher priority value preferred; equal-priority
// credentials round-robin).
func NewCredential(id, providerID string, weight, priority int) *Credential {
	if weight <= 0 {
		weight = 1
	}
	return &Credential{ID: id, ProviderID: providerID, Weight: weight, Priority: priority, state: StateActive}
}

// Usable reports whether the credential can currently be selected: active,
// or cooldown whose timer has elapsed (which promotes it back to active).
func (c *Credential) Usable(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usableLocked(now)
}

func (c *Credential) usableLocked(now time.Time) bool {
	switch c.state {
	case StateActive:
		return true
	case StateCooldown:
		if !now.Before(c.cooldownUntil) {
			c.state = StateActive
			c.failureCount = 0
			return true
		}
		return false
	default: // StateDisabled
		return false
	}
}

// State returns the credential's current lifecycle state.
func (c *Credential) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RecordSuccess clears failure tracking and marks the credential used.
func (c *Credential) RecordSuccess(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.lastUsedAt = now
	c.failureCount = 0
	if c.state == StateCooldown {
		c.state = StateActive
	}
}

// RecordFailure increments the failure count and, once it reaches
// threshold, moves the credential into cooldown for recoveryTimeout.
// Disabled credentials are unaffected — only an operator can re-enable one.
func (c *Credential) RecordFailure(now time.Time, threshold int, recoveryTimeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.failedRequests++
	c.lastUsedAt = now
	if c.state == StateDisabled {
		return
	}
	c.failureCount++
	if c.failureCount >= threshold {
		c.state = StateCooldown
		c.cooldownUntil = now.Add(recoveryTimeout)
	}
}

// RecordAuthFailure immediately moves the credential into cooldown
// regardless of failureCount — an authentication rejection is a heavier
// signal than an ordinary transient failure and shouldn't need threshold
// strikes to act on.
func (c *Credential) RecordAuthFailure(now time.Time, recoveryTimeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.failedRequests++
	c.lastUsedAt = now
	if c.state == StateDisabled {
		return
	}
	c.state = StateCooldown
	c.cooldownUntil = now.Add(recoveryTimeout)
}

// Disable forces the credential out of rotation until an operator calls
// Enable. Unlike cooldown, this never self-recovers.
func (c *Credential) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisabled
}

// Enable returns a disabled (or cooled-down) credential to active duty.
func (c *Credential) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateActive
	c.failureCount = 0
}

// Stats is a point-in-time snapshot of a credential's health, safe to
// expose over an admin/health endpoint.
type Stats struct {
	ID             string    `json:"id"`
	ProviderID     string    `json:"provider_id"`
	State          State     `json:"state"`
	TotalRequests  int64     `json:"total_requests"`
	FailedRequests int64     `json:"failed_requests"`
	SuccessRate    float64   `json:"success_rate"`
	LastUsedAt     time.Time `json:"last_used_at,omitempty"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
}

// Stats snapshots the credential's current counters. A cooldown whose timer
// has already elapsed is reported as active even if Tick/Usable hasn't run
// since — Stats never leaves a stale "cooldown" state sitting on /health.
func (c *Credential) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.state
	if state == StateCooldown && !time.Now().Before(c.cooldownUntil) {
		state = StateActive
	}

	rate := 1.0
	if c.totalRequests > 0 {
		rate = float64(c.totalRequests-c.failedRequests) / float64(c.totalRequests)
	}
	return Stats{
		ID:             c.ID,
		ProviderID:     c.ProviderID,
		State:          state,
		TotalRequests:  c.totalRequests,
		FailedRequests: c.failedRequests,
		SuccessRate:    rate,
		LastUsedAt:     c.lastUsedAt,
		CooldownUntil:  c.cooldownUntil,
	}
}

// Tick promotes the credential out of cooldown if its timer has elapsed,
// without requiring a Select()/Usable() call to trigger it. Periodic
// maintenance calls this across every credential in a pool so cooldown
// state reflects reality even for credentials no request has touched since.
func (c *Credential) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usableLocked(now)
}
