package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RoundRobinCyclesAllCredentials(t *testing.T) {
	p := New("glm", []*Credential{
		NewCredential("a", "glm", 1, 1),
		NewCredential("b", "glm", 1, 1),
		NewCredential("c", "glm", 1, 1),
	}, Config{Strategy: StrategyRoundRobin}, nil)

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		c, err := p.Select()
		require.NoError(t, err)
		seen[c.ID]++
	}
	assert.Equal(t, 2, seen["a"])
	assert.Equal(t, 2, seen["b"])
	assert.Equal(t, 2, seen["c"])
}

func TestPool_PriorityPrefersHighestValue(t *testing.T) {
	p := New("qwen", []*Credential{
		NewCredential("low-priority", "qwen", 1, 1),
		NewCredential("high-priority", "qwen", 1, 10),
	}, Config{Strategy: StrategyPriority}, nil)

	c, err := p.Select()
	require.NoError(t, err)
	assert.Equal(t, "high-priority", c.ID)
}

func TestPool_PriorityRoundRobinsAmongEqualPriority(t *testing.T) {
	p := New("qwen", []*Credential{
		NewCredential("a", "qwen", 1, 5),
		NewCredential("b", "qwen", 1, 5),
		NewCredential("low", "qwen", 1, 1),
	}, Config{Strategy: StrategyPriority}, nil)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		c, err := p.Select()
		require.NoError(t, err)
		seen[c.ID]++
	}
	assert.Equal(t, 2, seen["a"])
	assert.Equal(t, 2, seen["b"])
	assert.Equal(t, 0, seen["low"])
}

func TestPool_DefaultStrategyIsPriority(t *testing.T) {
	p := New("qwen", []*Credential{
		NewCredential("low-priority", "qwen", 1, 1),
		NewCredential("high-priority", "qwen", 1, 10),
	}, Config{}, nil)

	c, err := p.Select()
	require.NoError(t, err)
	assert.Equal(t, "high-priority", c.ID)
}

func TestCredential_TickPromotesExpiredCooldown(t *testing.T) {
	c := NewCredential("a", "glm", 1, 1)
	now := time.Now()
	c.RecordFailure(now, 1, time.Millisecond)
	assert.Equal(t, StateCooldown, c.State())

	c.Tick(now.Add(time.Hour))
	assert.Equal(t, StateActive, c.State())
}

func TestCredential_StatsSelfCorrectsStaleCooldown(t *testing.T) {
	c := NewCredential("a", "glm", 1, 1)
	c.RecordFailure(time.Now(), 1, time.Millisecond)
	require.Equal(t, StateCooldown, c.State())

	time.Sleep(5 * time.Millisecond)
	stats := c.Stats()
	assert.Equal(t, StateActive, stats.State)
}

func TestPool_FailureThresholdTripsCooldown(t *testing.T) {
	c := NewCredential("a", "glm", 1, 1)
	p := New("glm", []*Credential{c}, Config{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond}, nil)

	p.RecordFailure(c)
	assert.Equal(t, StateActive, c.State())

	p.RecordFailure(c)
	assert.Equal(t, StateCooldown, c.State())

	_, err := p.Select()
	assert.ErrorIs(t, err, ErrNoUsableCredential)

	time.Sleep(60 * time.Millisecond)
	got, err := p.Select()
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, StateActive, c.State())
}

func TestPool_DisabledCredentialNeverSelfRecovers(t *testing.T) {
	c := NewCredential("a", "glm", 1, 1)
	c.Disable()
	p := New("glm", []*Credential{c}, Config{RecoveryTimeout: time.Millisecond}, nil)

	time.Sleep(5 * time.Millisecond)
	_, err := p.Select()
	assert.ErrorIs(t, err, ErrNoUsableCredential)

	c.Enable()
	got, err := p.Select()
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}

func TestPool_RecordAuthFailureTripsCooldownImmediately(t *testing.T) {
	c := NewCredential("a", "glm", 1, 1)
	p := New("glm", []*Credential{c}, Config{FailureThreshold: 5, RecoveryTimeout: time.Hour}, nil)

	p.RecordAuthFailure(c)
	assert.Equal(t, StateCooldown, c.State())

	_, err := p.Select()
	assert.ErrorIs(t, err, ErrNoUsableCredential)
}

func TestPool_AllCooldownReturnsNoUsableCredential(t *testing.T) {
	c1 := NewCredential("a", "glm", 1, 1)
	c2 := NewCredential("b", "glm", 1, 1)
	p := New("glm", []*Credential{c1, c2}, Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil)

	p.RecordFailure(c1)
	p.RecordFailure(c2)

	_, err := p.Select()
	assert.ErrorIs(t, err, ErrNoUsableCredential)
}
