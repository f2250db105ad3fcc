package acquirer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// BrowserPoolConfig tunes a BrowserPool.
type BrowserPoolConfig struct {
	MaxSize int
	MinIdle int
}

// DefaultBrowserPoolConfig mirrors the teacher's agent/browser default pool
// sizing, trimmed down for a gateway that only needs a handful of
// concurrent login flows rather than many agent sessions.
func DefaultBrowserPoolConfig() BrowserPoolConfig {
	return BrowserPoolConfig{MaxSize: 3, MinIdle: 0}
}

// BrowserPool rotates Browser instances so concurrent Acquirer.Acquire
// calls don't each pay chromedp's multi-second launch cost.
type BrowserPool struct {
	factory   Factory
	cfg       BrowserPoolConfig
	pool      chan Browser
	active    map[Browser]bool
	logger    *zap.Logger
	mu        sync.Mutex
	closeOnce sync.Once
	closed    bool
}

// NewBrowserPool constructs a BrowserPool, pre-warming cfg.MinIdle browsers.
func NewBrowserPool(factory Factory, cfg BrowserPoolConfig, logger *zap.Logger) (*BrowserPool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}

	p := &BrowserPool{
		factory: factory,
		cfg:     cfg,
		pool:    make(chan Browser, cfg.MaxSize),
		active:  make(map[Browser]bool),
		logger:  logger.With(zap.String("component", "acquirer_pool")),
	}

	for i := 0; i < cfg.MinIdle; i++ {
		b, err := factory.Create()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("acquirer: pre-create browser %d: %w", i, err)
		}
		p.pool <- b
	}

	return p, nil
}

// Acquire returns an idle Browser, creating a new one if the pool is below
// MaxSize, or blocking until one is released otherwise.
func (p *BrowserPool) Acquire(ctx context.Context) (Browser, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("acquirer: pool is closed")
	}
	p.mu.Unlock()

	select {
	case b := <-p.pool:
		p.mu.Lock()
		p.active[b] = true
		p.mu.Unlock()
		return b, nil
	default:
	}

	p.mu.Lock()
	total := len(p.active) + len(p.pool)
	if total >= p.cfg.MaxSize {
		p.mu.Unlock()
		select {
		case b := <-p.pool:
			p.mu.Lock()
			p.active[b] = true
			p.mu.Unlock()
			return b, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Unlock()

	b, err := p.factory.Create()
	if err != nil {
		return nil, fmt.Errorf("acquirer: create browser: %w", err)
	}
	p.mu.Lock()
	p.active[b] = true
	p.mu.Unlock()
	return b, nil
}

// Release returns a Browser to the pool, closing it instead if the pool is
// full or already closed.
func (p *BrowserPool) Release(b Browser) {
	p.mu.Lock()
	delete(p.active, b)
	if p.closed {
		p.mu.Unlock()
		_ = b.Close()
		return
	}
	select {
	case p.pool <- b:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		_ = b.Close()
	}
}

// Close shuts down every active and idle Browser in the pool.
func (p *BrowserPool) Close() error {
	p.mu.Lock()
	p.closed = true
	for b := range p.active {
		_ = b.Close()
	}
	p.active = make(map[Browser]bool)
	p.closeOnce.Do(func() { close(p.pool) })
	p.mu.Unlock()

	for b := range p.pool {
		_ = b.Close()
	}
	return nil
}

// Stats reports idle/active/total counts.
func (p *BrowserPool) Stats() (idle, active, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle = len(p.pool)
	active = len(p.active)
	total = idle + active
	return
}
