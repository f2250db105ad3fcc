package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/oxbow-labs/sessiongate/llm"
	"github.com/oxbow-labs/sessiongate/llm/circuitbreaker"
	"github.com/oxbow-labs/sessiongate/modelname"
	"github.com/oxbow-labs/sessiongate/pool"
	"github.com/oxbow-labs/sessiongate/providers"
	"github.com/oxbow-labs/sessiongate/session"
	"go.uber.org/zap"
)

// ErrUnknownModel is returned when a request names a model no configured
// provider claims in its SupportedModels().
var ErrUnknownModel = errors.New("router: unknown model")

// Config wires a Router to the rest of the gateway.
type Config struct {
	// Providers maps a provider id (the Name() every adapter returns) to
	// the adapter instance dispatching to it.
	Providers map[string]llm.Provider

	// Pools maps a provider id to its credential pool. A provider absent
	// from this map dispatches through the guest path when AnonymousMode is
	// set, and otherwise fails with AuthenticationFailed.
	Pools map[string]*pool.Pool

	Store   *session.Store
	Acquire session.AcquireFunc

	// Breaker configures the per-provider circuit breaker. Nil uses
	// circuitbreaker.DefaultConfig().
	Breaker *circuitbreaker.Config

	// AnonymousMode lets a provider with no usable credential fall back to
	// an unauthenticated guest session instead of failing the request.
	AnonymousMode bool

	Logger *zap.Logger
}

// Router is the Provider Router: it resolves a public model name to a
// provider, checks out a credential and session bundle, and dispatches the
// call behind a per-provider circuit breaker, retrying once on an
// authentication failure with a freshly acquired session.
type Router struct {
	providers map[string]llm.Provider
	pools     map[string]*pool.Pool
	registry  *Registry
	store     *session.Store
	acquire   session.AcquireFunc
	anonymous bool
	logger    *zap.Logger

	breakers map[string]circuitbreaker.CircuitBreaker
}

// New builds a Router, constructing the model registry from cfg.Providers
// and failing if two providers claim the same public model name.
func New(cfg Config) (*Router, error) {
	registry, err := NewRegistry(cfg.Providers)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig()
	}

	breakers := make(map[string]circuitbreaker.CircuitBreaker, len(cfg.Providers))
	for id := range cfg.Providers {
		breakers[id] = circuitbreaker.NewCircuitBreaker(breakerCfg, logger.With(zap.String("provider_id", id)))
	}

	return &Router{
		providers: cfg.Providers,
		pools:     cfg.Pools,
		registry:  registry,
		store:     cfg.Store,
		acquire:   cfg.Acquire,
		anonymous: cfg.AnonymousMode,
		logger:    logger,
		breakers:  breakers,
	}, nil
}

// ListModels returns the registry's full descriptor list, for GET /v1/models.
func (r *Router) ListModels() []llm.ModelDescriptor {
	return r.registry.List()
}

// resolve maps a public (possibly mode-suffixed) model name to the provider
// that serves it.
func (r *Router) resolve(modelName string) (llm.Provider, llm.ModelDescriptor, error) {
	parsed := modelname.Parse(modelName)
	descriptor, ok := r.registry.Lookup(parsed.Base)
	if !ok {
		return nil, llm.ModelDescriptor{}, llm.NewError(llm.ErrModelNotFound,
			fmt.Sprintf("%s: %q", ErrUnknownModel, modelName)).WithHTTPStatus(404)
	}
	p, ok := r.providers[descriptor.ProviderID]
	if !ok {
		return nil, llm.ModelDescriptor{}, fmt.Errorf("router: registry names provider %q with no adapter configured", descriptor.ProviderID)
	}
	return p, descriptor, nil
}

// guestCredential is the stable ephemeral credential checked out when a
// provider's pool has nothing usable and anonymous mode is allowed. Its id
// is fixed per provider rather than freshly generated per request so the
// Session Store still caches and reuses the guest bundle it acquires
// instead of forcing a fresh login on every fallback request.
func guestCredential(providerID string) *pool.Credential {
	return pool.NewCredential(providerID+":guest", providerID, 1, 0)
}

// checkout selects a usable credential from the provider's pool, falling
// back to a stable ephemeral guest credential when the pool is exhausted
// and anonymous mode is enabled.
func (r *Router) checkout(providerID string) (cred *pool.Credential, ephemeral bool, err error) {
	p := r.pools[providerID]
	if p == nil {
		if !r.anonymous {
			return nil, false, providers.AuthenticationFailed(providerID, "no credential pool configured for provider")
		}
		return guestCredential(providerID), true, nil
	}

	cred, err = p.Select()
	if err == nil {
		return cred, false, nil
	}
	if !errors.Is(err, pool.ErrNoUsableCredential) {
		return nil, false, err
	}
	if !r.anonymous {
		return nil, false, providers.AuthenticationFailed(providerID, "no usable credential and anonymous mode disabled")
	}
	return guestCredential(providerID), true, nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeAuthFailure
	outcomeOtherFailure
)

// reportOutcome feeds a dispatch result back into the credential pool.
// Ephemeral guest credentials are never cooled down; when a guest session
// fails authentication, Complete/Stream invalidate it in the Session Store
// so the retry acquires a fresh one.
func (r *Router) reportOutcome(providerID string, cred *pool.Credential, ephemeral bool, out outcome) {
	if ephemeral {
		return
	}
	p := r.pools[providerID]
	if p == nil {
		return
	}
	switch out {
	case outcomeSuccess:
		p.RecordSuccess(cred)
	case outcomeAuthFailure:
		p.RecordAuthFailure(cred)
	default:
		p.RecordFailure(cred)
	}
}

// isAuthFailure reports whether err represents a rejected or missing
// credential, as opposed to a transient upstream problem.
func isAuthFailure(err error) bool {
	var e *llm.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == llm.ErrUnauthorized || e.Code == llm.ErrForbidden
}

// dispatchOnce resolves the session bundle for cred, attaches it to ctx,
// and runs call behind the provider's circuit breaker.
func dispatchOnce[T any](ctx context.Context, r *Router, providerID string, cred *pool.Credential, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	bundle, err := r.store.GetOrAcquire(ctx, cred.ID, r.acquire)
	if err != nil {
		return zero, fmt.Errorf("router: acquiring session for %s: %w", providerID, err)
	}
	ctx = session.WithBundle(ctx, bundle)

	cb := r.breakers[providerID]
	if cb == nil {
		return call(ctx)
	}
	return circuitbreaker.CallWithResultTyped[T](cb, ctx, func() (T, error) {
		return call(ctx)
	})
}

// Complete resolves req.Model to a provider and dispatches a synchronous
// completion, retrying exactly once with a freshly acquired session if the
// first attempt fails authentication.
func (r *Router) Complete(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p, descriptor, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}

	cred, ephemeral, err := r.checkout(descriptor.ProviderID)
	if err != nil {
		return nil, err
	}

	call := func(ctx context.Context) (*llm.ChatResponse, error) {
		return p.Completion(ctx, req)
	}

	resp, err := dispatchOnce[*llm.ChatResponse](ctx, r, descriptor.ProviderID, cred, call)
	if err == nil {
		r.reportOutcome(descriptor.ProviderID, cred, ephemeral, outcomeSuccess)
		return resp, nil
	}

	if !isAuthFailure(err) {
		r.reportOutcome(descriptor.ProviderID, cred, ephemeral, outcomeOtherFailure)
		return nil, err
	}

	r.reportOutcome(descriptor.ProviderID, cred, ephemeral, outcomeAuthFailure)
	if invalidateErr := r.store.Invalidate(cred.ID); invalidateErr != nil {
		r.logger.Warn("router: failed to invalidate session after auth failure",
			zap.String("provider_id", descriptor.ProviderID), zap.Error(invalidateErr))
	}

	resp, retryErr := dispatchOnce[*llm.ChatResponse](ctx, r, descriptor.ProviderID, cred, call)
	if retryErr != nil {
		r.reportOutcome(descriptor.ProviderID, cred, ephemeral, outcomeAuthFailure)
		return nil, retryErr
	}
	r.reportOutcome(descriptor.ProviderID, cred, ephemeral, outcomeSuccess)
	return resp, nil
}

// Stream resolves req.Model to a provider and dispatches a streaming
// completion, with the same auth-failure retry-once contract as Complete.
// Cancellation needs no extra wiring here: every adapter threads ctx into
// its outbound HTTP request, so a caller cancelling ctx unwinds the
// adapter's read loop and closes the returned channel on its own.
func (r *Router) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	p, descriptor, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}

	cred, ephemeral, err := r.checkout(descriptor.ProviderID)
	if err != nil {
		return nil, err
	}

	call := func(ctx context.Context) (<-chan llm.StreamChunk, error) {
		return p.Stream(ctx, req)
	}

	ch, err := dispatchOnce[<-chan llm.StreamChunk](ctx, r, descriptor.ProviderID, cred, call)
	if err == nil {
		r.reportOutcome(descriptor.ProviderID, cred, ephemeral, outcomeSuccess)
		return ch, nil
	}

	if !isAuthFailure(err) {
		r.reportOutcome(descriptor.ProviderID, cred, ephemeral, outcomeOtherFailure)
		return nil, err
	}

	r.reportOutcome(descriptor.ProviderID, cred, ephemeral, outcomeAuthFailure)
	if invalidateErr := r.store.Invalidate(cred.ID); invalidateErr != nil {
		r.logger.Warn("router: failed to invalidate session after auth failure",
			zap.String("provider_id", descriptor.ProviderID), zap.Error(invalidateErr))
	}

	ch, retryErr := dispatchOnce[<-chan llm.StreamChunk](ctx, r, descriptor.ProviderID, cred, call)
	if retryErr != nil {
		r.reportOutcome(descriptor.ProviderID, cred, ephemeral, outcomeAuthFailure)
		return nil, retryErr
	}
	r.reportOutcome(descriptor.ProviderID, cred, ephemeral, outcomeSuccess)
	return ch, nil
}
