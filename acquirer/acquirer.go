package acquirer

import (
	"context"
	"fmt"
	"time"

	"github.com/oxbow-labs/sessiongate/session"
	"go.uber.org/zap"
)

// Credentials is the email/password pair used to log a provider in. A
// zero-value Credentials is valid for providers whose ProviderLogin allows
// a guest session.
type Credentials struct {
	Email    string
	Password string
}

// ProviderLogin describes one provider's login UI: selectors and the
// provider-specific post-processing rule its harvested bundle needs.
type ProviderLogin struct {
	LoginURL                string
	EmailSelector           string
	PasswordSelector        string
	SubmitSelector          string
	DashboardMarkerSelector string
	MarkerTimeout           time.Duration

	// GuestAllowed lets Acquire skip the login form entirely and harvest
	// an unauthenticated session from LoginURL (K2-family).
	GuestAllowed bool
	// Credentials fills the login form. When set together with
	// GuestAllowed, authenticated login is attempted first, falling back
	// to guest only on failure.
	Credentials Credentials

	// JWTLocalStorageKey, when set, names the localStorage key the
	// post-login JWT is harvested from (GLM-family). Extraction is
	// retried JWTRetryAttempts times with short backoff; failure falls
	// back to a cookie-only bundle rather than failing the acquisition.
	JWTLocalStorageKey string
	JWTRetryAttempts   int
	JWTRetryBackoff    time.Duration

	// QwenCredentialExtra, when true, copies the harvested bundle's raw
	// token and a named cookie into Bundle.Extra under "raw_token" and
	// "cookie_value" so the Qwen provider adapter can compress them at
	// send time into the bx-v header.
	QwenCredentialExtra   bool
	QwenRawTokenLSKey     string
	QwenCookieValueCookie string

	SliderDragDistance int
}

// Config configures an Acquirer.
type Config struct {
	Providers     map[string]ProviderLogin
	Solver        Solver
	SolverTimeout time.Duration
	DefaultTTL    time.Duration
}

// Acquirer drives the login flow state machine described by Config against
// a pooled Browser, producing a session.Bundle per provider.
type Acquirer struct {
	cfg    Config
	pool   *BrowserPool
	logger *zap.Logger
}

// New constructs an Acquirer backed by pool.
func New(cfg Config, pool *BrowserPool, logger *zap.Logger) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 12 * time.Hour
	}
	return &Acquirer{cfg: cfg, pool: pool, logger: logger}
}

// AsAcquireFunc adapts Acquire to the signature session.Store expects.
func (a *Acquirer) AsAcquireFunc() session.AcquireFunc {
	return func(ctx context.Context, providerID string) (session.Bundle, error) {
		return a.Acquire(ctx, providerID)
	}
}

// Acquire runs the login flow for providerID end to end:
// launch → navigate → fill → submit → harvest → close.
func (a *Acquirer) Acquire(ctx context.Context, providerID string) (session.Bundle, error) {
	login, ok := a.cfg.Providers[providerID]
	if !ok {
		return session.Bundle{}, fmt.Errorf("acquirer: no login config for provider %q", providerID)
	}

	browser, err := a.pool.Acquire(ctx)
	if err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: acquire browser: %w", err)
	}
	defer a.pool.Release(browser)

	if login.GuestAllowed && login.Credentials == (Credentials{}) {
		return a.harvestGuest(ctx, browser, providerID, login)
	}

	bundle, err := a.runLoginFlow(ctx, browser, providerID, login)
	if err != nil {
		if login.GuestAllowed {
			a.logger.Warn("acquirer: authenticated login failed, falling back to guest",
				zap.String("provider", providerID), zap.Error(err))
			return a.harvestGuest(ctx, browser, providerID, login)
		}
		return session.Bundle{}, err
	}
	return bundle, nil
}

func (a *Acquirer) runLoginFlow(ctx context.Context, browser Browser, providerID string, login ProviderLogin) (session.Bundle, error) {
	if err := browser.Navigate(ctx, login.LoginURL); err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: navigate: %w", err)
	}
	if err := browser.Fill(ctx, login.EmailSelector, login.Credentials.Email); err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: fill email: %w", err)
	}
	if err := browser.Fill(ctx, login.PasswordSelector, login.Credentials.Password); err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: fill password: %w", err)
	}

	challenge, err := browser.DetectChallenge(ctx)
	if err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: detect challenge: %w", err)
	}

	switch challenge.Type {
	case ChallengeSlider:
		distance := login.SliderDragDistance
		if distance == 0 {
			distance = 260
		}
		if err := browser.DragSlider(ctx, challenge, distance); err != nil {
			return session.Bundle{}, fmt.Errorf("acquirer: slider drag: %w", err)
		}
	case ChallengeExternal:
		if a.cfg.Solver == nil {
			return session.Bundle{}, fmt.Errorf("acquirer: external challenge detected but no solver configured")
		}
		pageURL, _ := browser.CurrentURL(ctx)
		solveCtx := ctx
		if a.cfg.SolverTimeout > 0 {
			var cancel context.CancelFunc
			solveCtx, cancel = context.WithTimeout(ctx, a.cfg.SolverTimeout)
			defer cancel()
		}
		token, err := a.cfg.Solver.Solve(solveCtx, challenge.SiteKey, pageURL)
		if err != nil {
			return session.Bundle{}, fmt.Errorf("acquirer: solve challenge: %w", err)
		}
		if err := browser.SpliceToken(ctx, challenge.TokenFieldSel, token); err != nil {
			return session.Bundle{}, fmt.Errorf("acquirer: splice token: %w", err)
		}
	}

	if err := browser.Submit(ctx, login.SubmitSelector); err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: submit: %w", err)
	}

	markerTimeout := login.MarkerTimeout
	if markerTimeout == 0 {
		markerTimeout = 15 * time.Second
	}
	if err := browser.AwaitMarker(ctx, login.DashboardMarkerSelector, markerTimeout); err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: await dashboard marker: %w", err)
	}

	return a.harvestAuthenticated(ctx, browser, providerID, login)
}

// harvestAuthenticated runs provider-specific post-processing after a
// successful login.
func (a *Acquirer) harvestAuthenticated(ctx context.Context, browser Browser, providerID string, login ProviderLogin) (session.Bundle, error) {
	lsKeys := []string{}
	if login.JWTLocalStorageKey != "" {
		lsKeys = append(lsKeys, login.JWTLocalStorageKey)
	}
	if login.QwenCredentialExtra && login.QwenRawTokenLSKey != "" {
		lsKeys = append(lsKeys, login.QwenRawTokenLSKey)
	}

	cookies, localStorage, err := browser.Harvest(ctx, lsKeys)
	if err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: harvest: %w", err)
	}

	now := time.Now()
	bundle := session.Bundle{
		ProviderID: providerID,
		Cookies:    cookies,
		AcquiredAt: now,
		ExpiresAt:  now.Add(a.cfg.DefaultTTL),
	}

	if login.JWTLocalStorageKey != "" {
		bundle.Bearer = a.retryJWTExtraction(ctx, browser, login)
		// An empty Bearer here is a deliberate cookie-only fallback, not
		// an error: ordinary chat calls accept a cookie-only bundle.
	}

	if login.QwenCredentialExtra {
		bundle.Extra = map[string]string{
			"raw_token":    localStorage[login.QwenRawTokenLSKey],
			"cookie_value": cookies[login.QwenCookieValueCookie],
		}
	}

	return bundle, nil
}

// retryJWTExtraction re-harvests localStorage up to JWTRetryAttempts times
// with JWTRetryBackoff between tries, since the JWT is sometimes written a
// moment after the dashboard marker appears.
func (a *Acquirer) retryJWTExtraction(ctx context.Context, browser Browser, login ProviderLogin) string {
	attempts := login.JWTRetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := login.JWTRetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for attempt := 0; attempt < attempts; attempt++ {
		_, localStorage, err := browser.Harvest(ctx, []string{login.JWTLocalStorageKey})
		if err == nil {
			if jwt := localStorage[login.JWTLocalStorageKey]; jwt != "" {
				return jwt
			}
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(backoff):
			}
		}
	}
	a.logger.Warn("acquirer: JWT extraction exhausted retries, falling back to cookie-only bundle",
		zap.Int("attempts", attempts))
	return ""
}

// harvestGuest produces an unauthenticated bundle by navigating straight to
// LoginURL and harvesting whatever cookies the page sets, used by
// K2-family providers and as a fallback when authenticated login fails.
func (a *Acquirer) harvestGuest(ctx context.Context, browser Browser, providerID string, login ProviderLogin) (session.Bundle, error) {
	if err := browser.Navigate(ctx, login.LoginURL); err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: guest navigate: %w", err)
	}
	cookies, _, err := browser.Harvest(ctx, nil)
	if err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: guest harvest: %w", err)
	}
	now := time.Now()
	return session.Bundle{
		ProviderID: providerID,
		Cookies:    cookies,
		AcquiredAt: now,
		ExpiresAt:  now.Add(a.cfg.DefaultTTL),
	}, nil
}

// ExtractOnly salvages cookies/storage from a caller-supplied,
// already-logged-in Browser, for operators who authenticate a page
// manually instead of letting the state machine drive the login form.
func (a *Acquirer) ExtractOnly(ctx context.Context, browser Browser, providerID string) (session.Bundle, error) {
	login := a.cfg.Providers[providerID]
	lsKeys := []string{}
	if login.JWTLocalStorageKey != "" {
		lsKeys = append(lsKeys, login.JWTLocalStorageKey)
	}
	cookies, localStorage, err := browser.Harvest(ctx, lsKeys)
	if err != nil {
		return session.Bundle{}, fmt.Errorf("acquirer: extract_only harvest: %w", err)
	}
	now := time.Now()
	bundle := session.Bundle{
		ProviderID: providerID,
		Cookies:    cookies,
		AcquiredAt: now,
		ExpiresAt:  now.Add(a.cfg.DefaultTTL),
	}
	if login.JWTLocalStorageKey != "" {
		bundle.Bearer = localStorage[login.JWTLocalStorageKey]
	}
	return bundle, nil
}
