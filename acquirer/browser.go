// Package acquirer drives a headless browser through a provider's login UI
// to produce a fresh session.Bundle: these providers protect their login
// endpoints with challenges only a real browser satisfies, so this is
// deliberately not an HTTP client.
package acquirer

import (
	"context"
	"time"
)

// ChallengeType identifies what kind of obstacle the login flow hit after
// submitting credentials.
type ChallengeType string

const (
	ChallengeNone     ChallengeType = "none"
	ChallengeSlider   ChallengeType = "slider"
	ChallengeExternal ChallengeType = "external" // reCAPTCHA, hCaptcha, Turnstile
)

// Challenge describes a detected obstacle: its type, and — for an external
// challenge — the site key and the DOM field the solved token must be
// spliced into.
type Challenge struct {
	Type           ChallengeType
	SiteKey        string
	TokenFieldSel  string
	SliderTrackSel string
	SliderHandle   string
}

// Browser is the narrow adapter interface the login state machine is
// written against: launch → navigate → fill → submit → harvest → close.
// A real implementation drives chromedp; FakeBrowser drives a scripted
// in-memory double for tests.
type Browser interface {
	// Navigate loads url and waits for the page to settle.
	Navigate(ctx context.Context, url string) error
	// Fill sets the value of the element matched by selector.
	Fill(ctx context.Context, selector, value string) error
	// Submit clicks the element matched by selector.
	Submit(ctx context.Context, selector string) error
	// DetectChallenge inspects the current page for a login obstacle,
	// returning ChallengeNone if the form can be submitted directly.
	DetectChallenge(ctx context.Context) (Challenge, error)
	// DragSlider simulates a human drag of a slider-CAPTCHA handle across
	// its track by distance pixels.
	DragSlider(ctx context.Context, challenge Challenge, distance int) error
	// SpliceToken writes an externally-solved CAPTCHA token into the page's
	// designated field.
	SpliceToken(ctx context.Context, fieldSelector, token string) error
	// AwaitMarker blocks until selector becomes visible (a post-login
	// dashboard marker) or timeout elapses.
	AwaitMarker(ctx context.Context, selector string, timeout time.Duration) error
	// Harvest returns the current page's cookies and requested localStorage
	// keys.
	Harvest(ctx context.Context, localStorageKeys []string) (cookies map[string]string, localStorage map[string]string, err error)
	// CurrentURL returns the page's current location.
	CurrentURL(ctx context.Context) (string, error)
	// Close releases the underlying browser resources.
	Close() error
}

// Factory creates Browser instances for a BrowserPool.
type Factory interface {
	Create() (Browser, error)
}
