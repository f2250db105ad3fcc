package acquirer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// BrowserConfig configures the chromedp-backed Browser.
type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	ProxyURL       string
}

// DefaultBrowserConfig mirrors the teacher's agent/browser defaults.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless:       true,
		Timeout:        30 * time.Second,
		ViewportWidth:  1280,
		ViewportHeight: 800,
	}
}

// ChromeBrowser drives a real headless Chrome instance via chromedp.
type ChromeBrowser struct {
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	cfg         BrowserConfig
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewChromeBrowser launches a fresh Chrome instance.
func NewChromeBrowser(cfg BrowserConfig, logger *zap.Logger) (*ChromeBrowser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	}

	if err := chromedp.Run(ctx); err != nil {
		allocCancel()
		cancel()
		return nil, fmt.Errorf("acquirer: start browser: %w", err)
	}

	return &ChromeBrowser{
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "acquirer_browser")),
	}, nil
}

func (b *ChromeBrowser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return chromedp.Run(b.ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (b *ChromeBrowser) Fill(ctx context.Context, selector, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return chromedp.Run(b.ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (b *ChromeBrowser) Submit(ctx context.Context, selector string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return chromedp.Run(b.ctx, chromedp.Click(selector, chromedp.ByQuery))
}

// DetectChallenge probes for a slider handle or an external-challenge
// iframe, giving up quickly (no challenge present is the common case).
func (b *ChromeBrowser) DetectChallenge(ctx context.Context) (Challenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(b.ctx, 3*time.Second)
	defer cancel()

	var nodes int
	if err := chromedp.Run(probeCtx,
		chromedp.EvaluateAsDevTools(`document.querySelectorAll('[class*="slider"],[class*="captcha-slider"]').length`, &nodes),
	); err == nil && nodes > 0 {
		return Challenge{Type: ChallengeSlider, SliderTrackSel: ".slider-track", SliderHandle: ".slider-handle"}, nil
	}

	var siteKey string
	if err := chromedp.Run(probeCtx,
		chromedp.EvaluateAsDevTools(`(function(){
			var el = document.querySelector('[data-sitekey]');
			return el ? el.getAttribute('data-sitekey') : '';
		})()`, &siteKey),
	); err == nil && siteKey != "" {
		return Challenge{Type: ChallengeExternal, SiteKey: siteKey, TokenFieldSel: "#g-recaptcha-response"}, nil
	}

	return Challenge{Type: ChallengeNone}, nil
}

// DragSlider simulates a human drag: press at the handle's center, move in
// ~20 perturbed sub-steps over a randomized window, release. Instant jumps
// are rejected server-side by these providers, so a synthetic click is not
// an option.
func (b *ChromeBrowser) DragSlider(ctx context.Context, challenge Challenge, distance int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var box []float64
	if err := chromedp.Run(b.ctx, chromedp.EvaluateAsDevTools(fmt.Sprintf(`(function(){
		var el = document.querySelector(%q);
		if (!el) return [0,0];
		var r = el.getBoundingClientRect();
		return [r.left + r.width/2, r.top + r.height/2];
	})()`, challenge.SliderHandle), &box)); err != nil {
		return fmt.Errorf("acquirer: locate slider handle: %w", err)
	}
	if len(box) != 2 {
		return fmt.Errorf("acquirer: slider handle not found")
	}
	startX, startY := box[0], box[1]

	const steps = 20
	totalMillis := 400 + rand.Intn(501) // 400-900ms window

	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MousePressed, startX, startY).
				WithButton(input.Left).WithClickCount(1).Do(ctx)
		}),
	}
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		x := startX + float64(distance)*frac + float64(rand.Intn(5)-2)
		y := startY + float64(rand.Intn(3)-1)
		sleep := time.Duration(totalMillis/steps) * time.Millisecond
		actions = append(actions,
			chromedp.ActionFunc(func(ctx context.Context) error {
				return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
			}),
			chromedp.Sleep(sleep),
		)
	}
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseReleased, startX+float64(distance), startY).
			WithButton(input.Left).WithClickCount(1).Do(ctx)
	}))

	return chromedp.Run(b.ctx, actions...)
}

func (b *ChromeBrowser) SpliceToken(ctx context.Context, fieldSelector, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	script := fmt.Sprintf(`(function(){
		var el = document.querySelector(%q);
		if (el) { el.value = %q; el.dispatchEvent(new Event('change')); }
	})()`, fieldSelector, token)
	var result any
	return chromedp.Run(b.ctx, chromedp.EvaluateAsDevTools(script, &result))
}

func (b *ChromeBrowser) AwaitMarker(ctx context.Context, selector string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	waitCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	return chromedp.Run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (b *ChromeBrowser) Harvest(ctx context.Context, localStorageKeys []string) (map[string]string, map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cookieList []*network.Cookie
	if err := chromedp.Run(b.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookieList, err = network.GetCookies().Do(ctx)
		return err
	})); err != nil {
		return nil, nil, fmt.Errorf("acquirer: harvest cookies: %w", err)
	}
	cookies := make(map[string]string, len(cookieList))
	for _, c := range cookieList {
		cookies[c.Name] = c.Value
	}

	localStorage := make(map[string]string, len(localStorageKeys))
	for _, key := range localStorageKeys {
		var value string
		script := fmt.Sprintf(`window.localStorage.getItem(%q) || ""`, key)
		if err := chromedp.Run(b.ctx, chromedp.EvaluateAsDevTools(script, &value)); err == nil {
			localStorage[key] = value
		}
	}

	return cookies, localStorage, nil
}

func (b *ChromeBrowser) CurrentURL(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var url string
	if err := chromedp.Run(b.ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

func (b *ChromeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel()
	b.allocCancel()
	return nil
}

// ChromeFactory creates ChromeBrowser instances for a BrowserPool.
type ChromeFactory struct {
	cfg    BrowserConfig
	logger *zap.Logger
}

// NewChromeFactory constructs a Factory bound to cfg.
func NewChromeFactory(cfg BrowserConfig, logger *zap.Logger) *ChromeFactory {
	return &ChromeFactory{cfg: cfg, logger: logger}
}

func (f *ChromeFactory) Create() (Browser, error) {
	return NewChromeBrowser(f.cfg, f.logger)
}
