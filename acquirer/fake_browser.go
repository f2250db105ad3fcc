package acquirer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeBrowser is an in-memory Browser double that lets the Acquirer's
// login state machine be unit-tested without a real browser, per the
// narrow-adapter-interface design: any test that wants to assert on the
// state machine's behavior configures one of these instead of launching
// chromedp.
type FakeBrowser struct {
	mu sync.Mutex

	NavigateErr error
	FillErr     error
	SubmitErr   error

	Challenge    Challenge
	ChallengeErr error

	DragErr   error
	SpliceErr error
	AwaitErr  error

	Cookies      map[string]string
	LocalStorage map[string]string
	HarvestErr   error

	URL string

	Closed bool

	Calls []string // records method names in call order, for assertions
}

// NewFakeBrowser returns a FakeBrowser with no challenge and an empty
// harvest, ready for a caller to override individual fields.
func NewFakeBrowser() *FakeBrowser {
	return &FakeBrowser{
		Challenge:    Challenge{Type: ChallengeNone},
		Cookies:      map[string]string{},
		LocalStorage: map[string]string{},
	}
}

func (f *FakeBrowser) record(call string) {
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	f.mu.Unlock()
}

func (f *FakeBrowser) Navigate(ctx context.Context, url string) error {
	f.record("navigate:" + url)
	f.URL = url
	return f.NavigateErr
}

func (f *FakeBrowser) Fill(ctx context.Context, selector, value string) error {
	f.record(fmt.Sprintf("fill:%s", selector))
	return f.FillErr
}

func (f *FakeBrowser) Submit(ctx context.Context, selector string) error {
	f.record(fmt.Sprintf("submit:%s", selector))
	return f.SubmitErr
}

func (f *FakeBrowser) DetectChallenge(ctx context.Context) (Challenge, error) {
	f.record("detect_challenge")
	return f.Challenge, f.ChallengeErr
}

func (f *FakeBrowser) DragSlider(ctx context.Context, challenge Challenge, distance int) error {
	f.record(fmt.Sprintf("drag_slider:%d", distance))
	return f.DragErr
}

func (f *FakeBrowser) SpliceToken(ctx context.Context, fieldSelector, token string) error {
	f.record(fmt.Sprintf("splice_token:%s", fieldSelector))
	return f.SpliceErr
}

func (f *FakeBrowser) AwaitMarker(ctx context.Context, selector string, timeout time.Duration) error {
	f.record(fmt.Sprintf("await_marker:%s", selector))
	return f.AwaitErr
}

func (f *FakeBrowser) Harvest(ctx context.Context, localStorageKeys []string) (map[string]string, map[string]string, error) {
	f.record("harvest")
	if f.HarvestErr != nil {
		return nil, nil, f.HarvestErr
	}
	ls := make(map[string]string, len(localStorageKeys))
	for _, k := range localStorageKeys {
		if v, ok := f.LocalStorage[k]; ok {
			ls[k] = v
		}
	}
	return f.Cookies, ls, nil
}

func (f *FakeBrowser) CurrentURL(ctx context.Context) (string, error) {
	return f.URL, nil
}

func (f *FakeBrowser) Close() error {
	f.record("close")
	f.Closed = true
	return nil
}

// fakeFactory hands out a single pre-built FakeBrowser, for tests that
// don't need pool churn.
type fakeFactory struct {
	browser *FakeBrowser
}

func (f *fakeFactory) Create() (Browser, error) {
	return f.browser, nil
}
