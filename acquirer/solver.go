package acquirer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Solver delegates an external challenge (reCAPTCHA, hCaptcha, Turnstile)
// to a 2Captcha-style third-party service and returns the solved token.
type Solver interface {
	Solve(ctx context.Context, siteKey, pageURL string) (token string, err error)
}

// HTTPSolver polls a 2Captcha-compatible HTTP API: submit site-key + page
// URL, poll for a result up to Timeout. No dedicated solver SDK appears
// anywhere in the example corpus, so this is plain net/http.
type HTTPSolver struct {
	APIKey     string
	BaseURL    string // e.g. "https://2captcha.com"
	Timeout    time.Duration
	PollEvery  time.Duration
	httpClient *http.Client
}

// NewHTTPSolver constructs an HTTPSolver with the provider's documented
// defaults (120s overall timeout, 3s poll interval).
func NewHTTPSolver(apiKey, baseURL string) *HTTPSolver {
	if baseURL == "" {
		baseURL = "https://2captcha.com"
	}
	return &HTTPSolver{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Timeout:    120 * time.Second,
		PollEvery:  3 * time.Second,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type solverSubmitResp struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

type solverResultResp struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the challenge and polls for the solved token, giving up
// after Timeout.
func (s *HTTPSolver) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	submitURL := fmt.Sprintf("%s/in.php?key=%s&method=userrecaptcha&googlekey=%s&pageurl=%s&json=1",
		s.BaseURL, url.QueryEscape(s.APIKey), url.QueryEscape(siteKey), url.QueryEscape(pageURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, submitURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("acquirer: solver submit: %w", err)
	}
	var submit solverSubmitResp
	err = json.NewDecoder(resp.Body).Decode(&submit)
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("acquirer: solver submit decode: %w", err)
	}
	if submit.Status != 1 {
		return "", fmt.Errorf("acquirer: solver rejected submission: %s", submit.Request)
	}

	deadline := time.Now().Add(s.Timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.PollEvery):
		}

		resultURL := fmt.Sprintf("%s/res.php?key=%s&action=get&id=%s&json=1",
			s.BaseURL, url.QueryEscape(s.APIKey), url.QueryEscape(submit.Request))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
		if err != nil {
			return "", err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("acquirer: solver poll: %w", err)
		}
		var result solverResultResp
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("acquirer: solver poll decode: %w", err)
		}
		if result.Status == 1 {
			return result.Request, nil
		}
		if result.Request != "CAPCHA_NOT_READY" {
			return "", fmt.Errorf("acquirer: solver error: %s", result.Request)
		}
	}
	return "", fmt.Errorf("acquirer: solver timed out after %s", s.Timeout)
}
