package providers

import "time"

// GLMConfig configures the Zhipu GLM consumer-chat adapter. Auth rides on
// a session.Bundle (cookies plus an optional bearer JWT) resolved by the
// Router per request; APIKey is retained only as a static fallback for
// deployments that skip session acquisition entirely.
type GLMConfig struct {
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// QwenConfig configures the Alibaba Qwen (chat.qwen.ai) consumer-chat
// adapter.
type QwenConfig struct {
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// K2Config configures the Moonshot Kimi (kimi.com) consumer-chat adapter,
// the K2 model family named in the gateway's catalog.
type K2Config struct {
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// AllowGuest lets the adapter fall back to Kimi's unauthenticated
	// guest chat mode when no session.Bundle is available for a
	// request, at a lower rate limit than an authenticated session.
	AllowGuest bool `json:"allow_guest,omitempty" yaml:"allow_guest,omitempty"`
}
