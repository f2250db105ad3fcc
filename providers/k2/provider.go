// Package k2 adapts Moonshot's consumer web chat (kimi.com) — the K2
// model family — to the gateway's OpenAI-compatible surface. When no
// session.Bundle is available and the config allows it, requests fall
// back to kimi.com's unauthenticated guest chat mode at a reduced rate
// limit instead of failing outright.
package k2

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oxbow-labs/sessiongate/llm"
	"github.com/oxbow-labs/sessiongate/modelname"
	"github.com/oxbow-labs/sessiongate/providers"
	"github.com/oxbow-labs/sessiongate/session"
	"go.uber.org/zap"
)

const defaultModel = "K2"

// modelTable maps the public model name the gateway exposes to the
// internal model id kimi.com's backend expects.
var modelTable = map[string]string{
	"K2":      "moonshot-v1-8k",
	"K2-32k":  "moonshot-v1-32k",
	"K2-128k": "moonshot-v1-128k",
}

func internalModel(publicName string) string {
	if id, ok := modelTable[publicName]; ok {
		return id
	}
	return publicName
}

// Provider implements the K2 (Kimi) consumer-chat adapter.
type Provider struct {
	cfg    providers.K2Config
	client *http.Client
	logger *zap.Logger
}

// New constructs a K2 adapter.
func New(cfg providers.K2Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://kimi.com/api"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: timeout}, logger: logger}
}

func (p *Provider) Name() string { return "k2" }

func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	out := make([]llm.Model, 0, len(modelTable))
	for name := range modelTable {
		out = append(out, llm.Model{ID: name, Object: "model", OwnedBy: "moonshot"})
	}
	return out, nil
}

// SupportedModels implements llm.Provider's registry entry point from
// the static K2 model table.
func (p *Provider) SupportedModels() []llm.ModelDescriptor {
	out := make([]llm.ModelDescriptor, 0, len(modelTable))
	for name, upstream := range modelTable {
		out = append(out, llm.ModelDescriptor{
			PublicName:   name,
			ProviderID:   p.Name(),
			UpstreamName: upstream,
		})
	}
	return out
}

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/models"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if bundle, ok := session.BundleFromContext(ctx); ok {
		providers.ApplySessionHeaders(httpReq, bundle)
	}
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("k2 health check failed: status=%d msg=%s", resp.StatusCode, readErrMsg(resp.Body))
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

type k2Message struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type k2Request struct {
	Model    string      `json:"model"`
	Messages []k2Message `json:"messages"`
	Stream   bool        `json:"stream"`
	Guest    bool        `json:"guest,omitempty"`
	Thinking bool        `json:"thinking,omitempty"`
}

type k2Choice struct {
	Index        int        `json:"index"`
	FinishReason string     `json:"finish_reason"`
	Delta        *k2Message `json:"delta,omitempty"`
	Message      *k2Message `json:"message,omitempty"`
}

type k2Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type k2Response struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Choices []k2Choice `json:"choices"`
	Usage   *k2Usage   `json:"usage,omitempty"`
	Created int64      `json:"created,omitempty"`
}

type k2ErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func convertMessages(msgs []llm.Message) []k2Message {
	out := make([]k2Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, k2Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (p *Provider) parseModel(req *llm.ChatRequest) modelname.Parsed {
	return modelname.Parse(providers.ChooseModel(req, p.cfg.Model, defaultModel))
}

// newHTTPRequest attaches session auth when a Bundle is present in ctx,
// otherwise falls back to Kimi's guest chat mode when the config allows
// it, and only surfaces AuthenticationFailed when neither is available.
func (p *Provider) newHTTPRequest(ctx context.Context, req *llm.ChatRequest, stream bool) (*http.Request, error) {
	parsed := p.parseModel(req)
	body := k2Request{
		Model:    internalModel(parsed.Base),
		Messages: convertMessages(req.Messages),
		Stream:   stream,
		Thinking: parsed.Has(modelname.ModeThinking),
	}

	bundle, ok := session.BundleFromContext(ctx)
	if !ok {
		if !p.cfg.AllowGuest {
			return nil, providers.AuthenticationFailed(p.Name(), "no session bundle attached and guest mode disabled")
		}
		body.Guest = true
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ok {
		providers.ApplySessionHeaders(httpReq, bundle)
	}
	return httpReq, nil
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := providers.DoWithBackoff(ctx, p.client, p.Name(), func() (*http.Request, error) { return p.newHTTPRequest(ctx, req, false) })
	if err != nil {
		if llmErr, ok := err.(*llm.Error); ok {
			return nil, llmErr
		}
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapUpstreamError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	var kResp k2Response
	if err := json.NewDecoder(resp.Body).Decode(&kResp); err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	return toChatResponse(kResp, p.Name()), nil
}

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	parsed := p.parseModel(req)
	resp, err := providers.DoWithBackoff(ctx, p.client, p.Name(), func() (*http.Request, error) { return p.newHTTPRequest(ctx, req, true) })
	if err != nil {
		if llmErr, ok := err.(*llm.Error); ok {
			return nil, llmErr
		}
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, providers.MapUpstreamError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	if parsed.Has(modelname.ModeImage) || parsed.Has(modelname.ModeImageEdit) || parsed.Has(modelname.ModeVideo) {
		return bufferToEnvelope(resp, p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
		contentDedup := map[int]*providers.ContentDedup{}
		reasoningDedup := map[int]*providers.ContentDedup{}
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					ch <- llm.StreamChunk{Err: &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}}
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var kResp k2Response
			if err := json.Unmarshal([]byte(data), &kResp); err != nil {
				ch <- llm.StreamChunk{Err: &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}}
				return
			}
			for _, choice := range kResp.Choices {
				content := ""
				reasoning := ""
				if choice.Delta != nil {
					if _, ok := contentDedup[choice.Index]; !ok {
						contentDedup[choice.Index] = &providers.ContentDedup{}
						reasoningDedup[choice.Index] = &providers.ContentDedup{}
					}
					content = contentDedup[choice.Index].Delta(choice.Delta.Content)
					reasoning = reasoningDedup[choice.Index].Delta(choice.Delta.ReasoningContent)
				}
				ch <- llm.StreamChunk{
					ID:           kResp.ID,
					Provider:     p.Name(),
					Model:        kResp.Model,
					Index:        choice.Index,
					Delta:        llm.Message{Role: llm.RoleAssistant, Content: content, ReasoningContent: reasoning},
					FinishReason: choice.FinishReason,
				}
			}
		}
	}()
	return ch, nil
}

// bufferToEnvelope drains an image/video job's SSE stream to completion and
// emits it as a single chunk instead of streaming per-delta.
func bufferToEnvelope(resp *http.Response, provider string) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
		var final k2Response
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}
			var kResp k2Response
			if err := json.Unmarshal([]byte(data), &kResp); err == nil {
				final = kResp
			}
		}
		for _, choice := range final.Choices {
			content := ""
			if choice.Message != nil {
				content = choice.Message.Content
			} else if choice.Delta != nil {
				content = choice.Delta.Content
			}
			finish := choice.FinishReason
			if finish == "" {
				finish = "stop"
			}
			ch <- llm.StreamChunk{
				ID:           final.ID,
				Provider:     provider,
				Model:        final.Model,
				Index:        choice.Index,
				Delta:        llm.Message{Role: llm.RoleAssistant, Content: content},
				FinishReason: finish,
			}
		}
	}()
	return ch, nil
}

func toChatResponse(k k2Response, provider string) *llm.ChatResponse {
	choices := make([]llm.ChatChoice, 0, len(k.Choices))
	for _, c := range k.Choices {
		content := ""
		reasoning := ""
		if c.Message != nil {
			content = c.Message.Content
			reasoning = c.Message.ReasoningContent
		}
		choices = append(choices, llm.ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content, ReasoningContent: reasoning},
		})
	}
	resp := &llm.ChatResponse{ID: k.ID, Provider: provider, Model: k.Model, Choices: choices}
	if k.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     k.Usage.PromptTokens,
			CompletionTokens: k.Usage.CompletionTokens,
			TotalTokens:      k.Usage.TotalTokens,
		}
	}
	if k.Created != 0 {
		resp.CreatedAt = time.Unix(k.Created, 0)
	}
	return resp
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp k2ErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}
