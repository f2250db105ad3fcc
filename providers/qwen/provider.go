// Package qwen adapts chat.qwen.ai's consumer web-chat API to the
// gateway's OpenAI-compatible surface. Unlike the official DashScope API,
// chat.qwen.ai expects a browser session (cookies plus a bearer JWT) and a
// proprietary request shape built around a running conversation tree
// (chat_id/parent_id) instead of a flat messages array.
package qwen

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

	"github.com/google/uuid"
	"github.com/oxbow-labs/sessiongate/llm"
	"github.com/oxbow-labs/sessiongate/modelname"
	"github.com/oxbow-labs/sessiongate/providers"
	"github.com/oxbow-labs/sessiongate/session"
	"go.uber.org/zap"
)

const defaultModel = "Qwen3-235B-A22B"

// modelTable maps the public model name the gateway exposes to the
// internal model id chat.qwen.ai's backend expects.
var modelTable = map[string]string{
	"Qwen3-235B-A22B":  "qwen3-235b-a22b",
	"Qwen3-Coder-Plus": "qwen3-coder-plus",
	"Qwen-Max":         "qwen-max-latest",
}

func internalModel(publicName string) string {
	if id, ok := modelTable[publicName]; ok {
		return id
	}
	return publicName
}

// Provider implements the Qwen consumer-chat adapter.
type Provider struct {
	cfg    providers.QwenConfig
	client *http.Client
	logger *zap.Logger
}

// New constructs a Qwen adapter.
func New(cfg providers.QwenConfig, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://chat.qwen.ai/api/v2"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *Provider) Name() string { return "qwen" }

func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

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
			fmt.Errorf("qwen health check failed: status=%d msg=%s", resp.StatusCode, readErrMsg(resp.Body))
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	out := make([]llm.Model, 0, len(modelTable))
	for name := range modelTable {
		out = append(out, llm.Model{ID: name, Object: "model", OwnedBy: "alibaba"})
	}
	return out, nil
}

// SupportedModels implements llm.Provider's registry entry point from
// the static Qwen model table.
func (p *Provider) SupportedModels() []llm.ModelDescriptor {
	out := make([]llm.ModelDescriptor, 0, len(modelTable))
	for name, upstream := range modelTable {
		out = append(out, llm.ModelDescriptor{
			PublicName:   name,
			ProviderID:   p.Name(),
			UpstreamName: upstream,
			Features:     []llm.FeatureFlag{llm.FeatureThinking, llm.FeatureSearch},
		})
	}
	return out
}

// qwenMessage is one node in chat.qwen.ai's conversation tree. ChatType here
// describes the message's own content kind (always "text" — the adapter
// sends no file/image parts as separate message nodes) and is distinct
// from qwenRequest.ChatType, which describes what the whole turn is for.
type qwenMessage struct {
	Role     string   `json:"role"`
	Content  string   `json:"content"`
	ChatType string   `json:"chat_type"`
	Extra    struct{} `json:"extra"`
}

const qwenThinkingBudgetSeconds = 60

// featureConfig toggles the "thinking" and structured-output behaviors
// chat.qwen.ai exposes per request rather than per model name.
type featureConfig struct {
	ThinkingEnabled bool   `json:"thinking_enabled"`
	ThinkingBudget  int    `json:"thinking_budget,omitempty"`
	OutputSchema    string `json:"output_schema"`
}

// qwenRequest is the envelope chat.qwen.ai's web client sends: session_id,
// chat_id, parent_id, model, messages, chat_mode, timestamp, chat_type,
// feature_config, and the stream flag.
type qwenRequest struct {
	SessionID string        `json:"session_id"`
	ChatID    string        `json:"chat_id"`
	// ParentID is always sent as literal JSON null for a new turn — the
	// adapter doesn't yet thread continuations through a prior turn's id.
	ParentID      *string       `json:"parent_id"`
	Model         string        `json:"model"`
	Messages      []qwenMessage `json:"messages"`
	ChatMode      string        `json:"chat_mode"`
	Timestamp     int64         `json:"timestamp"`
	ChatType      string        `json:"chat_type"`
	Stream        bool          `json:"stream"`
	FeatureConfig featureConfig `json:"feature_config"`
}

type qwenContent struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type qwenChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason"`
	Delta        *qwenContent `json:"delta,omitempty"`
	Message      *qwenContent `json:"message,omitempty"`
}

type qwenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type qwenResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []qwenChoice `json:"choices"`
	Usage   *qwenUsage   `json:"usage,omitempty"`
	Created int64        `json:"created,omitempty"`
}

type qwenErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func convertMessages(msgs []llm.Message) []qwenMessage {
	out := make([]qwenMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, qwenMessage{Role: string(m.Role), Content: m.Content, ChatType: "text"})
	}
	return out
}

// requestChatType derives chat.qwen.ai's request-level chat_type from the
// model's mode suffixes — the turn's overall purpose, not any one
// message's content kind.
func requestChatType(parsed modelname.Parsed) string {
	switch {
	case parsed.Has(modelname.ModeImageEdit):
		return "image_edit"
	case parsed.Has(modelname.ModeImage):
		return "t2i"
	case parsed.Has(modelname.ModeVideo):
		return "t2v"
	case parsed.Has(modelname.ModeSearch):
		return "search"
	default:
		return "t2t"
	}
}

func (p *Provider) buildRequest(req *llm.ChatRequest, stream bool) qwenRequest {
	parsed := modelname.Parse(providers.ChooseModel(req, p.cfg.Model, defaultModel))
	thinking := parsed.Has(modelname.ModeThinking)
	fc := featureConfig{ThinkingEnabled: thinking, OutputSchema: "phase"}
	if thinking {
		fc.ThinkingBudget = qwenThinkingBudgetSeconds
	}
	return qwenRequest{
		SessionID:     uuid.NewString(),
		ChatID:        uuid.NewString(),
		ParentID:      nil,
		Model:         internalModel(parsed.Base),
		Messages:      convertMessages(req.Messages),
		ChatMode:      "normal",
		Timestamp:     time.Now().UnixMilli(),
		ChatType:      requestChatType(parsed),
		Stream:        stream,
		FeatureConfig: fc,
	}
}

// credentialHeader builds chat.qwen.ai's required bx-v header: the
// acquirer's raw token and cookie value joined by a literal "|", then
// gzip+base64 the way the web client compresses its own anti-automation
// payload. The compression happens here, at send time, so the cached
// bundle in the Session Store stays in its uncompressed, decompressible
// form.
func credentialHeader(bundle session.Bundle) (string, error) {
	raw := bundle.Extra["raw_token"] + "|" + bundle.Extra["cookie_value"]
	return providers.GzipBase64([]byte(raw))
}

func (p *Provider) newHTTPRequest(ctx context.Context, body qwenRequest) (*http.Request, error) {
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

	bundle, ok := session.BundleFromContext(ctx)
	if !ok {
		return nil, providers.AuthenticationFailed(p.Name(), "no session bundle attached to request context")
	}
	providers.ApplySessionHeaders(httpReq, bundle)
	if h, err := credentialHeader(bundle); err == nil {
		httpReq.Header.Set("bx-v", h)
	}
	return httpReq, nil
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body := p.buildRequest(req, false)
	resp, err := providers.DoWithBackoff(ctx, p.client, p.Name(), func() (*http.Request, error) { return p.newHTTPRequest(ctx, body) })
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

	var qResp qwenResponse
	if err := json.NewDecoder(resp.Body).Decode(&qResp); err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	return toChatResponse(qResp, p.Name()), nil
}

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	parsed := modelname.Parse(providers.ChooseModel(req, p.cfg.Model, defaultModel))
	body := p.buildRequest(req, true)
	resp, err := providers.DoWithBackoff(ctx, p.client, p.Name(), func() (*http.Request, error) { return p.newHTTPRequest(ctx, body) })
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
		// chat.qwen.ai's dialect is already incremental, so deltas are
		// passed through as-is rather than through ContentDedup, which is
		// only for upstreams that send cumulative text.
		reader := bufio.NewReader(resp.Body)
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
			var qResp qwenResponse
			if err := json.Unmarshal([]byte(data), &qResp); err != nil {
				ch <- llm.StreamChunk{Err: &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}}
				return
			}
			for _, choice := range qResp.Choices {
				content := ""
				reasoning := ""
				if choice.Delta != nil {
					content = choice.Delta.Content
					reasoning = choice.Delta.ReasoningContent
				}
				ch <- llm.StreamChunk{
					ID:           qResp.ID,
					Provider:     p.Name(),
					Model:        qResp.Model,
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
		var final qwenResponse
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
			var qResp qwenResponse
			if err := json.Unmarshal([]byte(data), &qResp); err == nil {
				final = qResp
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

func toChatResponse(q qwenResponse, provider string) *llm.ChatResponse {
	choices := make([]llm.ChatChoice, 0, len(q.Choices))
	for _, c := range q.Choices {
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
	resp := &llm.ChatResponse{ID: q.ID, Provider: provider, Model: q.Model, Choices: choices}
	if q.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     q.Usage.PromptTokens,
			CompletionTokens: q.Usage.CompletionTokens,
			TotalTokens:      q.Usage.TotalTokens,
		}
	}
	if q.Created != 0 {
		resp.CreatedAt = time.Unix(q.Created, 0)
	}
	return resp
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp qwenErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}
