// Package glm adapts Zhipu's consumer web chat (chat.z.ai) to the
// gateway's OpenAI-compatible surface. The consumer endpoint accepts a
// short-lived JWT (refreshed from the browser session's cookies) instead
// of a permanent API key, and expects the public model name translated
// through a static internal-model lookup table.
package glm

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

	"github.com/oxbow-labs/sessiongate/internal/jwtutil"
	"github.com/oxbow-labs/sessiongate/llm"
	"github.com/oxbow-labs/sessiongate/modelname"
	"github.com/oxbow-labs/sessiongate/providers"
	"github.com/oxbow-labs/sessiongate/session"
	"go.uber.org/zap"
)

const defaultModel = "GLM-4.5"

// modelTable maps the public model name the gateway exposes to the
// internal model id chat.z.ai's backend expects. Zhipu rotates the
// internal ids independently of the public names, so this table has to be
// updated by hand when they do.
var modelTable = map[string]string{
	"GLM-4.5":     "0727-360B-API",
	"GLM-4.5-Air": "0727-106B-API",
	"GLM-4-Plus":  "glm-4-plus",
	"GLM-4-Flash": "glm-4-flash",
}

const jwtRetryAttempts = 3

// Provider implements the GLM consumer-chat adapter.
type Provider struct {
	cfg    providers.GLMConfig
	client *http.Client
	logger *zap.Logger
}

// New constructs a GLM adapter.
func New(cfg providers.GLMConfig, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://chat.z.ai/api"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: timeout}, logger: logger}
}

func (p *Provider) Name() string { return "glm" }

func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	out := make([]llm.Model, 0, len(modelTable))
	for name := range modelTable {
		out = append(out, llm.Model{ID: name, Object: "model", OwnedBy: "zhipu"})
	}
	return out, nil
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
			fmt.Errorf("glm health check failed: status=%d msg=%s", resp.StatusCode, readErrMsg(resp.Body))
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// SupportedModels implements llm.Provider's registry entry point from
// the static GLM model table.
func (p *Provider) SupportedModels() []llm.ModelDescriptor {
	out := make([]llm.ModelDescriptor, 0, len(modelTable))
	for name, upstream := range modelTable {
		out = append(out, llm.ModelDescriptor{
			PublicName:   name,
			ProviderID:   p.Name(),
			UpstreamName: upstream,
			Features:     []llm.FeatureFlag{llm.FeatureThinking, llm.FeatureSearch, llm.FeatureImage},
		})
	}
	return out
}

func internalModel(publicName string) string {
	if id, ok := modelTable[publicName]; ok {
		return id
	}
	return publicName
}

// bearerExpiringSoon reports whether the bundle's bearer JWT is within
// margin of its "exp" claim, unparseable, or absent, so the caller knows
// to treat the bundle as needing a refresh rather than trusting it blind.
func bearerExpiringSoon(bearer string, margin time.Duration) bool {
	return jwtutil.ExpiringSoon(bearer, margin)
}

type glmMessage struct {
	Role             string   `json:"role"`
	Content          string   `json:"content"`
	Images           []string `json:"images,omitempty"`
	ReasoningContent string   `json:"reasoning_content,omitempty"`
}

// glmFeatures carries the thinking/web-search toggles chat.z.ai expects
// nested under a "features" object rather than as flat request fields.
type glmFeatures struct {
	EnableThinking  bool `json:"enable_thinking"`
	EnableWebSearch bool `json:"enable_web_search"`
}

type glmRequest struct {
	Model       string       `json:"model"`
	Messages    []glmMessage `json:"messages"`
	Stream      bool         `json:"stream"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float32      `json:"temperature,omitempty"`
	Features    glmFeatures  `json:"features"`
	// ImageSize and SourceImages are only sent for -image/-image_edit
	// suffixed models (see modelname.ModeImage/ModeImageEdit).
	ImageSize    string   `json:"image_size,omitempty"`
	SourceImages []string `json:"source_images,omitempty"`
}

type glmChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Delta        *glmMessage `json:"delta,omitempty"`
	Message      *glmMessage `json:"message,omitempty"`
}

type glmUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type glmResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Choices []glmChoice `json:"choices"`
	Usage   *glmUsage   `json:"usage,omitempty"`
	Created int64       `json:"created,omitempty"`
}

type glmErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func convertMessages(msgs []llm.Message) []glmMessage {
	out := make([]glmMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, glmMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (p *Provider) buildRequest(req *llm.ChatRequest, stream bool) glmRequest {
	parsed := p.parseModel(req)
	r := glmRequest{
		Model:       internalModel(parsed.Base),
		Messages:    convertMessages(req.Messages),
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Features: glmFeatures{
			EnableThinking:  parsed.Has(modelname.ModeThinking),
			EnableWebSearch: parsed.Has(modelname.ModeSearch),
		},
	}
	if parsed.Has(modelname.ModeImage) || parsed.Has(modelname.ModeImageEdit) {
		r.ImageSize = imageAspectRatio(req)
	}
	if parsed.Has(modelname.ModeImageEdit) {
		r.SourceImages = collectInputImageRefs(req.Messages)
	}
	return r
}

func (p *Provider) parseModel(req *llm.ChatRequest) modelname.Parsed {
	return modelname.Parse(providers.ChooseModel(req, p.cfg.Model, defaultModel))
}

// buffersToEnvelope reports whether parsed's suffixes mean the response is
// generated media rather than text — chat.z.ai only returns a finished
// image/video once the job completes, so the adapter has nothing
// incremental to stream regardless of the request's own stream flag.
func buffersToEnvelope(parsed modelname.Parsed) bool {
	return parsed.Has(modelname.ModeImage) || parsed.Has(modelname.ModeImageEdit) || parsed.Has(modelname.ModeVideo)
}

// imageAspectRatio reduces a width/height hint carried in the request's
// metadata to a ratio string like "16:9", falling back to square when the
// caller gives no hint — chat.z.ai's image endpoint wants a ratio, not raw
// pixel dimensions.
func imageAspectRatio(req *llm.ChatRequest) string {
	var w, h int
	if _, err := fmt.Sscan(req.Metadata["width"], &w); err == nil {
		if _, err := fmt.Sscan(req.Metadata["height"], &h); err == nil {
			return providers.ReduceAspectRatio(w, h)
		}
	}
	return providers.ReduceAspectRatio(1, 1)
}

// collectInputImageRefs pulls every image URL/base64 blob attached to the
// conversation so an image_edit request carries its source material.
func collectInputImageRefs(msgs []llm.Message) []string {
	var out []string
	for _, m := range msgs {
		for _, img := range m.Images {
			if img.URL != "" {
				out = append(out, img.URL)
			} else if img.Data != "" {
				out = append(out, img.Data)
			}
		}
	}
	return out
}

// toMessageImages converts the image refs chat.z.ai returns (a mix of plain
// URLs and base64 blobs) into the gateway's ImageContent shape.
func toMessageImages(refs []string) []llm.ImageContent {
	if len(refs) == 0 {
		return nil
	}
	out := make([]llm.ImageContent, 0, len(refs))
	for _, ref := range refs {
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			out = append(out, llm.ImageContent{Type: "url", URL: ref})
		} else {
			out = append(out, llm.ImageContent{Type: "base64", Data: ref})
		}
	}
	return out
}

func (p *Provider) newHTTPRequest(ctx context.Context, body glmRequest) (*http.Request, error) {
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
	return httpReq, nil
}

// doWithJWTRetry sends req up to jwtRetryAttempts times in total while the
// upstream answers 401 — chat.z.ai's JWT is short-lived and GLM's own web
// client silently re-sends on 401 rather than surfacing an error to the
// user. The response to the last attempt is returned as-is, 401 included.
// Each attempt goes through providers.DoWithBackoff, which handles 429/5xx.
func (p *Provider) doWithJWTRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; attempt < jwtRetryAttempts; attempt++ {
		resp, err := providers.DoWithBackoff(ctx, p.client, p.Name(), build)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt < jwtRetryAttempts-1 {
			resp.Body.Close()
			p.logger.Warn("glm: bearer rejected, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("glm: exhausted %d bearer-refresh attempts", jwtRetryAttempts)
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body := p.buildRequest(req, false)
	resp, err := p.doWithJWTRetry(ctx, func() (*http.Request, error) { return p.newHTTPRequest(ctx, body) })
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

	var gResp glmResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	return toChatResponse(gResp, p.Name()), nil
}

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	parsed := p.parseModel(req)
	body := p.buildRequest(req, true)
	resp, err := p.doWithJWTRetry(ctx, func() (*http.Request, error) { return p.newHTTPRequest(ctx, body) })
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, providers.MapUpstreamError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	if buffersToEnvelope(parsed) {
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
			var gResp glmResponse
			if err := json.Unmarshal([]byte(data), &gResp); err != nil {
				ch <- llm.StreamChunk{Err: &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}}
				return
			}
			for _, choice := range gResp.Choices {
				content := ""
				reasoning := ""
				var images []llm.ImageContent
				if choice.Delta != nil {
					if _, ok := contentDedup[choice.Index]; !ok {
						contentDedup[choice.Index] = &providers.ContentDedup{}
						reasoningDedup[choice.Index] = &providers.ContentDedup{}
					}
					content = contentDedup[choice.Index].Delta(choice.Delta.Content)
					reasoning = reasoningDedup[choice.Index].Delta(choice.Delta.ReasoningContent)
					images = toMessageImages(choice.Delta.Images)
				}
				ch <- llm.StreamChunk{
					ID:           gResp.ID,
					Provider:     p.Name(),
					Model:        gResp.Model,
					Index:        choice.Index,
					Delta:        llm.Message{Role: llm.RoleAssistant, Content: content, ReasoningContent: reasoning, Images: images},
					FinishReason: choice.FinishReason,
				}
			}
		}
	}()
	return ch, nil
}

// bufferToEnvelope drains an image/video job's SSE stream to completion and
// emits it as a single chunk instead of streaming per-delta — chat.z.ai has
// nothing incremental to say about media generation until the job finishes.
func bufferToEnvelope(resp *http.Response, provider string) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
		var final glmResponse
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
			var gResp glmResponse
			if err := json.Unmarshal([]byte(data), &gResp); err == nil {
				final = gResp
			}
		}
		for _, choice := range final.Choices {
			content := ""
			var images []llm.ImageContent
			if choice.Message != nil {
				content = choice.Message.Content
				images = toMessageImages(choice.Message.Images)
			} else if choice.Delta != nil {
				content = choice.Delta.Content
				images = toMessageImages(choice.Delta.Images)
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
				Delta:        llm.Message{Role: llm.RoleAssistant, Content: content, Images: images},
				FinishReason: finish,
			}
		}
	}()
	return ch, nil
}

func toChatResponse(g glmResponse, provider string) *llm.ChatResponse {
	choices := make([]llm.ChatChoice, 0, len(g.Choices))
	for _, c := range g.Choices {
		content := ""
		reasoning := ""
		var images []llm.ImageContent
		if c.Message != nil {
			content = c.Message.Content
			reasoning = c.Message.ReasoningContent
			images = toMessageImages(c.Message.Images)
		}
		choices = append(choices, llm.ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content, ReasoningContent: reasoning, Images: images},
		})
	}
	resp := &llm.ChatResponse{ID: g.ID, Provider: provider, Model: g.Model, Choices: choices}
	if g.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     g.Usage.PromptTokens,
			CompletionTokens: g.Usage.CompletionTokens,
			TotalTokens:      g.Usage.TotalTokens,
		}
	}
	if g.Created != 0 {
		resp.CreatedAt = time.Unix(g.Created, 0)
	}
	return resp
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp glmErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}
