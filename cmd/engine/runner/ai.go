package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	geminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta"

	defaultMaxTokens = 4096
)

// ChatMessage is one turn of a model conversation
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral completion request
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []ChatMessage
	Temperature  float64
	MaxTokens    int
}

// ChatResponse is a provider-neutral completion result
type ChatResponse struct {
	Content          string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// ChatProvider completes a conversation against one model vendor.
type ChatProvider interface {
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// AIAgentRunner dispatches AI_AGENT nodes to the provider matching the node
// subtype. Template resolution has already interpolated upstream outputs into
// the prompts by the time Execute runs.
type AIAgentRunner struct {
	providers      map[string]ChatProvider
	defaultTimeout time.Duration
}

// NewAIAgentRunner wires the built-in providers from config
func NewAIAgentRunner(cfg *config.Config) *AIAgentRunner {
	return &AIAgentRunner{
		providers: map[string]ChatProvider{
			models.AIOpenAI:     NewOpenAIProvider(cfg.Providers.OpenAIAPIKey, ""),
			models.AIOpenRouter: NewOpenAIProvider(cfg.Providers.OpenRouterAPIKey, openRouterBaseURL),
			models.AIAnthropic:  NewAnthropicProvider(cfg.Providers.AnthropicAPIKey),
			models.AIGemini:     NewGeminiProvider(cfg.Providers.GeminiAPIKey),
		},
		defaultTimeout: cfg.Engine.AINodeTimeout,
	}
}

// Register registers the runner for every AI subtype
func (r *AIAgentRunner) Register(reg *Registry) {
	for subtype := range r.providers {
		reg.Register(models.NodeTypeAIAgent, subtype, r)
	}
}

// SetProvider swaps a provider implementation, used by tests
func (r *AIAgentRunner) SetProvider(subtype string, p ChatProvider) {
	r.providers[subtype] = p
}

// Validate requires a model and at least one prompt source
func (r *AIAgentRunner) Validate(config map[string]interface{}) error {
	if ConfigString(config, "model", "") == "" {
		return errs.New(errs.KindValidation, "ai agent requires model")
	}
	if ConfigString(config, "user_prompt", "") == "" && config["messages"] == nil {
		return errs.New(errs.KindValidation, "ai agent requires user_prompt or messages")
	}
	return nil
}

// Execute calls the provider and emits {content, model, usage, finish_reason}
func (r *AIAgentRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	provider, ok := r.providers[rc.Node.Subtype]
	if !ok {
		return Failure(errs.Newf(errs.KindNotImplemented, "no provider for subtype %s", rc.Node.Subtype))
	}

	req, err := r.buildRequest(rc.Config)
	if err != nil {
		return Failure(err)
	}

	timeout := ConfigDuration(rc.Config, "timeout", r.defaultTimeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resp, err := provider.Complete(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Failure(errs.Newf(errs.KindTimeout, "model call exceeded %s", timeout))
		}
		return Failure(classifyProviderError(err))
	}

	if err := checkResponseContent(resp.Content); err != nil {
		return Failure(err)
	}

	rc.Log("info", fmt.Sprintf("model %s answered in %s", resp.Model, time.Since(started).Round(time.Millisecond)), map[string]interface{}{
		"model":             resp.Model,
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
	})

	return Success(models.DefaultPort, map[string]interface{}{
		"content":       resp.Content,
		"model":         resp.Model,
		"finish_reason": resp.FinishReason,
		"usage": map[string]interface{}{
			"prompt_tokens":     resp.PromptTokens,
			"completion_tokens": resp.CompletionTokens,
			"total_tokens":      resp.PromptTokens + resp.CompletionTokens,
		},
	})
}

func (r *AIAgentRunner) buildRequest(cfg map[string]interface{}) (*ChatRequest, error) {
	req := &ChatRequest{
		Model:        ConfigString(cfg, "model", ""),
		SystemPrompt: ConfigString(cfg, "system_prompt", ""),
		Temperature:  ConfigFloat(cfg, "temperature", 0),
		MaxTokens:    ConfigInt(cfg, "max_tokens", defaultMaxTokens),
	}

	if raw, ok := cfg["messages"].([]interface{}); ok {
		for _, item := range raw {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, errs.New(errs.KindValidation, "messages entries must be objects")
			}
			req.Messages = append(req.Messages, ChatMessage{
				Role:    ConfigString(m, "role", "user"),
				Content: ConfigString(m, "content", ""),
			})
		}
	}
	if prompt := ConfigString(cfg, "user_prompt", ""); prompt != "" {
		req.Messages = append(req.Messages, ChatMessage{Role: "user", Content: prompt})
	}
	if len(req.Messages) == 0 {
		return nil, errs.New(errs.KindValidation, "ai agent requires user_prompt or messages")
	}

	return req, nil
}

// checkResponseContent rejects answers that are empty or degenerate so
// downstream nodes never consume garbage as a successful model output.
func checkResponseContent(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return errs.New(errs.KindResponse, "model returned empty content")
	}
	if len(trimmed) <= 3 {
		return errs.Newf(errs.KindResponse, "model returned degenerate content %q", trimmed)
	}
	// Providers occasionally serialize their own failures into the content
	// body instead of an error status.
	head := strings.ToLower(trimmed)
	if len(head) > 200 {
		head = head[:200]
	}
	for _, pattern := range []string{"error:", "unauthorized", "rate limit", "{\"error\""} {
		if strings.HasPrefix(head, pattern) {
			return errs.Newf(errs.KindResponse, "model content matches error pattern %q", pattern)
		}
	}
	return nil
}

// classifyProviderError maps SDK errors onto the taxonomy so the retry policy
// can distinguish throttling from hard model failures
func classifyProviderError(err error) error {
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return classifyProviderStatus(openaiErr.StatusCode, err)
	}
	var anthropicErr *sdk.Error
	if errors.As(err, &anthropicErr) {
		return classifyProviderStatus(anthropicErr.StatusCode, err)
	}
	var providerErr *ProviderStatusError
	if errors.As(err, &providerErr) {
		return classifyProviderStatus(providerErr.StatusCode, err)
	}
	return errs.Wrap(errs.KindModel, "model call failed", err)
}

func classifyProviderStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.Wrap(errs.KindRateLimit, "provider throttled the request", err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Wrap(errs.KindAuth, "provider rejected credentials", err)
	case status >= 500:
		return errs.Wrap(errs.KindNetwork, "provider unavailable", err)
	default:
		return errs.Wrap(errs.KindModel, "model call failed", err)
	}
}

// ProviderStatusError carries an HTTP status from a hand-rolled provider
// transport so it classifies like the SDK errors.
type ProviderStatusError struct {
	StatusCode int
	Body       string
}

func (e *ProviderStatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// openAIProvider serves both OpenAI and OpenRouter, which exposes an
// OpenAI-compatible completions surface.
type openAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a chat provider on the OpenAI API surface.
// An empty baseURL targets api.openai.com.
func NewOpenAIProvider(apiKey, baseURL string) ChatProvider {
	opts := []openaioption.RequestOption{openaioption.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(baseURL))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}
}

func (p *openAIProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errs.New(errs.KindResponse, "provider returned no choices")
	}

	choice := completion.Choices[0]
	return &ChatResponse{
		Content:          choice.Message.Content,
		Model:            completion.Model,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

// anthropicProvider targets the Claude Messages API
type anthropicProvider struct {
	client sdk.Client
}

// NewAnthropicProvider creates a Claude-backed chat provider
func NewAnthropicProvider(apiKey string) ChatProvider {
	return &anthropicProvider{client: sdk.NewClient(anthropicoption.WithAPIKey(apiKey))}
}

func (p *anthropicProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			conversation = append(conversation, sdk.NewAssistantMessage(block))
			continue
		}
		conversation = append(conversation, sdk.NewUserMessage(block))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(req.Model),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		Content:          content.String(),
		Model:            string(msg.Model),
		FinishReason:     string(msg.StopReason),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// geminiProvider targets the Gemini generateContent REST endpoint
type geminiProvider struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewGeminiProvider creates a Gemini-backed chat provider
func NewGeminiProvider(apiKey string) ChatProvider {
	return &geminiProvider{apiKey: apiKey, baseURL: geminiBaseURL, http: http.DefaultClient}
}

type geminiContent struct {
	Role  string `json:"role,omitempty"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

func geminiTurn(role, text string) geminiContent {
	c := geminiContent{Role: role}
	c.Parts = append(c.Parts, struct {
		Text string `json:"text"`
	}{Text: text})
	return c
}

func (p *geminiProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	payload := map[string]interface{}{}

	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiTurn(role, m.Content))
	}
	payload["contents"] = contents

	if req.SystemPrompt != "" {
		payload["systemInstruction"] = geminiTurn("", req.SystemPrompt)
	}

	generation := map[string]interface{}{}
	if req.Temperature > 0 {
		generation["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		generation["maxOutputTokens"] = req.MaxTokens
	}
	if len(generation) > 0 {
		payload["generationConfig"] = generation
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &ProviderStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindResponse, "unparseable provider response", err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, errs.New(errs.KindResponse, "provider returned no candidates")
	}

	var content strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	return &ChatResponse{
		Content:          content.String(),
		Model:            req.Model,
		FinishReason:     parsed.Candidates[0].FinishReason,
		PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
		CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}, nil
}
