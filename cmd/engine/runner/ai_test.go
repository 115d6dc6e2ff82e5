package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

type fakeChatProvider struct {
	resp    *ChatResponse
	err     error
	lastReq *ChatRequest
}

func (p *fakeChatProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func aiTestRunner(provider ChatProvider) *AIAgentRunner {
	r := NewAIAgentRunner(&config.Config{
		Engine: config.EngineConfig{AINodeTimeout: 5 * time.Second},
	})
	r.SetProvider(models.AIOpenAI, provider)
	return r
}

func aiCtx(cfg map[string]interface{}) *Context {
	return &Context{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Node:        &models.Node{ID: "ai1", Type: models.NodeTypeAIAgent, Subtype: models.AIOpenAI},
		Config:      cfg,
		Input:       map[string]interface{}{},
		Log:         func(level, message string, data map[string]interface{}) {},
	}
}

func TestAIAgentEmitsContentAndUsage(t *testing.T) {
	provider := &fakeChatProvider{resp: &ChatResponse{
		Content:          "here is a joke about compilers",
		Model:            "gpt-4o",
		FinishReason:     "stop",
		PromptTokens:     12,
		CompletionTokens: 30,
	}}
	r := aiTestRunner(provider)

	result := r.Execute(context.Background(), aiCtx(map[string]interface{}{
		"model":         "gpt-4o",
		"system_prompt": "you are a comedian",
		"user_prompt":   "tell me a joke",
	}))

	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, models.DefaultPort, result.OutputPort)
	assert.Equal(t, "here is a joke about compilers", result.OutputData["content"])
	assert.Equal(t, "stop", result.OutputData["finish_reason"])

	usage := result.OutputData["usage"].(map[string]interface{})
	assert.Equal(t, 42, usage["total_tokens"])

	require.NotNil(t, provider.lastReq)
	assert.Equal(t, "you are a comedian", provider.lastReq.SystemPrompt)
	require.Len(t, provider.lastReq.Messages, 1)
	assert.Equal(t, "user", provider.lastReq.Messages[0].Role)
}

func TestAIAgentMessagesHistory(t *testing.T) {
	provider := &fakeChatProvider{resp: &ChatResponse{Content: "long enough answer", Model: "m"}}
	r := aiTestRunner(provider)

	result := r.Execute(context.Background(), aiCtx(map[string]interface{}{
		"model": "m",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
			map[string]interface{}{"role": "assistant", "content": "hello"},
		},
		"user_prompt": "continue",
	}))

	require.Equal(t, models.NodeSuccess, result.Status)
	require.Len(t, provider.lastReq.Messages, 3)
	assert.Equal(t, "assistant", provider.lastReq.Messages[1].Role)
	assert.Equal(t, "continue", provider.lastReq.Messages[2].Content)
}

func TestAIAgentDegenerateContentIsResponseError(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"whitespace":    "   ",
		"too short":     "ok",
		"error prefix":  "Error: upstream failed",
		"auth string":   "Unauthorized",
		"rate limited":  "Rate limit exceeded, try again",
		"json error":    `{"error": {"message": "boom"}}`,
	}
	for name, content := range cases {
		r := aiTestRunner(&fakeChatProvider{resp: &ChatResponse{Content: content, Model: "m"}})
		result := r.Execute(context.Background(), aiCtx(map[string]interface{}{
			"model":       "m",
			"user_prompt": "hello",
		}))
		require.Equal(t, models.NodeError, result.Status, name)
		assert.Equal(t, string(errs.KindResponse), result.ErrorDetails["error_kind"], name)
	}
}

func TestAIAgentClassifiesProviderStatus(t *testing.T) {
	cases := map[int]errs.Kind{
		429: errs.KindRateLimit,
		401: errs.KindAuth,
		403: errs.KindAuth,
		503: errs.KindNetwork,
		400: errs.KindModel,
	}
	for status, kind := range cases {
		r := aiTestRunner(&fakeChatProvider{err: &ProviderStatusError{StatusCode: status, Body: "nope"}})
		result := r.Execute(context.Background(), aiCtx(map[string]interface{}{
			"model":       "m",
			"user_prompt": "hello",
		}))
		require.Equal(t, models.NodeError, result.Status, status)
		assert.Equal(t, string(kind), result.ErrorDetails["error_kind"], status)
	}
}

func TestAIAgentUnknownSubtype(t *testing.T) {
	r := aiTestRunner(&fakeChatProvider{resp: &ChatResponse{Content: "irrelevant here"}})

	rc := aiCtx(map[string]interface{}{"model": "m", "user_prompt": "hi"})
	rc.Node = &models.Node{ID: "ai1", Type: models.NodeTypeAIAgent, Subtype: "UNKNOWN_PROVIDER"}

	result := r.Execute(context.Background(), rc)
	require.Equal(t, models.NodeError, result.Status)
	assert.Equal(t, string(errs.KindNotImplemented), result.ErrorDetails["error_kind"])
}

func TestAIAgentValidate(t *testing.T) {
	r := aiTestRunner(&fakeChatProvider{})

	require.NoError(t, r.Validate(map[string]interface{}{"model": "m", "user_prompt": "hi"}))

	err := r.Validate(map[string]interface{}{"user_prompt": "hi"})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	err = r.Validate(map[string]interface{}{"model": "m"})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
