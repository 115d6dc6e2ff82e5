package external

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/cmd/engine/runner"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

type fakeProvider struct {
	credential string
	output     map[string]interface{}
	errs       []error
	calls      int
	lastToken  string
	lastOp     string
	lastParams map[string]interface{}
}

func (p *fakeProvider) CredentialName() string { return p.credential }

func (p *fakeProvider) Call(ctx context.Context, token, operation string, params map[string]interface{}) (map[string]interface{}, error) {
	p.calls++
	p.lastToken = token
	p.lastOp = operation
	p.lastParams = params
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return p.output, nil
}

func externalTestRunner(subtype string, provider Provider) (*Runner, *[]time.Duration) {
	r := NewRunner(Opts{Providers: map[string]Provider{subtype: provider}})
	waits := &[]time.Duration{}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return r, waits
}

func externalCtx(subtype string, cfg map[string]interface{}) *runner.Context {
	return &runner.Context{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Node:        &models.Node{ID: "ext1", Type: models.NodeTypeExternalAction, Subtype: subtype},
		Config:      cfg,
		Input:       map[string]interface{}{},
		Credentials: func(ctx context.Context, provider string) (string, error) {
			return "brokered-" + provider, nil
		},
		Log: func(level, message string, data map[string]interface{}) {},
	}
}

func TestExternalActionSuccess(t *testing.T) {
	provider := &fakeProvider{
		credential: "slack",
		output:     map[string]interface{}{"ts": "123.456", "status_code": 200},
	}
	r, _ := externalTestRunner(models.ExternalSlack, provider)

	result := r.Execute(context.Background(), externalCtx(models.ExternalSlack, map[string]interface{}{
		"operation": "post_message",
		"parameters": map[string]interface{}{
			"channel": "#jokes",
			"text":    "hello",
		},
	}))

	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, models.DefaultPort, result.OutputPort)
	assert.Equal(t, "123.456", result.OutputData["ts"])
	assert.Equal(t, "brokered-slack", provider.lastToken)
	assert.Equal(t, "post_message", provider.lastOp)
	assert.Equal(t, "#jokes", provider.lastParams["channel"])
}

func TestExternalActionRetriesThrottles(t *testing.T) {
	provider := &fakeProvider{
		output: map[string]interface{}{"ok": true},
		errs: []error{
			&apiError{Status: 429, Body: "slow down", RetryAfter: 3 * time.Second},
			&apiError{Status: 429, Body: "slow down"},
			nil,
		},
	}
	r, waits := externalTestRunner(models.ExternalGithub, provider)

	result := r.Execute(context.Background(), externalCtx(models.ExternalGithub, map[string]interface{}{
		"operation": "create_issue",
	}))

	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, 3, provider.calls)
	require.Len(t, *waits, 2)
	assert.Equal(t, 3*time.Second, (*waits)[0])
	assert.Equal(t, defaultRetryAfter, (*waits)[1])
}

func TestExternalActionThrottleExhaustsAttempts(t *testing.T) {
	provider := &fakeProvider{
		errs: []error{
			&apiError{Status: 429, Body: "nope"},
			&apiError{Status: 429, Body: "nope"},
			&apiError{Status: 429, Body: "nope"},
		},
	}
	r, _ := externalTestRunner(models.ExternalGithub, provider)

	result := r.Execute(context.Background(), externalCtx(models.ExternalGithub, map[string]interface{}{
		"operation": "create_issue",
	}))

	require.Equal(t, models.NodeError, result.Status)
	assert.Equal(t, maxAttempts, provider.calls)
	assert.Equal(t, string(errs.KindRateLimit), result.ErrorDetails["error_kind"])
}

func TestExternalActionDoesNotRetryClientErrors(t *testing.T) {
	provider := &fakeProvider{
		errs: []error{&apiError{Status: 400, Body: "bad request"}},
	}
	r, waits := externalTestRunner(models.ExternalNotion, provider)

	result := r.Execute(context.Background(), externalCtx(models.ExternalNotion, map[string]interface{}{
		"operation": "create_page",
	}))

	require.Equal(t, models.NodeError, result.Status)
	assert.Equal(t, 1, provider.calls)
	assert.Empty(t, *waits)
	assert.Equal(t, string(errs.KindResponse), result.ErrorDetails["error_kind"])
}

func TestExternalActionClassifiesAuthErrors(t *testing.T) {
	for _, status := range []int{401, 403} {
		provider := &fakeProvider{errs: []error{&apiError{Status: status, Body: "denied"}}}
		r, _ := externalTestRunner(models.ExternalSlack, provider)

		result := r.Execute(context.Background(), externalCtx(models.ExternalSlack, map[string]interface{}{
			"operation": "post_message",
		}))
		require.Equal(t, models.NodeError, result.Status, status)
		assert.Equal(t, string(errs.KindAuth), result.ErrorDetails["error_kind"], status)
	}
}

func TestExternalActionDualPortRoutesFailure(t *testing.T) {
	provider := &fakeProvider{
		errs: []error{&apiError{Status: 400, Body: "bad request"}},
	}
	r, _ := externalTestRunner(models.ExternalSlack, provider)

	result := r.Execute(context.Background(), externalCtx(models.ExternalSlack, map[string]interface{}{
		"operation": "post_message",
		"dual_port": true,
	}))

	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, models.ErrorPort, result.OutputPort)
	assert.Equal(t, string(errs.KindResponse), result.OutputData["error_kind"])
	assert.NotEmpty(t, result.OutputData["error"])
}

func TestExternalActionAIDirectedOnlyWhereDeclared(t *testing.T) {
	provider := &fakeProvider{}
	r, _ := externalTestRunner(models.ExternalSlack, provider)

	result := r.Execute(context.Background(), externalCtx(models.ExternalSlack, map[string]interface{}{
		"ai_directed": true,
		"goal":        "summarize the channel",
	}))

	require.Equal(t, models.NodeError, result.Status)
	assert.Equal(t, string(errs.KindValidation), result.ErrorDetails["error_kind"])
	assert.Equal(t, 0, provider.calls)
}

func TestExternalActionUnknownSubtype(t *testing.T) {
	r, _ := externalTestRunner(models.ExternalSlack, &fakeProvider{})

	result := r.Execute(context.Background(), externalCtx("FAX_MACHINE", map[string]interface{}{
		"operation": "send",
	}))

	require.Equal(t, models.NodeError, result.Status)
	assert.Equal(t, string(errs.KindNotImplemented), result.ErrorDetails["error_kind"])
}

func TestExternalActionValidate(t *testing.T) {
	r, _ := externalTestRunner(models.ExternalSlack, &fakeProvider{})

	require.NoError(t, r.Validate(map[string]interface{}{"operation": "post_message"}))
	require.NoError(t, r.Validate(map[string]interface{}{"ai_directed": true, "goal": "do the thing"}))

	err := r.Validate(map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	err = r.Validate(map[string]interface{}{"ai_directed": true})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestNormalizeOperation(t *testing.T) {
	assert.Equal(t, "post_message", normalizeOperation("SLACK", "slack.post_message"))
	assert.Equal(t, "post_message", normalizeOperation("SLACK", "POST_MESSAGE"))
	assert.Equal(t, "create_issue", normalizeOperation("GITHUB", "create_issue"))
}
