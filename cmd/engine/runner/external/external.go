// Package external implements EXTERNAL_ACTION nodes: OAuth-brokered calls to
// SaaS providers, dispatched by node subtype and logical operation.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lyzr/conductor/cmd/engine/runner"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

const (
	maxAttempts       = 3
	defaultRetryAfter = 2 * time.Second
	maxProviderBody   = 4 << 20
)

// Provider executes one logical operation against a SaaS API.
type Provider interface {
	// CredentialName is the provider key in the credential store, empty when
	// the provider needs no brokered credential.
	CredentialName() string
	Call(ctx context.Context, token, operation string, params map[string]interface{}) (map[string]interface{}, error)
}

// apiError carries the provider HTTP status so the dispatcher can decide on
// retry and taxonomy mapping.
type apiError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// Runner dispatches EXTERNAL_ACTION nodes to the provider matching the node
// subtype, with a circuit breaker per provider and rate-limit-aware retry.
type Runner struct {
	providers map[string]Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	director  *Director
	// sleep is swapped by tests to skip real retry waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Opts configures the external action runner
type Opts struct {
	Providers map[string]Provider
	// Director enables AI-directed mode on providers that declare it.
	Director *Director
}

// NewRunner creates the external action dispatcher
func NewRunner(opts Opts) *Runner {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(opts.Providers))
	for subtype := range opts.Providers {
		breakers[subtype] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    strings.ToLower(subtype),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return &Runner{
		providers: opts.Providers,
		breakers:  breakers,
		director:  opts.Director,
		sleep:     sleepCtx,
	}
}

// Register registers the runner for every provider subtype it carries
func (r *Runner) Register(reg *runner.Registry) {
	for subtype := range r.providers {
		reg.Register(models.NodeTypeExternalAction, subtype, r)
	}
}

// Validate requires an operation unless the node runs AI-directed
func (r *Runner) Validate(config map[string]interface{}) error {
	if runner.ConfigBool(config, "ai_directed", false) {
		if runner.ConfigString(config, "goal", "") == "" {
			return errs.New(errs.KindValidation, "ai-directed mode requires goal")
		}
		return nil
	}
	if runner.ConfigString(config, "operation", "") == "" {
		return errs.New(errs.KindValidation, "external action requires operation")
	}
	return nil
}

// Execute resolves the credential, runs the operation with retry, and emits
// the provider response on main. Failures route to the error port when the
// node declares dual_port.
func (r *Runner) Execute(ctx context.Context, rc *runner.Context) *models.NodeExecutionResult {
	provider, ok := r.providers[rc.Node.Subtype]
	if !ok {
		return runner.Failure(errs.Newf(errs.KindNotImplemented, "no provider for subtype %s", rc.Node.Subtype))
	}

	token := ""
	if name := provider.CredentialName(); name != "" {
		var err error
		token, err = rc.Credentials(ctx, name)
		if err != nil {
			return runner.Failure(err)
		}
	}

	if runner.ConfigBool(rc.Config, "ai_directed", false) {
		if r.director == nil || !aiDirectedAllowed(rc.Node.Subtype) {
			return runner.Failure(errs.Newf(errs.KindValidation, "ai-directed mode is not available for %s", rc.Node.Subtype))
		}
		output, err := r.director.Run(ctx, rc, provider, token)
		if err != nil {
			return r.failure(rc, err)
		}
		return runner.Success(models.DefaultPort, output)
	}

	operation := normalizeOperation(rc.Node.Subtype, runner.ConfigString(rc.Config, "operation", ""))
	params := runner.ConfigMap(rc.Config, "parameters")
	if params == nil {
		params = rc.Config
	}

	output, err := r.call(ctx, rc, provider, token, operation, params)
	if err != nil {
		return r.failure(rc, err)
	}

	return runner.Success(models.DefaultPort, output)
}

// call runs one operation through the provider's breaker, retrying throttles
func (r *Runner) call(ctx context.Context, rc *runner.Context, provider Provider, token, operation string, params map[string]interface{}) (map[string]interface{}, error) {
	breaker := r.breakers[rc.Node.Subtype]

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		started := time.Now()
		result, err := breaker.Execute(func() (interface{}, error) {
			return provider.Call(ctx, token, operation, params)
		})

		rc.Log("debug", fmt.Sprintf("%s %s attempt %d took %s", strings.ToLower(rc.Node.Subtype), operation, attempt, time.Since(started).Round(time.Millisecond)), map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
		})

		if err == nil {
			output, _ := result.(map[string]interface{})
			return output, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.Wrap(errs.KindNetwork, "provider circuit open", err)
		}

		var apiErr *apiError
		if !errors.As(err, &apiErr) || !throttled(apiErr.Status) || attempt == maxAttempts {
			break
		}

		wait := apiErr.RetryAfter
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		rc.Log("warn", fmt.Sprintf("%s throttled, retrying in %s", operation, wait), nil)
		if err := r.sleep(ctx, wait); err != nil {
			return nil, errs.Wrap(errs.KindTimeout, "retry wait interrupted", err)
		}
	}

	return nil, classifyAPIError(lastErr)
}

func (r *Runner) failure(rc *runner.Context, err error) *models.NodeExecutionResult {
	if runner.ConfigBool(rc.Config, "dual_port", false) {
		return runner.Success(models.ErrorPort, map[string]interface{}{
			"error":      err.Error(),
			"error_kind": string(errs.KindOf(err)),
		})
	}
	return runner.Failure(err)
}

func throttled(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

func classifyAPIError(err error) error {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return errs.Wrap(errs.KindTimeout, "provider call timed out", err)
		}
		var structured *errs.Error
		if errors.As(err, &structured) {
			return err
		}
		return errs.Wrap(errs.KindNetwork, "provider call failed", err)
	}

	switch {
	case apiErr.Status == http.StatusTooManyRequests:
		return errs.Wrap(errs.KindRateLimit, "provider throttled the call", err)
	case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
		return errs.Wrap(errs.KindAuth, "provider rejected credentials", err)
	case apiErr.Status >= 500:
		return errs.Wrap(errs.KindNetwork, "provider unavailable", err)
	default:
		return errs.Wrap(errs.KindResponse, "provider rejected the call", err)
	}
}

// normalizeOperation strips an optional "<provider>." prefix so both
// "slack.post_message" and "post_message" resolve the same operation
func normalizeOperation(subtype, operation string) string {
	prefix := strings.ToLower(subtype) + "."
	return strings.TrimPrefix(strings.ToLower(operation), prefix)
}

func aiDirectedAllowed(subtype string) bool {
	return subtype == models.ExternalNotion
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// doJSON performs a JSON request against a provider endpoint and decodes the
// response object. Non-2xx statuses return an apiError carrying Retry-After.
func doJSON(ctx context.Context, method, url string, headers map[string]string, body interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "unencodable request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &apiError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	output := map[string]interface{}{}
	if len(respBody) > 0 {
		var parsed interface{}
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			if obj, ok := parsed.(map[string]interface{}); ok {
				output = obj
			} else {
				output["result"] = parsed
			}
		} else {
			output["body"] = string(respBody)
		}
	}
	output["status_code"] = resp.StatusCode
	return output, nil
}

// parseRetryAfter handles the delay-seconds form; the HTTP-date form falls
// back to the default backoff
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// requireString pulls a mandatory string parameter
func requireString(params map[string]interface{}, key string) (string, error) {
	if v, ok := params[key].(string); ok && v != "" {
		return v, nil
	}
	return "", errs.Newf(errs.KindValidation, "missing required parameter %q", key)
}
