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

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
	"github.com/lyzr/conductor/common/security"
)

// maxResponseBody caps HTTP action response reads at 4 MiB.
const maxResponseBody = 4 << 20

// HTTPRequestRunner issues an outbound HTTP call from node config
type HTTPRequestRunner struct {
	guard          *security.URLGuard
	defaultTimeout time.Duration
}

// NewHTTPRequestRunner creates the HTTP action runner
func NewHTTPRequestRunner(guard *security.URLGuard, defaultTimeout time.Duration) *HTTPRequestRunner {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &HTTPRequestRunner{guard: guard, defaultTimeout: defaultTimeout}
}

// Validate requires a URL
func (r *HTTPRequestRunner) Validate(config map[string]interface{}) error {
	if ConfigString(config, "url", "") == "" {
		return errs.New(errs.KindValidation, "http_request requires url")
	}
	return nil
}

// Execute performs the request and emits {status_code, headers, body, json}.
// Status >= 400 goes to the error port when the node declares dual_port,
// otherwise it is a node error classified for the retry policy.
func (r *HTTPRequestRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	cfg := rc.Config

	rawURL := ConfigString(cfg, "url", "")
	if err := r.guard.Validate(rawURL); err != nil {
		return Failure(errs.Wrap(errs.KindValidation, "url rejected", err))
	}

	method := strings.ToUpper(ConfigString(cfg, "method", http.MethodGet))
	timeout := ConfigDuration(cfg, "timeout", r.defaultTimeout)

	var bodyReader io.Reader
	if body, ok := cfg["body"]; ok && body != nil {
		switch b := body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return Failure(errs.Wrap(errs.KindValidation, "unencodable request body", err))
			}
			bodyReader = bytes.NewReader(encoded)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return Failure(errs.Wrap(errs.KindValidation, "invalid request", err))
	}

	if headers := ConfigMap(cfg, "headers"); headers != nil {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if req.Header.Get("Content-Type") == "" && bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Failure(errs.Newf(errs.KindTimeout, "request exceeded %s", timeout))
		}
		return Failure(errs.Wrap(errs.KindNetwork, "request failed", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Failure(errs.Wrap(errs.KindNetwork, "failed to read response", err))
	}

	headers := map[string]interface{}{}
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	var parsed interface{}
	_ = json.Unmarshal(respBody, &parsed)

	output := map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(respBody),
		"json":        parsed,
	}

	if resp.StatusCode >= 400 {
		if ConfigBool(cfg, "dual_port", false) {
			return Success(models.ErrorPort, output)
		}
		return Failure(classifyStatus(resp.StatusCode).WithDetails(output))
	}

	return Success(models.DefaultPort, output)
}

func classifyStatus(status int) *errs.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.New(errs.KindRateLimit, "endpoint returned 429")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Newf(errs.KindAuth, "endpoint returned %d", status)
	case status >= 500:
		return errs.Newf(errs.KindNetwork, "endpoint returned %d", status)
	default:
		return errs.Newf(errs.KindResponse, "endpoint returned %d", status)
	}
}

// SleepRunner pauses the walk for a configured duration
type SleepRunner struct{}

// NewSleepRunner creates the sleep runner
func NewSleepRunner() *SleepRunner {
	return &SleepRunner{}
}

// Validate requires a positive duration
func (r *SleepRunner) Validate(config map[string]interface{}) error {
	if ConfigDuration(config, "duration", 0) <= 0 {
		return errs.New(errs.KindValidation, "sleep requires a positive duration")
	}
	return nil
}

// Execute waits, honoring cancellation, then passes its input through
func (r *SleepRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	d := ConfigDuration(rc.Config, "duration", time.Second)

	select {
	case <-ctx.Done():
		return Failure(errs.Wrap(errs.KindTimeout, fmt.Sprintf("sleep interrupted after <%s", d), ctx.Err()))
	case <-time.After(d):
	}

	return Success(models.DefaultPort, rc.Input)
}
