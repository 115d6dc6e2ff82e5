package signature

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/common/errs"
)

func slackHeader(secret, timestamp string, body []byte) string {
	base := fmt.Sprintf("v0:%s:%s", timestamp, body)
	return "v0=" + Sign(secret, []byte(base))
}

func TestVerifySlack(t *testing.T) {
	secret := "slack-signing-secret"
	body := []byte(`{"type":"event_callback"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	require.NoError(t, VerifySlack(secret, ts, slackHeader(secret, ts, body), body))
}

func TestVerifySlackRejectsMismatch(t *testing.T) {
	secret := "slack-signing-secret"
	body := []byte(`{"type":"event_callback"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	err := VerifySlack(secret, ts, slackHeader("other-secret", ts, body), body)
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestVerifySlackRejectsStaleTimestamp(t *testing.T) {
	secret := "slack-signing-secret"
	body := []byte(`{}`)
	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

	err := VerifySlack(secret, stale, slackHeader(secret, stale, body), body)
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestVerifySlackRequiresSecret(t *testing.T) {
	err := VerifySlack("", "123", "v0=abc", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestVerifyGithub(t *testing.T) {
	secret := "github-webhook-secret"
	body := []byte(`{"action":"opened"}`)

	require.NoError(t, VerifyGithub(secret, "sha256="+Sign(secret, body), body))
}

func TestVerifyGithubRejectsMismatch(t *testing.T) {
	body := []byte(`{"action":"opened"}`)

	err := VerifyGithub("right-secret", "sha256="+Sign("wrong-secret", body), body)
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestVerifyGithubRequiresPrefix(t *testing.T) {
	body := []byte(`{}`)

	err := VerifyGithub("secret", Sign("secret", body), body)
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestVerifyWebhookOptionalSecret(t *testing.T) {
	body := []byte(`{}`)

	// No configured secret accepts unsigned requests.
	require.NoError(t, VerifyWebhook("", "", body))

	secret := "per-workflow"
	require.NoError(t, VerifyWebhook(secret, Sign(secret, body), body))
	require.NoError(t, VerifyWebhook(secret, "sha256="+Sign(secret, body), body))

	err := VerifyWebhook(secret, Sign("other", body), body)
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}
