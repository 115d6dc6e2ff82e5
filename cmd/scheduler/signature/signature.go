package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lyzr/conductor/common/errs"
)

// maxSkew is how stale a signed Slack request may be before rejection.
const maxSkew = 5 * time.Minute

// VerifySlack checks a Slack Events API signature.
// The signed base string is "v0:<timestamp>:<body>"; the header carries
// "v0=<hex hmac>".
func VerifySlack(signingSecret, timestamp, signatureHeader string, body []byte) error {
	if signingSecret == "" {
		return errs.New(errs.KindAuth, "slack signing secret not configured")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errs.New(errs.KindAuth, "invalid slack timestamp")
	}
	age := time.Since(time.Unix(ts, 0))
	if age > maxSkew || age < -maxSkew {
		return errs.New(errs.KindAuth, "slack request timestamp outside allowed window")
	}

	base := fmt.Sprintf("v0:%s:%s", timestamp, body)
	expected := "v0=" + hmacHex([]byte(signingSecret), []byte(base))

	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return errs.New(errs.KindAuth, "slack signature mismatch")
	}
	return nil
}

// VerifyGithub checks a GitHub webhook signature.
// The X-Hub-Signature-256 header carries "sha256=<hex hmac>" over the raw
// body.
func VerifyGithub(secret, signatureHeader string, body []byte) error {
	if secret == "" {
		return errs.New(errs.KindAuth, "github webhook secret not configured")
	}
	if !strings.HasPrefix(signatureHeader, "sha256=") {
		return errs.New(errs.KindAuth, "missing github signature")
	}

	expected := "sha256=" + hmacHex([]byte(secret), body)
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return errs.New(errs.KindAuth, "github signature mismatch")
	}
	return nil
}

// VerifyWebhook checks an optional per-workflow webhook secret. Triggers that
// configure no secret accept unsigned requests.
func VerifyWebhook(secret, signatureHeader string, body []byte) error {
	if secret == "" {
		return nil
	}

	expected := hmacHex([]byte(secret), body)
	given := strings.TrimPrefix(signatureHeader, "sha256=")
	if !hmac.Equal([]byte(expected), []byte(given)) {
		return errs.New(errs.KindAuth, "webhook signature mismatch")
	}
	return nil
}

// Sign produces the hex HMAC-SHA256 of body. Tests use it to build valid
// signature headers.
func Sign(secret string, body []byte) string {
	return hmacHex([]byte(secret), body)
}

func hmacHex(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
