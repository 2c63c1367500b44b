package slackevent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names used by the Slack Events API for request signing.
const (
	HeaderSignature = "X-Slack-Signature"
	HeaderTimestamp = "X-Slack-Request-Timestamp"

	signatureVersion = "v0"
)

// ErrUnauthorized is returned for any signature or freshness failure.
// Verification fails closed and is never retried.
var ErrUnauthorized = errors.New("unauthorized")

// Verify recomputes the keyed request signature over
// "v0:{timestamp}:{body}" and compares it in constant time against the
// signature header. Requests whose timestamp deviates from now by more
// than tolerance are rejected as replays.
func Verify(header http.Header, body []byte, signingSecret string, tolerance time.Duration, now time.Time) error {
	signature := strings.TrimSpace(header.Get(HeaderSignature))
	timestamp := strings.TrimSpace(header.Get(HeaderTimestamp))
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing signature headers", ErrUnauthorized)
	}

	requestUnix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp header", ErrUnauthorized)
	}
	drift := now.Sub(time.Unix(requestUnix, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return fmt.Errorf("%w: stale request timestamp", ErrUnauthorized)
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	expected := signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	}
	return nil
}

// Sign produces a valid signature for the given timestamp and body.
// Exported for tests and local tooling that need to forge requests.
func Sign(signingSecret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}
