// Package hmac implements a timestamp-bound HMAC signature check over
// (timestamp + raw body), verified in constant time.
package hmac

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/relaywh/webhookd/internal/apierror"
)

// Authenticator verifies inbound webhook requests against a shared secret.
type Authenticator struct {
	secret    []byte
	tolerance time.Duration
}

// New builds an Authenticator. tolerance bounds the allowed clock skew
// between the request's X-Timestamp and the verifying server's clock.
func New(secret string, tolerance time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), tolerance: tolerance}
}

// Verify checks body against timestamp and signature:
//
//  1. timestamp must parse as an RFC3339 (timezone-aware) instant.
//  2. |now - timestamp| must not exceed the configured tolerance.
//  3. signature must equal hex(HMAC_SHA256(secret, timestamp + "." + body)),
//     compared in constant time.
//
// On success it returns nil. On failure it returns an *apierror.Error with
// Kind BadRequest (malformed/skewed timestamp) or Unauthorized (signature
// mismatch).
func (a *Authenticator) Verify(body []byte, timestamp string, signature string) error {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return apierror.BadRequest("X-Timestamp must be a timezone-aware ISO-8601 timestamp")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.tolerance {
		return apierror.BadRequest("X-Timestamp outside of tolerance window")
	}

	expected := a.sign(timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return apierror.Unauthorized("invalid HMAC signature")
	}
	return nil
}

// sign computes lowercase_hex(HMAC_SHA256(secret, timestamp + "." + body)).
func (a *Authenticator) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign is exported for tests and for callers constructing signed requests
// (e.g. publisher SDKs, integration tests) that need to produce a valid
// X-Signature for a given body and timestamp.
func (a *Authenticator) Sign(timestamp string, body []byte) string {
	return a.sign(timestamp, body)
}
