package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body.
const SignatureHeader = "X-Netatmo-Secret"

// Verifier decides whether a webhook body is authentic.
type Verifier interface {
	Verify(body []byte, header http.Header) bool
}

// HMACVerifier checks the signature header against the app's client secret.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier keyed by the client secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Sign returns the hex signature for body.
func (v *HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the header matches the body's signature.
func (v *HMACVerifier) Verify(body []byte, header http.Header) bool {
	got := strings.ToLower(strings.TrimSpace(header.Get(SignatureHeader)))
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(got), []byte(v.Sign(body)))
}
