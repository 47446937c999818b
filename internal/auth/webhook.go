package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	// ErrWebhookSecretNotConfigured means the server has no shared secret and must refuse every call.
	ErrWebhookSecretNotConfigured = errors.New("webhook: shared secret not configured")
	// ErrWebhookUnauthorized means the caller presented a missing or wrong secret.
	ErrWebhookUnauthorized = errors.New("webhook: unauthorized")
)

// WebhookVerifier authenticates the database change feed by a shared bearer secret.
type WebhookVerifier struct {
	secret []byte
}

// NewWebhookVerifier constructs a verifier. An empty secret is accepted here so
// that the server can still start; every verification then fails as a server error.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(strings.TrimSpace(secret))}
}

// Verify checks an Authorization header value in constant time.
func (v *WebhookVerifier) Verify(authorization string) error {
	if v == nil || len(v.secret) == 0 {
		return ErrWebhookSecretNotConfigured
	}
	token, ok := BearerToken(authorization)
	if !ok {
		return ErrWebhookUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), v.secret) != 1 {
		return ErrWebhookUnauthorized
	}
	return nil
}
