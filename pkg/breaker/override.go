package breaker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/convergio/convergio/pkg/models"
)

// Emergency override: an out-of-band signed code forces a named scope
// CLOSED for the code's TTL. The code binds the scope and expiry under
// an HMAC so it cannot be replayed for a different scope or after
// expiry. Applied overrides are recorded with the approver id and
// auto-expire.

// GenerateOverrideCode signs an override for a scope valid until
// now+ttl. Ops tooling calls this with the shared secret.
func GenerateOverrideCode(secret []byte, scope Scope, ttl time.Duration) string {
	return SignOverride(secret, scope, time.Now().Add(ttl))
}

// SignOverride signs an override for a scope with an explicit expiry.
func SignOverride(secret []byte, scope Scope, expiresAt time.Time) string {
	payload := fmt.Sprintf("%s|%d", scope.String(), expiresAt.Unix())
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + sig
}

// ApplyOverride verifies a signed code and, when valid, forces the
// scope CLOSED until the code's expiry.
func (b *Breaker) ApplyOverride(secret []byte, scope Scope, code, approverID string) error {
	payload, err := verifyOverrideCode(secret, code)
	if err != nil {
		return models.WrapError(models.ErrValidation, "invalid override code", err)
	}

	parts := strings.SplitN(payload, "|", 2)
	if len(parts) != 2 || parts[0] != scope.String() {
		return models.NewError(models.ErrValidation, "override code does not match scope")
	}
	expiresUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return models.WrapError(models.ErrValidation, "invalid override expiry", err)
	}
	expiresAt := time.Unix(expiresUnix, 0)
	if b.now().After(expiresAt) {
		return models.NewError(models.ErrValidation, "override code expired")
	}

	b.mu.Lock()
	b.overrides[scope.String()] = override{approver: approverID, expiresAt: expiresAt}
	b.mu.Unlock()

	slog.Warn("Emergency breaker override applied",
		"scope", scope.String(),
		"approver_id", approverID,
		"expires_at", expiresAt.UTC().Format(time.RFC3339))
	return nil
}

func verifyOverrideCode(secret []byte, code string) (payload string, err error) {
	dot := strings.IndexByte(code, '.')
	if dot < 0 {
		return "", fmt.Errorf("malformed code")
	}
	raw, err := base64.RawURLEncoding.DecodeString(code[:dot])
	if err != nil {
		return "", fmt.Errorf("malformed payload: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(code[dot+1:])
	if err != nil {
		return "", fmt.Errorf("malformed signature: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", fmt.Errorf("signature mismatch")
	}
	return string(raw), nil
}

// overrideActiveLocked reports whether an unexpired override covers the
// scope, pruning expired entries as a side effect.
func (b *Breaker) overrideActiveLocked(scope Scope) bool {
	ov, ok := b.overrides[scope.String()]
	if !ok {
		return false
	}
	if b.now().After(ov.expiresAt) {
		delete(b.overrides, scope.String())
		slog.Info("Breaker override expired", "scope", scope.String(), "approver_id", ov.approver)
		return false
	}
	return true
}
