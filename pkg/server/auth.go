package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	HeaderUserID        = "X-User-Id"
	HeaderUserSignature = "X-User-Signature"

	maxUserIDLength = 128
)

type ctxUserKey struct{}

// UserIDFromContext returns the caller resolved by the identity middleware.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxUserKey{}).(string); ok {
		return v
	}
	return ""
}

// SignUserID returns the hex HMAC-SHA256 of userID under key, the value expected
// in X-User-Signature.
func SignUserID(key, userID string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Identity resolves the caller from X-User-Id. When keys are configured and a
// signature is present it must match one of them; with requireSignature set, a
// missing signature is rejected too. Requests without a usable identity continue
// anonymously and the engine answers them with ErrUnauthorized.
type Identity struct {
	keys             []string
	requireSignature bool
}

func NewIdentity(keys []string, requireSignature bool) *Identity {
	return &Identity{keys: keys, requireSignature: requireSignature}
}

func (i *Identity) verify(userID, sig string) bool {
	for _, k := range i.keys {
		if hmac.Equal([]byte(SignUserID(k, userID)), []byte(sig)) {
			return true
		}
	}
	return false
}

func (i *Identity) resolve(r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	sig := strings.TrimSpace(r.Header.Get(HeaderUserSignature))
	if userID == "" || len(userID) > maxUserIDLength {
		return "", false
	}
	if sig == "" {
		if i.requireSignature {
			log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("Missing user signature")
			return "", false
		}
		return userID, true
	}
	if len(i.keys) == 0 {
		if i.requireSignature {
			log.Error().Msg("Signatures required but no signing keys configured")
			return "", false
		}
		return userID, true
	}
	if !i.verify(userID, sig) {
		log.Warn().Str("user_id", userID).Str("remote", r.RemoteAddr).Msg("Invalid user signature")
		return "", false
	}
	return userID, true
}

func (i *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID, ok := i.resolve(r); ok {
			r = r.WithContext(context.WithValue(r.Context(), ctxUserKey{}, userID))
		}
		next.ServeHTTP(w, r)
	})
}
