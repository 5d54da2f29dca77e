package tenancy

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const keyContextKey contextKey = "tenancy.key"

// WithKey attaches a verified ApiKey to the context.
func WithKey(ctx context.Context, k ApiKey) context.Context {
	return context.WithValue(ctx, keyContextKey, k)
}

// FromContext extracts the verified ApiKey bound to the request, if any.
func FromContext(ctx context.Context) (ApiKey, bool) {
	k, ok := ctx.Value(keyContextKey).(ApiKey)
	return k, ok
}

// Verifier is the subset of Store that the middleware needs, so handlers can
// be tested against a fake.
type Verifier interface {
	Verify(ctx context.Context, secret string) (ApiKey, error)
	TouchKey(ctx context.Context, keyID string) error
}

// Middleware enforces "Authorization: Bearer <opaque>" on every request it
// wraps, binding the resolved tenant to the request context on success.
func Middleware(store Verifier, onUnauthorized func(w http.ResponseWriter, r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret, ok := bearerToken(r)
			if !ok {
				onUnauthorized(w, r)
				return
			}
			key, err := store.Verify(r.Context(), secret)
			if err != nil {
				onUnauthorized(w, r)
				return
			}
			go func() {
				_ = store.TouchKey(context.Background(), key.ID)
			}()
			next.ServeHTTP(w, r.WithContext(WithKey(r.Context(), key)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
