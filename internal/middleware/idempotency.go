package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-erp-approvals/internal/identity"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// IdempotencyKeyHeader is the opaque caller-supplied deduplication key.
// Absence disables the guard for that call.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotencyStore persists cached responses per key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*repository.IdempotencyRecord, error)
	Put(ctx context.Context, rec *repository.IdempotencyRecord) error
	Delete(ctx context.Context, key string) error
}

// Idempotency deduplicates retried mutating requests: an unexpired key
// with the same (route, body) fingerprint replays the cached response
// verbatim; the same key with a different fingerprint is a conflict.
// Responses are cached only after a 2xx outcome.
func Idempotency(store IdempotencyStore, ttl time.Duration, log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			route := r.Method + " " + r.URL.Path
			hash := fingerprint(route, body)

			rec, err := store.Get(r.Context(), key)
			if err != nil {
				// Storage trouble on the read path must not block the call;
				// the guard degrades to passthrough.
				log.Error().Err(err).Str("idempotency_key", key).Msg("Idempotency lookup failed")
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now()
			if rec != nil && rec.Expired(now) {
				if err := store.Delete(r.Context(), key); err != nil {
					log.Warn().Err(err).Str("idempotency_key", key).Msg("Failed to delete expired idempotency record")
				}
				rec = nil
			}

			if rec != nil {
				if rec.RequestHash != hash {
					http.Error(w, `{"error":"idempotency key already used with a different request"}`, http.StatusConflict)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(rec.ResponseStatus)
				_, _ = w.Write(rec.ResponseBody)
				return
			}

			rec2 := &responseBuffer{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec2, r)

			if rec2.status >= 200 && rec2.status < 300 {
				userID := ""
				if id, ok := identity.FromContext(r.Context()); ok {
					userID = id.UserID
				}
				err := store.Put(r.Context(), &repository.IdempotencyRecord{
					Key:            key,
					UserID:         userID,
					Route:          route,
					RequestHash:    hash,
					ResponseStatus: rec2.status,
					ResponseBody:   rec2.body.Bytes(),
					ExpiresAt:      now.Add(ttl),
				})
				if err != nil {
					log.Warn().Err(err).Str("idempotency_key", key).Msg("Failed to store idempotency record")
				}
			}
		})
	}
}

func fingerprint(route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(route))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// responseBuffer tees the response so a successful body can be cached.
type responseBuffer struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseBuffer) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseBuffer) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
