package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-erp-approvals/internal/identity"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// UserLoader resolves the authenticated user from storage so the identity
// placed in the context carries database-truth role capabilities rather
// than whatever the token claims.
type UserLoader interface {
	GetByID(ctx context.Context, id string) (*repository.User, error)
}

type claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Auth validates the bearer token, loads the user and attaches the
// caller identity to the request context. Session issuance lives in the
// identity service; this only consumes its tokens.
func Auth(secret string, users UserLoader, log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":"missing or invalid Authorization header"}`, http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(header, "Bearer ")
			c := &claims{}
			token, err := jwt.ParseWithClaims(tokenString, c, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid || c.Subject == "" {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			user, err := users.GetByID(r.Context(), c.Subject)
			if err != nil {
				log.Warn().Err(err).Str("user_id", c.Subject).Msg("Token subject not found")
				http.Error(w, `{"error":"user not found"}`, http.StatusUnauthorized)
				return
			}
			if !user.IsActive || user.DeletedAt != nil {
				http.Error(w, `{"error":"user is not active"}`, http.StatusUnauthorized)
				return
			}

			ctx := identity.WithIdentity(r.Context(), identity.Identity{
				UserID:         user.ID,
				Name:           user.Name,
				RoleCode:       user.RoleCode,
				IsAdmin:        user.IsAdmin,
				CanSelfApprove: user.CanSelfApprove,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
