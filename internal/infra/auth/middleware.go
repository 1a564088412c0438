package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// TokenValidator — интерфейс, который реализует BaseValidator.
// Серверу достаточно этой возможности, без знания про RS256.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*CustomClaims, error)
}

// Тип для ключей в контексте (избегаем коллизий)
type ctxKey string

const (
	ScopesKey ctxKey = "user_scopes"
	UserIDKey ctxKey = "user_id"
)

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), ScopesKey, claims.Scopes)
			ctx = context.WithValue(ctx, UserIDKey, claims.UserID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
