package auth

import "github.com/golang-jwt/jwt/v5"

// CustomClaims — полезная нагрузка токена submission API.
// Токены выпускает внешняя система (консоль/CI), движок их только проверяет.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "analyze": true, "reports.read": true
	jwt.RegisteredClaims
}
