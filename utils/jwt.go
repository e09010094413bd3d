package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jamesirl/blog/config"
)

// SessionClaims are the JWT claims carried by the session cookie. Privilege is
// a snapshot taken at login time and is not re-checked per request.
type SessionClaims struct {
	Username  string `json:"username"`
	Privilege string `json:"privilege"`
	jwt.RegisteredClaims
}

// GenerateSessionToken issues a signed session token for the given identity.
func GenerateSessionToken(username, privilege string, duration time.Duration) (string, error) {
	cfg := config.Get()

	claims := SessionClaims{
		Username:  username,
		Privilege: privilege,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(duration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.SessionSecret))
}

// ParseSessionToken validates a session token and returns its claims.
func ParseSessionToken(tokenStr string) (*SessionClaims, error) {
	cfg := config.Get()
	parsed, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(cfg.SessionSecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}
