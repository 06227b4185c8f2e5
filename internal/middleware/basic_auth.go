package middleware

import (
	"strings"

	"gowa-gateway/internal/helper"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// ParseCredentials reads "user:pass,user2:pass2". Passwords may be bcrypt hashes.
func ParseCredentials(raw string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		idx := strings.Index(pair, ":")
		if idx <= 0 {
			continue
		}
		users[pair[:idx]] = pair[idx+1:]
	}
	return users
}

// BasicAuthGate protects operator pages (metrics). With no users configured
// it lets everything through.
func BasicAuthGate(raw, realm string) echo.MiddlewareFunc {
	users := ParseCredentials(raw)
	if len(users) == 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if realm == "" {
		realm = "Gateway Access"
	}
	return echomw.BasicAuthWithConfig(echomw.BasicAuthConfig{
		Realm: realm,
		Validator: func(user, pass string, _ echo.Context) (bool, error) {
			expected, ok := users[user]
			if !ok {
				return false, nil
			}
			return helper.MatchCredential(expected, pass), nil
		},
	})
}
