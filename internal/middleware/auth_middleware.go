// internal/middleware/auth_middleware.go
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"gowa-gateway/internal/model"

	"github.com/labstack/echo/v4"
)

const (
	actorKey  = "actor"
	apiKeyKey = "api_key"
)

// Keys holds the configured API keys.
type Keys struct {
	Admin string
	Users []string
}

func safeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Resolve maps an API key to the actor it authenticates.
func (k Keys) Resolve(key string) (model.Actor, bool) {
	if safeEqual(key, k.Admin) {
		return model.AdminActor, true
	}
	matched := false
	for _, u := range k.Users {
		// no early exit, every key is compared
		if safeEqual(key, u) {
			matched = true
		}
	}
	if !matched {
		return model.Actor{}, false
	}
	return model.Actor{Role: model.RoleUser, OwnerID: model.OwnerIDForKey(key)}, true
}

// ExtractAPIKey reads X-API-Key, then ?api_key=, then a Bearer token.
func ExtractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if key := strings.TrimSpace(r.URL.Query().Get("api_key")); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func deny(c echo.Context, status int, message, code string) error {
	return c.JSON(status, map[string]interface{}{
		"success": false,
		"message": message,
		"error": map[string]string{
			"code": code,
		},
	})
}

// APIKeyAuth authenticates the request and stores the resolved actor in the
// context. required=RoleAdmin rejects user keys with 403.
func APIKeyAuth(keys Keys, required model.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := ExtractAPIKey(c.Request())
			if key == "" {
				return deny(c, http.StatusUnauthorized, "Missing X-API-Key", "UNAUTHORIZED")
			}

			actor, ok := keys.Resolve(key)
			if !ok {
				return deny(c, http.StatusUnauthorized, "Invalid X-API-Key", "INVALID_API_KEY")
			}
			if required == model.RoleAdmin && !actor.IsAdmin() {
				return deny(c, http.StatusForbidden, "Admin only", "FORBIDDEN")
			}

			c.Set(actorKey, actor)
			c.Set(apiKeyKey, key)
			return next(c)
		}
	}
}

// ActorFrom returns the actor set by APIKeyAuth. Requests that skipped the
// middleware get an empty user actor, which can access nothing.
func ActorFrom(c echo.Context) model.Actor {
	if actor, ok := c.Get(actorKey).(model.Actor); ok {
		return actor
	}
	return model.Actor{Role: model.RoleUser}
}

// WithActor stores actor in the context, used when authentication happened
// elsewhere (WebSocket tickets).
func WithActor(c echo.Context, actor model.Actor) {
	c.Set(actorKey, actor)
}

// ClientKey identifies the caller for limiting: the API key, else the IP.
func ClientKey(c echo.Context) string {
	if key, ok := c.Get(apiKeyKey).(string); ok && key != "" {
		return "key:" + model.OwnerIDForKey(key)
	}
	return "ip:" + c.RealIP()
}

// RequireAdmin rejects actors that are not admins. Use after APIKeyAuth.
func RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !ActorFrom(c).IsAdmin() {
			return deny(c, http.StatusForbidden, "Admin only", "FORBIDDEN")
		}
		return next(c)
	}
}
