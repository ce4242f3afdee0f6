package http

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/FilipeAphrody/auth-service/internal/domain"
	"github.com/FilipeAphrody/auth-service/pkg/security"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"

	headerDeviceFingerprint = "X-Device-Fingerprint"
)

// Authenticator validates bearer tokens, including revocation.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*security.Claims, error)
}

// JWTMiddleware intercepts the request to validate the JWT token in the Authorization header.
func JWTMiddleware(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return writeError(c, domain.Unauthorized("jwt", "missing authorization header"))
			}

			// Expected format: "Bearer <token>"
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				return writeError(c, domain.Unauthorized("jwt", "invalid authorization format"))
			}

			claims, err := auth.Authenticate(c.Request().Context(), token)
			if err != nil {
				return writeError(c, err)
			}

			c.Set(ctxUserID, claims.UserID())
			c.Set(ctxRole, claims.Role)
			return next(c)
		}
	}
}

// RoleMiddleware ensures only users with one of the given roles (or admins) can access the route.
func RoleMiddleware(roles ...domain.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, _ := c.Get(ctxRole).(string)
			if role != string(domain.RoleAdmin) && !slices.Contains(roles, domain.Role(role)) {
				return c.JSON(http.StatusForbidden, errorResponse{
					Error:   "forbidden",
					Message: "access denied: insufficient permissions",
				})
			}
			return next(c)
		}
	}
}

func currentUserID(c echo.Context) string {
	id, _ := c.Get(ctxUserID).(string)
	return id
}

// requestMeta captures the heuristic inputs of the login anomaly checks.
func requestMeta(c echo.Context) domain.RequestMeta {
	return domain.RequestMeta{
		IP:                c.RealIP(),
		UserAgent:         c.Request().UserAgent(),
		DeviceFingerprint: c.Request().Header.Get(headerDeviceFingerprint),
	}
}
