package http

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/FilipeAphrody/auth-service/internal/domain"
	"github.com/FilipeAphrody/auth-service/internal/usecase"
)

const failedLoginWindow = time.Hour

// NewAdminHandler registers operator routes. Every route requires an admin token.
func NewAdminHandler(g *echo.Group, u *usecase.AuthUsecase) {
	g.Use(JWTMiddleware(u), RoleMiddleware(domain.RoleAdmin))

	g.GET("/users/:id/security-events", func(c echo.Context) error {
		id := c.Param("id")
		if _, err := uuid.Parse(id); err != nil {
			return writeError(c, domain.BadRequest("admin_security_events", "Invalid user id"))
		}
		return listSecurityEvents(c, u, id)
	})

	g.GET("/ips/:ip/failed-logins", func(c echo.Context) error {
		n, err := u.RecentFailedLogins(c.Request().Context(), c.Param("ip"), failedLoginWindow)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, echo.Map{
			"ip":            c.Param("ip"),
			"failedLogins":  n,
			"windowSeconds": int(failedLoginWindow / time.Second),
		})
	})
}
