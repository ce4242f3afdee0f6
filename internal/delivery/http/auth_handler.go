package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/FilipeAphrody/auth-service/internal/usecase"
)

// AuthHandler represents the HTTP delivery layer for authentication.
type AuthHandler struct {
	usecase *usecase.AuthUsecase
}

// NewAuthHandler registers the authentication routes to the provided echo group.
func NewAuthHandler(g *echo.Group, u *usecase.AuthUsecase) {
	handler := &AuthHandler{usecase: u}
	auth := JWTMiddleware(u)

	g.POST("/register", handler.Register)
	g.POST("/login", handler.Login)
	g.POST("/refresh", handler.Refresh)
	g.POST("/forgot-password", handler.ForgotPassword)
	g.POST("/reset-password", handler.ResetPassword)
	g.POST("/verify-email", handler.VerifyEmail)
	g.POST("/resend-verification", handler.ResendVerification)

	g.POST("/logout", handler.Logout, auth)
	g.PUT("/change-password", handler.ChangePassword, auth)
	g.GET("/me", handler.Me, auth)
	g.GET("/me/security-events", handler.SecurityEvents, auth)
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	FirstName string `json:"firstName" validate:"omitempty,max=100"`
	LastName  string `json:"lastName" validate:"omitempty,max=100"`
}

// loginRequest defines the expected JSON payload for the login endpoint.
type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// Register creates an account and returns credentials.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	resp, err := h.usecase.Register(c.Request().Context(), usecase.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}, requestMeta(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// Login handles the initial authentication request. Accounts with MFA get a
// challenge instead of tokens.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	resp, err := h.usecase.Login(c.Request().Context(), req.Email, req.Password, requestMeta(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AuthHandler) Logout(c echo.Context) error {
	var req logoutRequest
	// The body is optional.
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return writeError(c, err)
		}
	}

	if err := h.usecase.Logout(c.Request().Context(), currentUserID(c), req.RefreshToken, requestMeta(c)); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	resp, err := h.usecase.Refresh(c.Request().Context(), req.RefreshToken, requestMeta(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AuthHandler) ChangePassword(c echo.Context) error {
	var req changePasswordRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	err := h.usecase.ChangePassword(c.Request().Context(), currentUserID(c), req.CurrentPassword, req.NewPassword, requestMeta(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ForgotPassword always answers 204 so callers cannot probe for accounts.
func (h *AuthHandler) ForgotPassword(c echo.Context) error {
	var req emailRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	if err := h.usecase.ForgotPassword(c.Request().Context(), req.Email, requestMeta(c)); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandler) ResetPassword(c echo.Context) error {
	var req resetPasswordRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	if err := h.usecase.ResetPassword(c.Request().Context(), req.Token, req.NewPassword, requestMeta(c)); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandler) VerifyEmail(c echo.Context) error {
	var req tokenRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	if err := h.usecase.VerifyEmail(c.Request().Context(), req.Token, requestMeta(c)); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandler) ResendVerification(c echo.Context) error {
	var req emailRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	if err := h.usecase.ResendVerification(c.Request().Context(), req.Email); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandler) Me(c echo.Context) error {
	profile, err := h.usecase.Me(c.Request().Context(), currentUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, profile)
}

// SecurityEvents lists the caller's own audit trail.
func (h *AuthHandler) SecurityEvents(c echo.Context) error {
	return listSecurityEvents(c, h.usecase, currentUserID(c))
}

func listSecurityEvents(c echo.Context, u *usecase.AuthUsecase, userID string) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "limit must be an integer"})
		}
		limit = n
	}

	list, err := u.SecurityEvents(c.Request().Context(), userID, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"events": list})
}
