package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/FilipeAphrody/auth-service/internal/usecase"
)

// MFAHandler handles the MFA login leg plus enrollment and management.
type MFAHandler struct {
	usecase *usecase.AuthUsecase
}

// NewMFAHandler registers the MFA routes.
func NewMFAHandler(g *echo.Group, u *usecase.AuthUsecase) {
	handler := &MFAHandler{usecase: u}
	auth := JWTMiddleware(u)

	g.POST("/mfa/verify", handler.Verify)

	// Enrollment requires an authenticated session.
	g.POST("/mfa/setup", handler.Setup, auth)
	g.POST("/mfa/enable", handler.Enable, auth)
	g.POST("/mfa/disable", handler.Disable, auth)
}

// mfaVerifyRequest defines the expected JSON payload for the MFA verification endpoint.
type mfaVerifyRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// mfaSetupResponse returns the QR code URI to the frontend.
type mfaSetupResponse struct {
	Secret string `json:"secret"`
	QRCode string `json:"qrCodeUri"`
}

// mfaEnableRequest is used to verify the first code before enabling MFA.
type mfaEnableRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type mfaDisableRequest struct {
	Password string `json:"password" validate:"required"`
}

// Verify handles the second step of authentication for users with MFA enabled.
func (h *MFAHandler) Verify(c echo.Context) error {
	var req mfaVerifyRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	resp, err := h.usecase.VerifyMFA(c.Request().Context(), req.Email, req.Code, requestMeta(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Setup generates a new TOTP secret for the caller. It stays pending until Enable.
func (h *MFAHandler) Setup(c echo.Context) error {
	key, err := h.usecase.SetupMFA(c.Request().Context(), currentUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, mfaSetupResponse{Secret: key.Secret, QRCode: key.URI})
}

// Enable verifies the provided code and officially turns on MFA for the user account.
func (h *MFAHandler) Enable(c echo.Context) error {
	var req mfaEnableRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	if err := h.usecase.EnableMFA(c.Request().Context(), currentUserID(c), req.Code, requestMeta(c)); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *MFAHandler) Disable(c echo.Context) error {
	var req mfaDisableRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err)
	}

	if err := h.usecase.DisableMFA(c.Request().Context(), currentUserID(c), req.Password, requestMeta(c)); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
