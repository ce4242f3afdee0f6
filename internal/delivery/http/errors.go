package http

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func statusOf(kind domain.Kind) int {
	switch kind {
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindBadRequest:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a use case failure to its HTTP answer. Internal causes are
// logged and never sent to the client.
func writeError(c echo.Context, err error) error {
	var typed *domain.Error
	if !errors.As(err, &typed) || typed.Kind == domain.KindInternal {
		slog.ErrorContext(c.Request().Context(), "request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   string(domain.KindInternal),
			Message: "internal server error",
		})
	}
	return c.JSON(statusOf(typed.Kind), errorResponse{
		Error:   string(typed.Kind),
		Message: typed.Message,
		Details: typed.Details,
	})
}

// HTTPErrorHandler renders framework errors (unknown route, body limit,
// rate limit, panics) in the same envelope as use case errors.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		code := strings.ToLower(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
		_ = c.JSON(he.Code, errorResponse{Error: code, Message: msg})
		return
	}
	_ = writeError(c, err)
}

// bind decodes and validates a request body.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return domain.BadRequest("bind", "invalid request body")
	}
	if err := c.Validate(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			e := domain.BadRequest("validate", "validation failed")
			for _, fe := range verrs {
				e.Details = append(e.Details, fe.Field()+": "+fe.Tag())
			}
			return e
		}
		return domain.BadRequest("validate", err.Error())
	}
	return nil
}

// RequestValidator adapts go-playground/validator to echo.Validator.
type RequestValidator struct {
	v *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation details.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &RequestValidator{v: v}
}

func (r *RequestValidator) Validate(i any) error {
	return r.v.Struct(i)
}
