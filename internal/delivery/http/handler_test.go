package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/FilipeAphrody/auth-service/internal/domain"
	"github.com/FilipeAphrody/auth-service/internal/events"
	"github.com/FilipeAphrody/auth-service/internal/repository"
	"github.com/FilipeAphrody/auth-service/internal/usecase"
	"github.com/FilipeAphrody/auth-service/pkg/security"
)

type capturePublisher struct {
	mu   sync.Mutex
	data map[string][]map[string]any
}

func (p *capturePublisher) Publish(_ context.Context, topic string, data map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[topic] = append(p.data[topic], data)
}

func (p *capturePublisher) last(topic string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.data[topic]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// tickClock advances one millisecond per reading so consecutive requests never
// share an issuance instant.
type tickClock struct {
	base  time.Time
	ticks atomic.Int64
}

func (c *tickClock) Now() time.Time {
	return c.base.Add(time.Duration(c.ticks.Add(1)) * time.Millisecond)
}

type testServer struct {
	e      *echo.Echo
	users  *repository.MemoryUserRepo
	hasher *security.PasswordHasher
	pub    *capturePublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	users := repository.NewMemoryUserRepo()
	cache := repository.NewMemoryTokenRepo(time.Minute)
	t.Cleanup(cache.Close)

	cfg := usecase.DefaultConfig()
	clock := &tickClock{base: time.Now()}
	s := &testServer{
		e:      echo.New(),
		users:  users,
		hasher: &security.PasswordHasher{Algorithm: security.AlgorithmBcrypt, BcryptCost: bcrypt.MinCost},
		pub:    &capturePublisher{data: map[string][]map[string]any{}},
	}
	uc := usecase.NewAuthUsecase(usecase.Deps{
		Users:     users,
		Tokens:    users,
		Cache:     cache,
		Revoker:   cache,
		Ledger:    repository.NewMemoryLedger(),
		Publisher: s.pub,
		Hasher:    s.hasher,
		Issuer:    security.NewTokenIssuer("handler-test-secret-0123456789abcdef", "auth-service", cfg.AccessTTL, clock.Now),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       clock.Now,
	}, cfg)

	s.e.Validator = NewRequestValidator()
	s.e.HTTPErrorHandler = HTTPErrorHandler
	v1 := s.e.Group("/v1")
	authGroup := v1.Group("/auth")
	NewAuthHandler(authGroup, uc)
	NewMFAHandler(authGroup, uc)
	NewAdminHandler(v1.Group("/admin"), uc)
	NewHealthHandler(s.e, "test", map[string]Pinger{"store": users, "cache": cache})
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (s *testServer) register(t *testing.T, email string) domain.AuthResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/auth/register", echo.Map{"email": email, "password": "Abc12345!"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.AuthResponse](t, rec)
}

func TestRegister(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/auth/register", echo.Map{"email": "a@x.com", "password": "Abc12345!", "firstName": "Ada"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.NotEmpty(t, raw["accessToken"])
	assert.NotEmpty(t, raw["refreshToken"])
	assert.Equal(t, false, raw["requiresMfa"])
	assert.EqualValues(t, 900, raw["expiresIn"])
	user := raw["user"].(map[string]any)
	assert.Equal(t, "a@x.com", user["email"])
	assert.Equal(t, "Ada", user["firstName"])
	assert.NotContains(t, user, "passwordHash")
	assert.NotContains(t, user, "mfaSecret")

	rec = s.do(t, http.MethodPost, "/v1/auth/register", echo.Map{"email": "A@x.com", "password": "Abc12345!"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[errorResponse](t, rec).Error)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/auth/register", echo.Map{"email": "a@x.com", "password": "abcdefgh"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "bad_request", body.Error)
	assert.Len(t, body.Details, 2)

	rec = s.do(t, http.MethodPost, "/v1/auth/register", echo.Map{"email": "not-an-email", "password": "Abc12345!"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Details, "email: email")
}

func TestLoginAndMe(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "a@x.com")

	rec := s.do(t, http.MethodPost, "/v1/auth/login", echo.Map{"email": "a@x.com", "password": "Nope1234!"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/auth/login", echo.Map{"email": "b@x.com", "password": "Nope1234!"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/auth/login", echo.Map{"email": "a@x.com", "password": "Abc12345!"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	creds := decode[domain.AuthResponse](t, rec)

	rec = s.do(t, http.MethodGet, "/v1/auth/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/auth/me", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/auth/me", nil, creds.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a@x.com", decode[domain.UserProfile](t, rec).Email)

	rec = s.do(t, http.MethodGet, "/v1/auth/me/security-events?limit=10", nil, creds.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Events []domain.SecurityEvent `json:"events"`
	}](t, rec).Events
	require.NotEmpty(t, list)
	assert.Equal(t, domain.EventLoginSuccess, list[0].Type)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	s := newTestServer(t)
	creds := s.register(t, "a@x.com")

	rec := s.do(t, http.MethodPost, "/v1/auth/logout", echo.Map{"refreshToken": creds.RefreshToken}, creds.AccessToken)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/auth/me", nil, creds.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{"refreshToken": creds.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefresh(t *testing.T) {
	s := newTestServer(t)
	creds := s.register(t, "a@x.com")

	rec := s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{"refreshToken": creds.RefreshToken}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, creds.RefreshToken, decode[domain.AuthResponse](t, rec).RefreshToken)

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{"refreshToken": creds.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChangePassword(t *testing.T) {
	s := newTestServer(t)
	creds := s.register(t, "a@x.com")

	rec := s.do(t, http.MethodPut, "/v1/auth/change-password",
		echo.Map{"currentPassword": "Wrong123!", "newPassword": "Xyz98765!"}, creds.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/auth/change-password",
		echo.Map{"currentPassword": "Abc12345!", "newPassword": "Xyz98765!"}, creds.AccessToken)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", echo.Map{"refreshToken": creds.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecoveryEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "a@x.com")

	rec := s.do(t, http.MethodPost, "/v1/auth/forgot-password", echo.Map{"email": "ghost@x.com"}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/auth/forgot-password", echo.Map{"email": "a@x.com"}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/auth/reset-password", echo.Map{"token": "bogus", "newPassword": "Xyz98765!"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/auth/verify-email", echo.Map{"token": "bogus"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := s.pub.last(events.TopicUserRegistered)["verificationToken"].(string)
	rec = s.do(t, http.MethodPost, "/v1/auth/verify-email", echo.Map{"token": token}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/auth/resend-verification", echo.Map{"email": "ghost@x.com"}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMFAEnrollmentAndLogin(t *testing.T) {
	s := newTestServer(t)
	creds := s.register(t, "a@x.com")

	rec := s.do(t, http.MethodPost, "/v1/auth/mfa/setup", nil, creds.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	setup := decode[mfaSetupResponse](t, rec)
	assert.Contains(t, setup.QRCode, "otpauth://totp/")

	rec = s.do(t, http.MethodPost, "/v1/auth/mfa/enable", echo.Map{"code": "12345"}, creds.AccessToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	rec = s.do(t, http.MethodPost, "/v1/auth/mfa/enable", echo.Map{"code": code}, creds.AccessToken)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/v1/auth/login", echo.Map{"email": "a@x.com", "password": "Abc12345!"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	challenge := decode[domain.AuthResponse](t, rec)
	assert.True(t, challenge.RequiresMFA)
	assert.Empty(t, challenge.AccessToken)

	otp := s.pub.last(events.TopicMFARequired)["otpCode"].(string)
	rec = s.do(t, http.MethodPost, "/v1/auth/mfa/verify", echo.Map{"email": "a@x.com", "code": otp}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[domain.AuthResponse](t, rec).AccessToken)

	rec = s.do(t, http.MethodPost, "/v1/auth/mfa/disable", echo.Map{"password": "Abc12345!"}, creds.AccessToken)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	s := newTestServer(t)
	user := s.register(t, "a@x.com")

	rec := s.do(t, http.MethodGet, "/v1/admin/users/"+user.User.ID+"/security-events", nil, user.AccessToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	hash, err := s.hasher.Hash("Root1234!")
	require.NoError(t, err)
	require.NoError(t, s.users.Create(context.Background(), &domain.User{
		ID: "admin-1", Email: "root@x.com", PasswordHash: hash,
		Role: domain.RoleAdmin, Status: domain.StatusActive, EmailVerified: true,
	}))
	rec = s.do(t, http.MethodPost, "/v1/auth/login", echo.Map{"email": "root@x.com", "password": "Root1234!"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	admin := decode[domain.AuthResponse](t, rec)

	rec = s.do(t, http.MethodGet, "/v1/admin/users/"+user.User.ID+"/security-events", nil, admin.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.EventUserRegistered))

	rec = s.do(t, http.MethodGet, "/v1/admin/users/not-a-uuid/security-events", nil, admin.AccessToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/admin/users/"+uuid.NewString()+"/security-events", nil, admin.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())

	s.do(t, http.MethodPost, "/v1/auth/login", echo.Map{"email": "a@x.com", "password": "Wrong123!"}, "")
	rec = s.do(t, http.MethodGet, "/v1/admin/ips/192.0.2.1/failed-logins", nil, admin.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["failedLogins"])
}

func TestHealthAndUnknownRoute(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[healthResponse](t, rec)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, map[string]string{"store": "up", "cache": "up"}, body.Checks)

	rec = s.do(t, http.MethodGet, "/v1/nowhere", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorResponse](t, rec).Error)
}

func TestHealthReportsFailingDependency(t *testing.T) {
	e := echo.New()
	NewHealthHandler(e, "test", map[string]Pinger{
		"db": PingFunc(func(context.Context) error { return assert.AnError }),
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
