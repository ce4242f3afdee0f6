package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// --- Password hashing ---

// Algorithm selects the hash used for new passwords. Verification accepts both.
type Algorithm string

const (
	AlgorithmBcrypt   Algorithm = "bcrypt"
	AlgorithmArgon2id Algorithm = "argon2id"
)

// MinBcryptCost is the lowest cost accepted for new hashes.
const MinBcryptCost = 12

// Argon2id parameters follow OWASP recommendations for a balance of security and performance.
type HashParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

var DefaultParams = HashParams{
	Memory:      64 * 1024, // 64MB
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

var ErrInvalidHash = errors.New("invalid hash format")

// PasswordHasher hashes and verifies secrets with a deliberately slow one-way function.
type PasswordHasher struct {
	Algorithm  Algorithm
	BcryptCost int
	Argon      HashParams
}

// NewPasswordHasher returns a hasher for the given algorithm. A cost below
// MinBcryptCost is raised to it.
func NewPasswordHasher(alg Algorithm, bcryptCost int) *PasswordHasher {
	if alg == "" {
		alg = AlgorithmBcrypt
	}
	if bcryptCost < MinBcryptCost {
		bcryptCost = MinBcryptCost
	}
	return &PasswordHasher{Algorithm: alg, BcryptCost: bcryptCost, Argon: DefaultParams}
}

// Hash returns an encoded hash for password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	if h.Algorithm == AlgorithmArgon2id {
		return hashArgon2id(password, h.Argon)
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(out), nil
}

// Compare checks password against an encoded bcrypt or argon2id hash.
func (h *PasswordHasher) Compare(password, encodedHash string) (bool, error) {
	if strings.HasPrefix(encodedHash, "$argon2id$") {
		return compareArgon2id(password, encodedHash)
	}
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// hashArgon2id returns $argon2id$v=19$m=...,t=...,p=...$salt$hash
func hashArgon2id(password string, p HashParams) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism, b64Salt, b64Hash), nil
}

// compareArgon2id uses constant-time comparison to prevent timing attacks.
func compareArgon2id(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false, ErrInvalidHash
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}

	comparisonHash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(decodedHash)))
	return subtle.ConstantTimeCompare(decodedHash, comparisonHash) == 1, nil
}

// --- Opaque tokens ---

// GenerateSecureToken returns 256 bits of randomness, hex encoded.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// --- JWT Claims & Logic ---

type Claims struct {
	Email  string `json:"email"`
	Role   string `json:"role"`
	Status string `json:"status"`
	// IssuedAtMillis gives revocation checks sub-second precision.
	IssuedAtMillis int64 `json:"iat_ms"`
	jwt.RegisteredClaims
}

// UserID returns the subject claim.
func (c *Claims) UserID() string {
	return c.Subject
}

// IssuedAtTime returns the issuance instant with millisecond precision.
func (c *Claims) IssuedAtTime() time.Time {
	return time.UnixMilli(c.IssuedAtMillis)
}

// TokenSubject is the identity embedded in an access token.
type TokenSubject struct {
	UserID string
	Email  string
	Role   string
	Status string
}

// TokenIssuer signs and validates HS256 access tokens.
type TokenIssuer struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenIssuer creates an issuer. now may be nil.
func NewTokenIssuer(secret, issuer string, accessTTL time.Duration, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, accessTTL: accessTTL, now: now}
}

// GenerateAccessToken creates a new JWT signed with the issuer secret.
func (t *TokenIssuer) GenerateAccessToken(sub TokenSubject) (string, error) {
	now := t.now()
	claims := Claims{
		Email:          sub.Email,
		Role:           sub.Role,
		Status:         sub.Status,
		IssuedAtMillis: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    t.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken parses and validates a JWT string.
func (t *TokenIssuer) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
