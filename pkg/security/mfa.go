package security

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPKey is a freshly generated authenticator secret.
type TOTPKey struct {
	Secret string
	URI    string
}

// GenerateTOTPKey creates a Base32 TOTP secret and its otpauth:// URI
// (compatible with Google Authenticator).
func GenerateTOTPKey(issuer, accountName string) (*TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	return &TOTPKey{Secret: key.Secret(), URI: key.URL()}, nil
}

// VerifyTOTPCode checks if the provided 6-digit code is valid for the given secret at t.
func VerifyTOTPCode(code, secret string, t time.Time) bool {
	if secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// GenerateNumericOTP returns a uniformly random 6-digit code in [100000, 999999].
func GenerateNumericOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// EqualCodes compares two one-time codes in constant time.
func EqualCodes(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
