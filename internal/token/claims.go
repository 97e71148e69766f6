package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the registered and device-specific fields carried in every
// token (spec.md §6: sub, iss, did, exp, iat, kid, jti). kid is the signing
// key id, not a standard registered claim, so it rides alongside
// jwt.RegisteredClaims as a custom field.
type Claims struct {
	DeviceID string `json:"did"`
	KeyID    int64  `json:"kid"`
	jwt.RegisteredClaims
}

// newJTI returns a 16-hex-character random token id.
func newJTI() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating jti: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
