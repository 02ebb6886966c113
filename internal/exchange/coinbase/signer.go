package coinbase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// HMACSigner signs subscription requests with the API secret.
// The secret is kept as decoded bytes so it can be wiped.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates a signer from a base64 encoded API secret
func NewHMACSigner(b64secret string) (*HMACSigner, error) {
	secret, err := base64.StdEncoding.DecodeString(b64secret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}
	return &HMACSigner{secret: secret}, nil
}

// Sign returns base64(HMAC-SHA256(secret, timestamp + method + path))
func (s *HMACSigner) Sign(timestamp, method, path string) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("signer has no secret")
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp + method + path))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Wipe clears the secret from memory
func (s *HMACSigner) Wipe() {
	if s == nil {
		return
	}
	for i := range s.secret {
		s.secret[i] = 0
	}
	s.secret = nil
}
