package blob

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// URLSigner issues and verifies the HS256 tokens embedded in temporary
// access URLs. Tokens carry the tenant, container, and file name so the
// content endpoint can serve the object without any other request
// context.
type URLSigner struct {
	secret []byte
	maxTTL time.Duration
}

// NewURLSigner creates a signer with the given secret and maximum token
// lifetime.
func NewURLSigner(secret string, maxTTL time.Duration) *URLSigner {
	return &URLSigner{secret: []byte(secret), maxTTL: maxTTL}
}

type urlClaims struct {
	jwt.RegisteredClaims
	TenantID  string `json:"tid"`
	Container string `json:"container"`
	FileName  string `json:"file"`
}

// Sign issues a token for one object. The requested lifetime is clamped
// to [1 minute, maxTTL]; out-of-range requests are adjusted, not
// rejected.
func (s *URLSigner) Sign(tenantID, container, fileName string, ttl time.Duration) (string, time.Time, error) {
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	expiresAt := time.Now().Add(ttl)

	claims := urlClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		TenantID:  tenantID,
		Container: container,
		FileName:  fileName,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("blob: sign url token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify parses and validates a token, returning its claims.
func (s *URLSigner) Verify(token string) (*urlClaims, error) {
	var claims urlClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("blob: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: verify url token: %w", err)
	}
	if claims.TenantID == "" || claims.Container == "" || claims.FileName == "" {
		return nil, fmt.Errorf("blob: url token missing claims")
	}
	return &claims, nil
}
