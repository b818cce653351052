// internal/auth/jwt.go
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingUserID = errors.New("token has no user id")
)

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Sign creates a new JWT token. Token issuance belongs to the account
// service; this is kept for tooling and tests.
func Sign(userID, username, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Verify validates signature and expiry and parses a JWT token
func Verify(tokenStr, secret string) (Claims, error) {
	return verify(tokenStr, secret)
}

func verify(tokenStr, secret string, opts ...jwt.ParserOption) (Claims, error) {
	var claims Claims

	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(secret), nil
	}, append([]jwt.ParserOption{jwt.WithExpirationRequired()}, opts...)...)

	if err != nil {
		return claims, err
	}

	if !token.Valid {
		return claims, ErrInvalidToken
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return claims, ErrMissingUserID
	}

	return claims, nil
}

// Verifier binds Verify to a shared secret.
type Verifier struct {
	secret string
	issuer string
}

// NewVerifier checks tokens against secret. A non-empty issuer must match
// the iss claim.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer}
}

func (v *Verifier) Verify(token string) (Claims, error) {
	if v.issuer == "" {
		return verify(token, v.secret)
	}
	return verify(token, v.secret, jwt.WithIssuer(v.issuer))
}
