package auth

import (
	"fmt"
	"time"

	golangjwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
)

// SessionClaims is what the API layer gets back from a verified token.
type SessionClaims struct {
	UserID string
	Email  string
	Name   string
	Role   string
}

// TokenIssuer signs session tokens for authenticated users.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates an issuer. ttl <= 0 defaults to 24h.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue signs an HS256 session token for the user.
func (i *TokenIssuer) Issue(user *User) (string, error) {
	token := golangjwt.NewWithClaims(golangjwt.SigningMethodHS256, golangjwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"name":  user.FullName,
		"role":  user.Role,
		"exp":   time.Now().Add(i.ttl).Unix(),
		"iat":   time.Now().Unix(),
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// TokenVerifier validates session tokens and extracts claims.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier sharing the issuer's secret.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// Verify parses and validates a token, returning its session claims.
func (v *TokenVerifier) Verify(tokenString string) (*SessionClaims, error) {
	token, err := jwxjwt.Parse(
		[]byte(tokenString),
		jwxjwt.WithKey(jwa.HS256, v.secret),
		jwxjwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	claims := &SessionClaims{UserID: userID}
	if email, ok := token.Get("email"); ok {
		claims.Email, _ = email.(string)
	}
	if name, ok := token.Get("name"); ok {
		claims.Name, _ = name.(string)
	}
	if role, ok := token.Get("role"); ok {
		claims.Role, _ = role.(string)
	}

	return claims, nil
}
