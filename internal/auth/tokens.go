package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mailfold/mailfold/internal/domain"
)

// Verifier resolves the requesting user from a bearer token.
type Verifier interface {
	UserFromRequest(r *http.Request) (string, error)
}

// Issuer signs HS256 tokens for locally registered users.
type Issuer struct {
	secret []byte
	expiry time.Duration
}

// NewIssuer creates a token issuer.
func NewIssuer(secret string, expiry time.Duration) *Issuer {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), expiry: expiry}
}

// Issue signs a token carrying the user id and username.
func (i *Issuer) Issue(user *domain.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(i.expiry).Unix(),
	})
	return token.SignedString(i.secret)
}

// HSVerifier verifies locally issued HS256 tokens.
type HSVerifier struct {
	secret []byte
}

// NewHSVerifier creates a verifier for locally issued tokens.
func NewHSVerifier(secret string) *HSVerifier {
	return &HSVerifier{secret: []byte(secret)}
}

// UserFromRequest validates the Authorization header and returns the
// user id from the subject claim.
func (v *HSVerifier) UserFromRequest(r *http.Request) (string, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return "", err
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return sub, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}
	return header[len(prefix):], nil
}
