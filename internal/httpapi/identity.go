package httpapi

import (
	"context"
	"crypto/rsa"
	"net/http"
	"os"

	"telemetry-service/pkg/apperrors"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what the identity resolver supplies per request.
type Claims struct {
	Email     string   `json:"email"`
	Roles     []string `json:"roles"`
	TenantIDs []string `json:"tenant_ids"`
	jwt.RegisteredClaims
}

type claimsKeyType struct{}

var claimsKey claimsKeyType

func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(keyData)
}

// IdentityMiddleware resolves the caller from a Bearer token. Read paths
// require an identity; missing or invalid tokens are rejected here.
func IdentityMiddleware(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := extractToken(r)
			if tokenStr == "" {
				apperrors.WriteError(w, apperrors.Unauthorized("missing token"))
				return
			}
			if pubKey == nil {
				apperrors.WriteError(w, apperrors.Unauthorized("identity not configured"))
				return
			}
			token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
				return pubKey, nil
			})
			if err != nil || !token.Valid {
				apperrors.WriteError(w, apperrors.Unauthorized("invalid token"))
				return
			}
			claims, ok := token.Claims.(*Claims)
			if !ok {
				apperrors.WriteError(w, apperrors.Unauthorized("invalid claims"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func GetClaims(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsKey).(*Claims)
	return claims
}

// WithClaims injects resolved claims; tests use it to bypass token parsing.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return ""
}
