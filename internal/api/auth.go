package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// AdminRole is the role claim required on ledger-wide write endpoints
const AdminRole = "ledger-admin"

// AdminClaims are the JWT claims accepted on admin endpoints
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type subjectKey struct{}

// adminSubject returns the authenticated admin subject, if any
func adminSubject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// IssueAdminToken signs an HS256 admin token valid for ttl
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("admin secret is not configured")
	}
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: AdminRole,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func validateAdminToken(secret, tokenStr string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != AdminRole {
		return nil, errors.New("token lacks the admin role")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}

// adminAuthMiddleware requires a valid admin bearer token.
// With no secret configured every request is rejected.
func adminAuthMiddleware(secret string, logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				respondError(w, http.StatusUnauthorized, "Admin endpoints are disabled", nil)
				return
			}

			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondError(w, http.StatusUnauthorized, "Missing or malformed Authorization header", nil)
				return
			}

			claims, err := validateAdminToken(secret, parts[1])
			if err != nil {
				logger.Warn("Rejected admin token",
					zap.String("path", r.URL.Path),
					zap.Error(err))
				respondError(w, http.StatusUnauthorized, "Invalid or expired token", nil)
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
