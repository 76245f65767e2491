package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

// identityKey is the context key for the authenticated caller.
const identityKey contextKey = "identity"

// Token roles. Clients and providers are call endpoints; admins manage
// rules, grants, and audit trails; services are trusted backends that may
// act on behalf of users and consume the event stream.
const (
	RoleClient   = "client"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
	RoleService  = "service"
)

// Claims holds the JWT claims for API authentication. The registered
// subject carries the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller stored in the request context.
type Identity struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the caller holds the admin role.
func (id *Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// IsService reports whether the caller is a trusted backend service.
func (id *Identity) IsService() bool { return id.Role == RoleService }

// GenerateToken creates a signed JWT for the given user and role.
func GenerateToken(secret []byte, userID, role string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "callbridge",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// validRole reports whether the role claim is one the server knows.
func validRole(role string) bool {
	switch role {
	case RoleClient, RoleProvider, RoleAdmin, RoleService:
		return true
	}
	return false
}

// RequireAuth returns middleware that validates JWT bearer tokens. On
// success it stores the caller Identity in the request context. On failure
// it writes a 401 JSON error.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJWTError(w, http.StatusUnauthorized, "auth_required", "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeJWTError(w, http.StatusUnauthorized, "auth_invalid", "invalid authorization header")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("rejected bearer token", "error", err)
				writeJWTError(w, http.StatusUnauthorized, "auth_invalid", "invalid or expired token")
				return
			}

			if claims.Subject == "" || !validRole(claims.Role) {
				writeJWTError(w, http.StatusUnauthorized, "auth_invalid", "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, &Identity{
				UserID: claims.Subject,
				Role:   claims.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns middleware that rejects callers whose role is not in
// the allowed set. Must be mounted after RequireAuth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if id == nil {
				writeJWTError(w, http.StatusUnauthorized, "auth_required", "authentication required")
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJWTError(w, http.StatusForbidden, "forbidden", "insufficient role")
		})
	}
}

// IdentityFromContext retrieves the authenticated Identity from the request
// context. Returns nil if no identity is present (unauthenticated request).
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// errorEnvelope matches the api package's error envelope format. Defined
// locally to avoid importing the api package (circular dependency).
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJWTError writes a JSON error matching the API envelope format.
func writeJWTError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: msg}}) //nolint:errcheck
}
