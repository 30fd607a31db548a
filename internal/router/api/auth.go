package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidAdminToken is returned when a bearer token fails verification.
var ErrInvalidAdminToken = errors.New("invalid admin token")

// AdminAuthConfig configures bearer auth for the monitoring mutation
// routes. Two verification modes are supported and tried in order: a
// static token compared against TokenHash, then an HS256 service token
// verified with JWTSecret. When neither is set, auth is disabled and
// requests pass through. That is the development default.
type AdminAuthConfig struct {
	// TokenHash is the bcrypt hash of the static admin token.
	TokenHash string

	// JWTSecret is the HMAC secret for HS256 service tokens.
	JWTSecret string

	// JWTIssuer, when set, must match the token's iss claim.
	JWTIssuer string

	// JWTAudience, when set, must appear in the token's aud claim.
	JWTAudience string
}

// Enabled reports whether any verification mode is configured.
func (c AdminAuthConfig) Enabled() bool {
	return c.TokenHash != "" || c.JWTSecret != ""
}

// AdminAuth is the bearer auth middleware for admin mutations.
type AdminAuth struct {
	cfg AdminAuthConfig
}

// NewAdminAuth creates the middleware from config.
func NewAdminAuth(cfg AdminAuthConfig) *AdminAuth {
	if cfg.Enabled() {
		slog.Info("Admin auth enabled for monitoring mutations",
			"staticToken", cfg.TokenHash != "",
			"serviceTokens", cfg.JWTSecret != "")
	}
	return &AdminAuth{cfg: cfg}
}

// RequireAdmin rejects requests without a valid admin bearer token.
// A missing token yields 401, a failed verification 403. With no
// verification mode configured the request passes through.
func (a *AdminAuth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}

		if err := a.verify(token); err != nil {
			slog.Debug("Admin token rejected", "error", err)
			writeJSONError(w, http.StatusForbidden, "forbidden", "Invalid admin credentials")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) verify(token string) error {
	if a.cfg.TokenHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(a.cfg.TokenHash), []byte(token)) == nil {
			return nil
		}
	}
	if a.cfg.JWTSecret != "" {
		return a.verifyServiceToken(token)
	}
	return ErrInvalidAdminToken
}

// verifyServiceToken validates an HS256 JWT against the configured secret,
// issuer, and audience.
func (a *AdminAuth) verifyServiceToken(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidAdminToken
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return ErrInvalidAdminToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidAdminToken
	}

	if a.cfg.JWTIssuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != a.cfg.JWTIssuer {
			return ErrInvalidAdminToken
		}
	}

	if a.cfg.JWTAudience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAdminToken
		}
		found := false
		for _, v := range aud {
			if v == a.cfg.JWTAudience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAdminToken
		}
	}

	return nil
}

// extractBearerToken extracts the token from the Authorization header
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return parts[1]
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + code + `","message":"` + message + `"}`))
}
