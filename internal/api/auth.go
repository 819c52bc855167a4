package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Claims are the identity token claims. The token is issued by the identity
// provider; scribe only verifies it and trusts the user id.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type ctxKey int

const accountKey ctxKey = iota

// accountID returns the authenticated account id set by authenticate.
func accountID(ctx context.Context) string {
	id, _ := ctx.Value(accountKey).(string)
	return id
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// ParseToken verifies an HS256 identity token.
func ParseToken(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// authenticate verifies the bearer token and makes sure the account exists,
// granting the starting balance on first sight.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.JWTSecret == "" {
			writeError(w, http.StatusServiceUnavailable, "authentication not configured")
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeErrorDetail(w, http.StatusUnauthorized, "missing bearer token", "unauthorized", nil)
			return
		}
		claims, err := ParseToken(token, []byte(s.cfg.JWTSecret))
		if err != nil {
			log.Debug().Err(err).Msg("token rejected")
			writeErrorDetail(w, http.StatusUnauthorized, "invalid token", "unauthorized", nil)
			return
		}

		_, created, err := s.svc.DB.EnsureAccount(r.Context(), claims.UserID, claims.Email, s.cfg.StartingBalance)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if created {
			log.Info().Str("account_id", claims.UserID).Int64("credits", s.cfg.StartingBalance).Msg("account created")
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, claims.UserID)))
	})
}

// adminOnly guards operator routes with the static admin key.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminKey)) != 1 {
			writeErrorDetail(w, http.StatusUnauthorized, "invalid admin key", "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
