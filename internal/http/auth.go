package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

type ctxKey int

const (
	principalKey ctxKey = iota
	scannerKey
	loggerKey
)

const scannerKeyHeader = "X-Scanner-Key"

// UserClaims is the bearer token issued by the identity service. Organization
// is set for promoters and names the organization they act for.
type UserClaims struct {
	Role         string `json:"role"`
	Organization string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens for user-facing routes.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Principal(token string) (domain.Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &UserClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.Principal{}, errors.Mark(errors.Wrap(err, "bearer token"), domain.ErrUnauthorized)
	}
	claims, ok := parsed.Claims.(*UserClaims)
	if !ok || !parsed.Valid {
		return domain.Principal{}, errors.Wrap(domain.ErrUnauthorized, "bearer token claims")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return domain.Principal{}, errors.Wrap(domain.ErrUnauthorized, "bearer token subject")
	}
	p := domain.Principal{UserID: userID, Role: domain.Role(claims.Role)}
	if claims.Organization != "" {
		p.OrganizationID, err = uuid.Parse(claims.Organization)
		if err != nil {
			return domain.Principal{}, errors.Wrap(domain.ErrUnauthorized, "bearer token organization")
		}
	}
	return p, nil
}

// Middleware attaches the caller's principal. Requests without a bearer token
// continue anonymously and are rejected by the operations that need a user.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, r, errors.Wrap(domain.ErrUnauthorized, "authorization header is not a bearer token"))
			return
		}
		p, err := a.Principal(strings.TrimSpace(token))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, p)
		ctx = context.WithValue(ctx, loggerKey, loggerFrom(ctx).WithField("user_id", p.UserID.String()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(principalKey).(domain.Principal)
	return p
}

// ScannerAuthenticator resolves scanner API keys.
type ScannerAuthenticator interface {
	AuthenticateScanner(ctx context.Context, apiKey string) (domain.ScannerIdentity, error)
}

func ScannerAuthMiddleware(auth ScannerAuthenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(scannerKeyHeader)
			if key == "" {
				writeError(w, r, errors.Wrap(domain.ErrUnauthorized, "missing scanner key"))
				return
			}
			identity, err := auth.AuthenticateScanner(r.Context(), key)
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), scannerKey, identity)
			ctx = context.WithValue(ctx, loggerKey, loggerFrom(ctx).WithField("scanner_id", identity.ScannerID.String()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func scannerFrom(ctx context.Context) domain.ScannerIdentity {
	s, _ := ctx.Value(scannerKey).(domain.ScannerIdentity)
	return s
}
