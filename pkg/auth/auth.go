// Package auth verifies bearer tokens issued by the identity provider and
// attaches the resulting actor to the request context. Token issuance lives
// in the identity provider, not here.
package auth

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medflow/pharmanet/pkg/actor"
	"github.com/medflow/pharmanet/pkg/config"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/httputil"
	"github.com/medflow/pharmanet/pkg/logger"
)

// Claims is the access-token payload shared with the identity provider
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	SiteID string `json:"site_id,omitempty"`
}

// Directory looks up locally cached user profiles. Unknown users are
// reported with an error wrapping errors.ErrNotFound.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*actor.Actor, error)
}

// Verifier validates HS256 access tokens
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier for the configured secret and issuer
func NewVerifier(cfg *config.JWTConfig) *Verifier {
	return &Verifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer}
}

// Verify parses tokenString and returns its claims
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.Unauthenticated("token has expired")
		}
		return nil, errors.Unauthenticated("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.Unauthenticated("invalid token")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.Unauthenticated("token has no subject")
	}
	return claims, nil
}

// Middleware requires a valid bearer token and stores the actor in the
// request context. Name and site missing from the token are filled from dir
// when it is non-nil.
func Middleware(v *Verifier, dir Directory, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				httputil.Error(w, errors.Unauthenticated("missing bearer token"))
				return
			}

			claims, err := v.Verify(token)
			if err != nil {
				log.Debug().Err(err).Msg("token validation failed")
				httputil.Error(w, err)
				return
			}

			a := &actor.Actor{
				ID:     claims.UserID,
				Name:   claims.Name,
				Email:  claims.Email,
				SiteID: claims.SiteID,
			}
			if dir != nil && (a.SiteID == "" || a.Name == "") {
				cached, err := dir.Lookup(r.Context(), a.ID)
				if err != nil && !errors.Is(err, errors.ErrNotFound) {
					log.Warn().Err(err).Str("user_id", a.ID).Msg("user directory lookup failed")
				} else if err == nil && cached != nil {
					if a.SiteID == "" {
						a.SiteID = cached.SiteID
					}
					if a.Name == "" {
						a.Name = cached.Name
					}
				}
			}

			httputil.RecordActor(r.Context(), a)
			next.ServeHTTP(w, r.WithContext(actor.WithActor(r.Context(), a)))
		})
	}
}
