package httputil

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/config"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/permissions"
)

// TokenClaims are the access token claims issued by the auth service
type TokenClaims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	PharmacyID  string   `json:"pharmacy_id"`
	BranchID    *string  `json:"branch_id,omitempty"`
}

// TokenVerifier validates HS256 access tokens
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier creates a verifier for tokens signed with the configured secret
func NewTokenVerifier(cfg config.JWTConfig) *TokenVerifier {
	return &TokenVerifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer}
}

// Verify parses and validates a token and returns its claims
func (v *TokenVerifier) Verify(tokenString string) (*TokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.TokenExpired()
		}
		return nil, errors.TokenInvalid()
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.TokenInvalid()
	}
	return claims, nil
}

// Sign issues a token for claims, valid for ttl. The auth service owns
// token issuance; this exists for tooling and tests.
func (v *TokenVerifier) Sign(claims TokenClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.Issuer = v.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Authenticate validates the bearer token and attaches the actor it names
// to the request context
func Authenticate(verifier *TokenVerifier, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				Error(w, errors.Unauthorized("missing authorization header"))
				return
			}

			scheme, tokenString, found := strings.Cut(authHeader, " ")
			if !found || scheme != "Bearer" || tokenString == "" {
				Error(w, errors.Unauthorized("invalid authorization header format"))
				return
			}

			claims, err := verifier.Verify(tokenString)
			if err != nil {
				log.Debug().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("token validation failed")
				Error(w, err)
				return
			}

			a := &actor.Actor{
				ID:          claims.Subject,
				Email:       claims.Email,
				Name:        claims.Name,
				Role:        claims.Role,
				PharmacyID:  claims.PharmacyID,
				BranchID:    claims.BranchID,
				Permissions: knownPermissions(claims.Permissions, log),
			}
			if holder, ok := r.Context().Value(actorHolderKey).(*actorHolder); ok {
				holder.actor = a
			}

			next.ServeHTTP(w, r.WithContext(actor.WithActor(r.Context(), a)))
		})
	}
}

// knownPermissions drops grants for other services. Tokens are shared across
// the platform, so only pharmacy permissions and wildcards covering them stay.
func knownPermissions(granted []string, log *logger.Logger) []string {
	kept := make([]string, 0, len(granted))
	for _, perm := range granted {
		if permissions.IsValidPermission(perm) {
			kept = append(kept, perm)
			continue
		}
		log.Debug().Str("permission", perm).Msg("ignoring unknown permission")
	}
	return kept
}

// RequirePermission rejects requests whose actor lacks permission
func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := actor.FromContext(r.Context())
			if a == nil {
				Error(w, errors.Unauthorized("authentication required"))
				return
			}
			if !a.Can(permission) {
				Error(w, errors.Forbidden("missing permission "+permission).WithDetail("permission", permission))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyPermission rejects requests whose actor holds none of perms
func RequireAnyPermission(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := actor.FromContext(r.Context())
			if a == nil {
				Error(w, errors.Unauthorized("authentication required"))
				return
			}
			if !a.CanAny(perms...) {
				Error(w, errors.Forbidden("missing permission").WithDetail("permissions", strings.Join(perms, ",")))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
