// Package auth resolves the caller of an API request into an Identity.
// How owners are established is a deployment choice, so handlers only see
// the Policy interface.
package auth

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
	"time"

	"vidpipe/apperr"
	"vidpipe/config"
	"vidpipe/models"
	"vidpipe/utils"
)

// Policy resolves the owner of a request. Failures are Forbidden errors.
type Policy interface {
	Resolve(r *http.Request) (models.Identity, error)
}

// RoleAdmin in a token's role claim grants access to every owner.
const RoleAdmin = "admin"

// JWTPolicy accepts HS256 bearer tokens; the subject is the owner.
type JWTPolicy struct {
	Secret []byte
	Issuer string
	Skew   time.Duration
	Now    func() time.Time
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", apperr.New(apperr.Forbidden, "authorization header required")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader || strings.TrimSpace(token) == "" {
		return "", apperr.New(apperr.Forbidden, "invalid authorization header format")
	}
	return token, nil
}

func (p JWTPolicy) Resolve(r *http.Request) (models.Identity, error) {
	token, err := bearerToken(r)
	if err != nil {
		return models.Identity{}, err
	}
	claims, err := utils.VerifyToken(token, utils.VerifyConfig{
		SecretKey:      p.Secret,
		ExpectedIssuer: p.Issuer,
		ClockSkew:      p.Skew,
		Now:            p.Now,
	})
	if err != nil {
		return models.Identity{}, apperr.Wrap(apperr.Forbidden, err, "invalid token")
	}
	return models.Identity{Owner: claims.Subject, IsAdmin: claims.Role == RoleAdmin}, nil
}

// HeaderPolicy trusts an owner header set by a gateway in front of the API.
type HeaderPolicy struct {
	Header string
	Admins []string
}

func (p HeaderPolicy) Resolve(r *http.Request) (models.Identity, error) {
	owner := strings.TrimSpace(r.Header.Get(p.Header))
	if owner == "" {
		return models.Identity{}, apperr.New(apperr.Forbidden, "missing %s header", p.Header)
	}
	return models.Identity{Owner: owner, IsAdmin: slices.Contains(p.Admins, owner)}, nil
}

// FromConfig builds the policy named by OWNER_POLICY.
func FromConfig(cfg config.Config) Policy {
	if cfg.OwnerPolicy == "header" {
		return HeaderPolicy{Header: cfg.OwnerHeader, Admins: cfg.AdminOwners}
	}
	return JWTPolicy{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer, Skew: 30 * time.Second}
}

// JobTokenValid checks the worker report secret. An unset token rejects
// every report.
func JobTokenValid(r *http.Request, header, token string) bool {
	got := r.Header.Get(header)
	if token == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
