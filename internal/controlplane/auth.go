package controlplane

import (
	"context"
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/lapig-ufg/tiles/internal/apierr"
)

// Authenticator checks a set of HTTP Basic credentials and reports whether
// they belong to a super-admin. The core never owns identity beyond this
// boolean: it has no notion of users, sessions or roles of its own, only
// whatever an Authenticator implementation hands back.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (superAdmin bool, err error)
}

// EnvAuthenticator is the default Authenticator: a single admin identity
// sourced from config (AdminUsername/AdminPassword), password compared via
// bcrypt the way an external user store would verify a stored hash, username
// compared in constant time to avoid leaking its length/contents through
// timing. There is exactly one role: super-admin or rejected.
type EnvAuthenticator struct {
	username     string
	passwordHash []byte
}

// NewEnvAuthenticator hashes password once at startup so every request pays
// only bcrypt's compare cost, not its (deliberately expensive) hash cost.
func NewEnvAuthenticator(username, password string) (*EnvAuthenticator, error) {
	if username == "" || password == "" {
		return nil, apierr.New(apierr.Internal, "admin username and password must both be set")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "hash admin password", err)
	}
	return &EnvAuthenticator{username: username, passwordHash: hash}, nil
}

func (a *EnvAuthenticator) Authenticate(_ context.Context, username, password string) (bool, error) {
	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passwordMatch := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil
	return usernameMatch && passwordMatch, nil
}

// basicAuth wraps next with HTTP Basic Authentication, rejecting with 401
// and a WWW-Authenticate challenge when credentials are absent, malformed, or
// the Authenticator doesn't grant super-admin.
func basicAuth(authn Authenticator, realm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				challenge(w, realm)
				return
			}
			superAdmin, err := authn.Authenticate(r.Context(), username, password)
			if err != nil || !superAdmin {
				challenge(w, realm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func challenge(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
