package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const principalKey = "custody.principal"

// ErrUnauthenticated is returned when no valid credentials are presented.
var ErrUnauthenticated = errors.New("authentication required")

// Principal is the authenticated caller.
type Principal struct {
	ID    string
	Admin bool
}

// Authenticator resolves the caller of a request. Session handling lives in
// the surrounding platform; this is the capability it hands us.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// TokenAuthenticator maps static bearer tokens to principals.
type TokenAuthenticator struct {
	tokens map[string]Principal
}

// NewTokenAuthenticator builds an authenticator from token -> user id pairs.
// Users listed in admins may read every task.
func NewTokenAuthenticator(tokens map[string]string, admins []string) *TokenAuthenticator {
	isAdmin := make(map[string]bool, len(admins))
	for _, id := range admins {
		isAdmin[strings.TrimSpace(id)] = true
	}
	out := make(map[string]Principal, len(tokens))
	for token, id := range tokens {
		token, id = strings.TrimSpace(token), strings.TrimSpace(id)
		if token == "" || id == "" {
			continue
		}
		out[token] = Principal{ID: id, Admin: isAdmin[id]}
	}
	return &TokenAuthenticator{tokens: out}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	p, ok := a.tokens[strings.TrimSpace(token)]
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	return p, nil
}

// requireAuth rejects unauthenticated requests and stores the principal.
func (s *Server) requireAuth(c *gin.Context) {
	if s.auth == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated.Error()})
		return
	}
	p, err := s.auth.Authenticate(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Set(principalKey, p)
	c.Next()
}

func principalFrom(c *gin.Context) Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(Principal); ok {
			return p
		}
	}
	return Principal{}
}
