// Package auth guards the control API with a shared token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Method names how a request presented the token.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodBasic  Method = "basic" // token as the basic-auth password, any user
)

// ResultKey is the gin context key holding the accepted Method.
const ResultKey = "auth_method"

// Middleware checks requests against one token. A zero token disables it.
type Middleware struct {
	token []byte
}

// New returns a Middleware for token; an empty token accepts everything.
func New(token string) *Middleware {
	return &Middleware{token: []byte(strings.TrimSpace(token))}
}

// Enabled reports whether a token is configured.
func (m *Middleware) Enabled() bool { return len(m.token) > 0 }

// Authenticate returns the method that carried a valid token.
func (m *Middleware) Authenticate(r *http.Request) (Method, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return MethodBearer, m.match(strings.TrimSpace(parts[1]))
		}
	}
	if _, pw, ok := r.BasicAuth(); ok {
		return MethodBasic, m.match(pw)
	}
	return "", false
}

func (m *Middleware) match(got string) bool {
	return subtle.ConstantTimeCompare([]byte(got), m.token) == 1
}

// Gin aborts with 401 unless the request carries the token.
func (m *Middleware) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		method, ok := m.Authenticate(c.Request)
		if !ok {
			c.Header("WWW-Authenticate", `Bearer realm="devloop"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(ResultKey, method)
		c.Next()
	}
}
