package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *AuthResult.
const ResultKey = "auth_result"

// Middleware provides authentication middleware for HTTP handlers
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware {
	return &Middleware{svc: svc}
}

// GinAuth rejects unauthenticated requests when auth is enabled.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.svc.Enabled() {
			c.Next()
			return
		}
		res, err := m.authenticate(c.Request)
		if err != nil || !res.Success {
			c.Header("WWW-Authenticate", `Bearer realm="labvisor"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"code":  "Unauthorized",
			})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// GinRequireRole must run after GinAuth.
func (m *Middleware) GinRequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.svc.Enabled() {
			c.Next()
			return
		}
		v, _ := c.Get(ResultKey)
		res, _ := v.(*AuthResult)
		if !res.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "insufficient permissions",
				"code":  "Forbidden",
			})
			return
		}
		c.Next()
	}
}

// authenticate accepts a bearer token, HTTP basic credentials, or a
// token query parameter (EventSource cannot set headers).
func (m *Middleware) authenticate(r *http.Request) (*AuthResult, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.svc.Verify(strings.TrimSpace(parts[1]))
		}
	}
	if u, p, ok := r.BasicAuth(); ok {
		return m.svc.Authenticate(LoginRequest{Method: AuthMethodBasic, Username: u, Password: p})
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return m.svc.Verify(tok)
	}
	return &AuthResult{Success: false}, ErrInvalidCredentials
}
