package auth

import (
	"errors"
	"time"
)

// AuthMethod represents the type of authentication
type AuthMethod string

const (
	AuthMethodBasic AuthMethod = "basic" // username/password
	AuthMethodJWT   AuthMethod = "jwt"   // bearer token
)

// Roles understood by RequireRole, from most to least privileged. Each role
// implies the ones below it.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

var roleRank = map[string]int{RoleViewer: 1, RoleOperator: 2, RoleAdmin: 3}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDisabled           = errors.New("authentication disabled")
)

// User is a configured account. Passwords are stored as bcrypt hashes only.
type User struct {
	Username     string   `mapstructure:"username" json:"username"`
	PasswordHash string   `mapstructure:"password_hash" json:"-"`
	Roles        []string `mapstructure:"roles" json:"roles"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Success  bool     `json:"success"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Token    *Token   `json:"token,omitempty"`
}

// HasRole reports whether the result carries role or a role above it.
func (r *AuthResult) HasRole(role string) bool {
	if r == nil {
		return false
	}
	want, known := roleRank[role]
	for _, have := range r.Roles {
		if have == role || (known && roleRank[have] >= want) {
			return true
		}
	}
	return false
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Method   AuthMethod `json:"method"`
	Username string     `json:"username,omitempty"`
	Password string     `json:"password,omitempty"`
	Token    string     `json:"token,omitempty"`
}
