package auth

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	issuer          = "labvisor"
)

// Config enables API authentication. Users come from the config file.
type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
	Users      []User        `mapstructure:"users"`
}

// Claims represents JWT claims
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Service checks credentials against the configured users and issues tokens.
type Service struct {
	users     map[string]User
	jwtSecret []byte
	tokenTTL  time.Duration
	enabled   bool
}

func NewService(cfg Config) (*Service, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		// tokens then only survive until restart
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		name := strings.TrimSpace(u.Username)
		if name == "" {
			return nil, fmt.Errorf("auth user without username")
		}
		if _, dup := users[name]; dup {
			return nil, fmt.Errorf("auth user %s defined twice", name)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth user %s: password_hash is not a bcrypt hash", name)
		}
		if len(u.Roles) == 0 {
			u.Roles = []string{RoleAdmin}
		}
		u.Username = name
		users[name] = u
	}
	if cfg.Enabled && len(users) == 0 {
		return nil, fmt.Errorf("auth enabled but no users configured")
	}
	return &Service{users: users, jwtSecret: secret, tokenTTL: ttl, enabled: cfg.Enabled}, nil
}

// Enabled reports whether requests must authenticate.
func (s *Service) Enabled() bool { return s != nil && s.enabled }

// Authenticate performs authentication based on the login request
func (s *Service) Authenticate(req LoginRequest) (*AuthResult, error) {
	switch req.Method {
	case AuthMethodBasic, "":
		return s.authenticateBasic(req.Username, req.Password)
	case AuthMethodJWT:
		return s.Verify(req.Token)
	default:
		return &AuthResult{Success: false}, fmt.Errorf("unsupported auth method: %s", req.Method)
	}
}

func (s *Service) authenticateBasic(username, password string) (*AuthResult, error) {
	if username == "" || password == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	u, ok := s.users[username]
	if !ok {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	token, err := s.Issue(u)
	if err != nil {
		return &AuthResult{Success: false}, fmt.Errorf("failed to generate token: %w", err)
	}
	return &AuthResult{Success: true, Username: u.Username, Roles: u.Roles, Token: token}, nil
}

// Issue signs a token for u.
func (s *Service) Issue(u User) (*Token, error) {
	now := time.Now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Username: u.Username,
		Roles:    u.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   u.Username,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify validates a bearer token. Tokens for users removed from the
// config are rejected.
func (s *Service) Verify(tokenString string) (*AuthResult, error) {
	if tokenString == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	if _, known := s.users[claims.Username]; !known {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return &AuthResult{Success: true, Username: claims.Username, Roles: claims.Roles}, nil
}

// HashPassword returns a bcrypt hash suitable for the password_hash setting.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
