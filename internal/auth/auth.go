// Package auth protects the control API. Users are declared in the config
// file with bcrypt password hashes; they authenticate with HTTP Basic or
// with a JWT obtained from the login endpoint.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrPermissionDenied   = errors.New("auth: permission denied")
	ErrInvalidConfig      = errors.New("auth: invalid config")
)

// AuthMethod represents the type of authentication
type AuthMethod string

const (
	AuthMethodBasic AuthMethod = "basic" // username/password
	AuthMethodJWT   AuthMethod = "jwt"   // bearer token
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Actions checked against roles.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	issuer          = "svcplane"
)

var rolePermissions = map[string][]string{
	RoleAdmin:    {ActionRead, ActionWrite},
	RoleOperator: {ActionRead, ActionWrite},
	RoleViewer:   {ActionRead},
}

type UserConfig struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"`
}

// Config is the [server.auth] section.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// JWTSecret signs tokens. When empty a random secret is generated and
	// tokens do not survive a restart.
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []UserConfig  `mapstructure:"users"`
}

// Claims represents JWT claims
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// Result is an authenticated caller.
type Result struct {
	Username string     `json:"username"`
	Roles    []string   `json:"roles"`
	Method   AuthMethod `json:"method"`
}

// Can reports whether the caller's roles allow action.
func (r *Result) Can(action string) bool {
	for _, role := range r.Roles {
		for _, a := range rolePermissions[role] {
			if a == action {
				return true
			}
		}
	}
	return false
}

// Service authenticates API callers.
type Service struct {
	users  map[string]UserConfig
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New validates c and builds a Service.
func New(c Config) (*Service, error) {
	s := &Service{
		users:  make(map[string]UserConfig, len(c.Users)),
		secret: []byte(c.JWTSecret),
		ttl:    c.TokenTTL,
		now:    time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	if len(s.secret) == 0 {
		s.secret = make([]byte, 32)
		if _, err := rand.Read(s.secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	for _, u := range c.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("%w: user without username", ErrInvalidConfig)
		}
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("%w: duplicate user %s", ErrInvalidConfig, u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("%w: user %s: password_hash is not a bcrypt hash", ErrInvalidConfig, u.Username)
		}
		for _, r := range u.Roles {
			if _, ok := rolePermissions[r]; !ok {
				return nil, fmt.Errorf("%w: user %s: unknown role %q", ErrInvalidConfig, u.Username, r)
			}
		}
		s.users[u.Username] = u
	}
	return s, nil
}

// HashPassword returns the bcrypt hash to put in password_hash.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("auth: empty password")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (s *Service) checkPassword(username, password string) (UserConfig, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		return UserConfig{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return UserConfig{}, ErrInvalidCredentials
	}
	return u, nil
}

// Login checks a username and password and issues a token.
func (s *Service) Login(username, password string) (Token, error) {
	u, err := s.checkPassword(username, password)
	if err != nil {
		return Token{}, err
	}
	now := s.now()
	expiresAt := now.Add(s.ttl)
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
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify validates a token issued by Login.
func (s *Service) Verify(token string) (*Result, error) {
	if token == "" {
		return nil, ErrInvalidCredentials
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	// a user removed from the config loses access before the token expires
	if _, ok := s.users[claims.Username]; !ok {
		return nil, ErrInvalidCredentials
	}
	return &Result{Username: claims.Username, Roles: claims.Roles, Method: AuthMethodJWT}, nil
}

// Authenticate accepts "Authorization: Bearer <jwt>" or HTTP Basic.
func (s *Service) Authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return s.Verify(strings.TrimSpace(value))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		u, err := s.checkPassword(username, password)
		if err != nil {
			return nil, err
		}
		return &Result{Username: u.Username, Roles: u.Roles, Method: AuthMethodBasic}, nil
	}
	return nil, ErrInvalidCredentials
}
