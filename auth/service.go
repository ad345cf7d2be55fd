package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired signals a tenant token past its exp claim.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrNoCredentials signals that neither a token nor a signing secret is configured.
	ErrNoCredentials = errors.New("auth: no ledger credentials configured")
	// ErrInvalidToken signals a token that cannot be parsed or verified.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// ScopeLedger is the scope carried by service tokens issued for the ledger API.
const ScopeLedger = "ledger"

// refreshWindow is how long before expiry an issued token is replaced.
const refreshWindow = time.Minute

// Claims carried by service tokens.
type Claims struct {
	Login string `json:"login"`
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenSource supplies the bearer token for permissioned ledger calls.
type TokenSource struct {
	static string

	secret []byte
	login  string
	ttl    time.Duration

	mu     sync.Mutex
	cached string
	expiry time.Time

	now func() time.Time
}

// NewStaticTokenSource serves a pre-provisioned tenant JWT.
func NewStaticTokenSource(token string) *TokenSource {
	return &TokenSource{static: strings.TrimSpace(token), now: time.Now}
}

// NewIssuingTokenSource mints HS256 service tokens for login on demand.
func NewIssuingTokenSource(secret, login string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSource{secret: []byte(secret), login: login, ttl: ttl, now: time.Now}
}

// Token returns a usable bearer token. A static token past its exp yields
// ErrTokenExpired; callers treat that as non-recoverable.
func (s *TokenSource) Token() (string, error) {
	if s.static != "" {
		exp, err := expiryOf(s.static)
		if err != nil {
			return "", err
		}
		if !exp.IsZero() && !s.now().Before(exp) {
			return "", ErrTokenExpired
		}
		return s.static, nil
	}
	if len(s.secret) == 0 {
		return "", ErrNoCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" && s.now().Add(refreshWindow).Before(s.expiry) {
		return s.cached, nil
	}
	token, err := s.Issue(s.login, s.ttl)
	if err != nil {
		return "", err
	}
	s.cached = token
	s.expiry = s.now().Add(s.ttl)
	return token, nil
}

// Issue signs a service token for login valid for ttl.
func (s *TokenSource) Issue(login string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoCredentials
	}
	now := s.now()
	claims := Claims{
		Login: login,
		Scope: ScopeLedger,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token issued by this source and returns its claims.
func (s *TokenSource) Verify(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Login == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// expiryOf reads exp without verifying the signature; the ledger owns the key.
func expiryOf(tokenString string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
