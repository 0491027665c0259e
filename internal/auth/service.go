package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"synapdocs/internal/guest"
	"synapdocs/internal/logging"
	"synapdocs/internal/models"
	"synapdocs/internal/redis"
)

const redisRevokedPrefix = "auth:revoked:"

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenRevoked  = errors.New("token revoked")
)

type Options struct {
	JWTSecret      string
	GuestSecret    string
	IdentityHeader string
	GuestsEnabled  bool
	GuestTTL       time.Duration
}

// Service validates identity tokens, mints guest sessions and revokes tokens.
type Service struct {
	jwtSecret       []byte
	guestSecret     []byte
	identityHeader  string
	guestsEnabled   bool
	guestTTL        time.Duration
	registry        *guest.Registry
	cache           *redis.Client
	logger          *zap.Logger
	headerName      string
	guestCookieName string
	csrfCookieName  string
	csrfHeaderName  string
	now             func() time.Time
}

// NewService constructs the auth service. cache may be nil, in which case
// logout cannot revoke bearer tokens server side.
func NewService(opts Options, registry *guest.Registry, cache *redis.Client, logger *zap.Logger) *Service {
	if opts.GuestTTL <= 0 {
		opts.GuestTTL = 5 * time.Hour
	}
	if registry == nil {
		registry = guest.NewRegistry()
	}
	return &Service{
		jwtSecret:       []byte(opts.JWTSecret),
		guestSecret:     []byte(opts.GuestSecret),
		identityHeader:  opts.IdentityHeader,
		guestsEnabled:   opts.GuestsEnabled,
		guestTTL:        opts.GuestTTL,
		registry:        registry,
		cache:           cache,
		logger:          logging.OrNop(logger),
		headerName:      "Authorization",
		guestCookieName: "GUEST_SESSION",
		csrfCookieName:  "csrf_token",
		csrfHeaderName:  "X-CSRF-Token",
		now:             time.Now,
	}
}

// IssueToken signs a user token valid for ttl. The deployment normally gets
// tokens from its identity provider; this is used by the CLI and tests.
func (s *Service) IssueToken(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("invalid user id")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ValidateToken verifies the signature, expiry and revocation state of a
// user token and returns its subject.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, error) {
	claims, err := s.parse(token, s.jwtSecret)
	if err != nil {
		return "", err
	}
	if s.cache.Enabled() {
		revoked, err := s.cache.Exists(ctx, revokedKey(token))
		if err != nil {
			return "", fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return "", ErrTokenRevoked
		}
	}
	return claims.Subject, nil
}

// RevokeToken blacklists token until it would have expired anyway.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if token == "" || !s.cache.Enabled() {
		return nil
	}
	claims, err := s.parse(token, s.jwtSecret)
	if err != nil {
		// already unusable
		return nil
	}
	ttl := time.Hour
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(s.now())
	}
	if ttl <= 0 {
		return nil
	}
	if err := s.cache.Set(ctx, revokedKey(token), claims.Subject, ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// NewGuest mints a guest identity and the signed cookie value that carries it.
func (s *Service) NewGuest() (models.GuestSession, string, error) {
	now := s.now()
	sess := models.GuestSession{ID: models.GuestPrefix + uuid.NewString(), CreatedAt: now}
	claims := jwt.RegisteredClaims{
		Subject:   sess.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.guestTTL)),
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.guestSecret)
	if err != nil {
		return models.GuestSession{}, "", fmt.Errorf("sign guest session: %w", err)
	}
	return sess, value, nil
}

// ParseGuest validates a guest cookie value.
func (s *Service) ParseGuest(value string) (models.GuestSession, error) {
	claims, err := s.parse(value, s.guestSecret)
	if err != nil {
		return models.GuestSession{}, err
	}
	if !models.IsGuest(claims.Subject) || claims.IssuedAt == nil {
		return models.GuestSession{}, ErrInvalidToken
	}
	return models.GuestSession{ID: claims.Subject, CreatedAt: claims.IssuedAt.Time}, nil
}

func (s *Service) parse(token string, secret []byte) (*jwt.RegisteredClaims, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func revokedKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return redisRevokedPrefix + hex.EncodeToString(sum[:])
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GuestCookieName returns the cookie storing guest sessions.
func (s *Service) GuestCookieName() string {
	return s.guestCookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// GuestTTL reports how long a guest session lives.
func (s *Service) GuestTTL() time.Duration {
	return s.guestTTL
}
