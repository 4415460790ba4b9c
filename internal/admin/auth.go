package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultTokenExpiration is the default expiration time for JWT tokens.
	DefaultTokenExpiration = 24 * time.Hour

	// BcryptCost is the cost factor for bcrypt password hashing.
	BcryptCost = 12

	// MaxSessions caps concurrent admin sessions. The least recently used
	// session is evicted, which revokes its token.
	MaxSessions = 64

	tokenIssuer = "shiftkiosk"
)

var (
	// ErrInvalidCredentials is returned when login credentials are invalid.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned when a JWT token is invalid.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionNotFound is returned for a logged-out, evicted or expired session.
	ErrSessionNotFound = errors.New("session not found")
)

// Claims are the JWT claims of an admin token. RegisteredClaims.ID carries
// the session the token belongs to.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Session is a logged-in admin. A token is only accepted while its session
// exists.
type Session struct {
	ID           string
	UserID       string
	Username     string
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
}

// AuthService issues session-bound JWTs to admin users.
type AuthService struct {
	store           storage.AdminUserStore
	jwtSecret       []byte
	tokenExpiration time.Duration
	clock           shift.Clock
	logger          zerolog.Logger

	mu       sync.Mutex
	sessions *expirable.LRU[string, *Session]
}

// NewAuthService creates an authentication service. Token lifetimes follow
// clock so they agree with the rest of the kiosk.
func NewAuthService(store storage.AdminUserStore, jwtSecret string, tokenExpiration time.Duration, clock shift.Clock, logger zerolog.Logger) *AuthService {
	if tokenExpiration <= 0 {
		tokenExpiration = DefaultTokenExpiration
	}
	if clock == nil {
		clock = shift.RealClock{}
	}

	return &AuthService{
		store:           store,
		jwtSecret:       []byte(jwtSecret),
		tokenExpiration: tokenExpiration,
		clock:           clock,
		logger:          logger.With().Str("component", "admin-auth").Logger(),
		sessions:        expirable.NewLRU[string, *Session](MaxSessions, nil, tokenExpiration),
	}
}

// HashPassword hashes a password using bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against a hash.
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Login checks the credentials and opens a session. The returned token is
// bound to that session.
func (s *AuthService) Login(ctx context.Context, username, password string) (*Session, string, error) {
	user, err := s.store.Get(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("get user: %w", err)
	}

	if err := VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	now := s.clock.Now()
	if err := s.store.UpdateLastLogin(ctx, username, now); err != nil {
		s.logger.Warn().Err(err).Str("username", username).Msg("Failed to update last login")
	}

	sessionID, err := generateSessionID()
	if err != nil {
		return nil, "", fmt.Errorf("generate session ID: %w", err)
	}
	session := &Session{
		ID:           sessionID,
		UserID:       user.ID,
		Username:     user.Username,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.tokenExpiration),
	}

	token, err := s.signToken(session)
	if err != nil {
		return nil, "", err
	}

	s.sessions.Add(sessionID, session)
	return session, token, nil
}

// Logout ends a session, revoking its token.
func (s *AuthService) Logout(sessionID string) error {
	if !s.sessions.Remove(sessionID) {
		return ErrSessionNotFound
	}
	return nil
}

// Authenticate validates a token and returns its live session with the
// activity time bumped.
func (s *AuthService) Authenticate(tokenString string) (*Session, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	session, ok := s.sessions.Get(claims.ID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if now.After(session.ExpiresAt) {
		s.sessions.Remove(session.ID)
		return nil, ErrSessionNotFound
	}
	session.LastActivity = now
	snapshot := *session
	return &snapshot, nil
}

// ValidateToken checks a token's signature, issuer and lifetime.
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *AuthService) signToken(session *Session) (string, error) {
	claims := &Claims{
		UserID:   session.UserID,
		Username: session.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Issuer:    tokenIssuer,
			Subject:   session.Username,
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			NotBefore: jwt.NewNumericDate(session.CreatedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ActiveSessions returns the number of live sessions.
func (s *AuthService) ActiveSessions() int {
	return s.sessions.Len()
}

// ChangePassword replaces a user's password after checking the old one.
// Every session of that user is closed.
func (s *AuthService) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	user, err := s.store.Get(ctx, username)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	if err := VerifyPassword(oldPassword, user.PasswordHash); err != nil {
		return ErrInvalidCredentials
	}

	newHash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash new password: %w", err)
	}

	user.PasswordHash = newHash
	user.UpdatedAt = s.clock.Now()
	if err := s.store.Upsert(ctx, *user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}

	closed := 0
	for _, session := range s.sessions.Values() {
		if session.Username == username && s.sessions.Remove(session.ID) {
			closed++
		}
	}
	s.logger.Info().Str("username", username).Int("sessions_closed", closed).Msg("Admin password changed")
	return nil
}

func generateSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
