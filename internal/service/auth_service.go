package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/config"
)

// Common auth errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenType distinguishes candidate tokens from other subsystems' tokens
// signed with the same secret.
type TokenType string

const (
	TokenTypeCandidate TokenType = "candidate"
	TokenTypeAdmin     TokenType = "admin"
)

// Claims extends JWT standard claims with app-specific fields.
// Tokens are issued by the auth subsystem; this service only verifies them.
type Claims struct {
	jwt.RegisteredClaims
	TokenType   TokenType `json:"token_type"`
	CandidateID string    `json:"candidate_id"`
	ExamIDs     []string  `json:"exam_ids,omitempty"` // Empty means any published exam
}

// CanTake reports whether the claims allow starting the given exam.
func (c *Claims) CanTake(examID string) bool {
	if len(c.ExamIDs) == 0 {
		return true
	}
	for _, id := range c.ExamIDs {
		if id == examID {
			return true
		}
	}
	return false
}

// AuthService verifies candidate JWTs.
type AuthService struct {
	secret []byte
	now    func() time.Time
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{secret: []byte(cfg.JWTSecret), now: time.Now}
}

// IssueCandidateToken signs a candidate token. Production tokens come from the
// auth subsystem; this exists for tooling and tests.
func (s *AuthService) IssueCandidateToken(candidateID string, ttl time.Duration, examIDs ...string) (string, error) {
	now := s.now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   candidateID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TokenType:   TokenTypeCandidate,
		CandidateID: candidateID,
		ExamIDs:     examIDs,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.CandidateID == "" {
		claims.CandidateID = claims.Subject
	}
	if claims.CandidateID == "" {
		return nil, fmt.Errorf("%w: missing candidate id", ErrTokenInvalid)
	}

	return claims, nil
}
