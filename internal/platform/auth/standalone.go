package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

const (
	TokenIssuer   = "immunolab"
	TokenAudience = "immunolab-staff"
	staffSubject  = "staff"
)

// Standalone is the built-in staff login: one shared password, checked
// against a bcrypt hash, exchanged for a short-lived HS256 token.
type Standalone struct {
	passwordHash []byte
	signingKey   []byte
	ttl          time.Duration
	now          func() time.Time
}

func NewStandalone(passwordHash string, signingKey []byte, ttl time.Duration) *Standalone {
	return &Standalone{
		passwordHash: []byte(passwordHash),
		signingKey:   signingKey,
		ttl:          ttl,
		now:          time.Now,
	}
}

type loginRequest struct {
	Password string `json:"password"`
}

// TokenResponse is returned by a successful login.
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrInvalidPassword is returned by Authenticate on a mismatch.
var ErrInvalidPassword = errors.New("invalid password")

// Authenticate checks password and issues a staff token.
func (s *Standalone) Authenticate(password string) (*TokenResponse, error) {
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrInvalidPassword
		}
		return nil, fmt.Errorf("compare password hash: %w", err)
	}

	token, exp, err := s.IssueToken(staffSubject, []string{RoleStaff})
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int(s.ttl.Seconds()),
		ExpiresAt: exp,
	}, nil
}

// IssueToken signs a token for subject with the configured TTL.
func (s *Standalone) IssueToken(subject string, roles []string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Middleware validates tokens this Standalone issued.
func (s *Standalone) Middleware() echo.MiddlewareFunc {
	return JWTMiddleware(JWTConfig{
		Issuer:     TokenIssuer,
		Audience:   TokenAudience,
		SigningKey: s.signingKey,
	})
}

// LoginHandler handles POST /auth/login.
func (s *Standalone) LoginHandler(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON format")
	}
	if strings.TrimSpace(req.Password) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Password is required")
	}

	resp, err := s.Authenticate(req.Password)
	if errors.Is(err, ErrInvalidPassword) {
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid password")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Login failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, resp)
}
