package service

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/internal/models"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
)

// AuthService validates bearer tokens issued by the single-sign-on
// collaborator. Token issuance, sessions and passwords live there, not
// here.
type AuthService struct {
	secret []byte
	logger *zap.Logger
}

// NewAuthService constructs AuthService.
func NewAuthService(secret string, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{secret: []byte(secret), logger: logger}
}

// ValidateToken parses and verifies an access token, returning its claims.
func (s *AuthService) ValidateToken(tokenValue string) (*models.JWTClaims, error) {
	claims := &models.JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenValue, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "token expired")
		}
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	if !token.Valid || claims.UserID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return claims, nil
}

// ActorFromClaims builds the acting identity services operate on.
func ActorFromClaims(claims *models.JWTClaims) Actor {
	return Actor{ID: claims.UserID, TeamID: claims.TeamID, Permissions: claims.Permissions}
}
