package services

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// Role grants access to parts of the control surface.
type Role string

const (
	// RoleViewer may read entity state.
	RoleViewer Role = "viewer"
	// RoleFrontend may attach as the remote side of the sync channel.
	RoleFrontend Role = "frontend"
	// RoleController may create, mutate and close entities.
	RoleController Role = "controller"
)

type AuthService interface {
	GenerateToken(clientID string, role Role) (string, error)
	GenerateRefreshToken(clientID string, role Role) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
	CheckPermission(claims *Claims, required Role) error
	GetClientFromContext(ctx context.Context) (string, error)
}

type Claims struct {
	ClientID string `json:"client_id"`
	Role     Role   `json:"role"`
	Refresh  bool   `json:"refresh,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret       []byte
	issuer          string
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

func NewAuthService(
	jwtSecret string,
	issuer string,
	accessTokenTTL time.Duration,
	refreshTokenTTL time.Duration,
) AuthService {
	return &authService{
		jwtSecret:       []byte(jwtSecret),
		issuer:          issuer,
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
	}
}

func (s *authService) sign(clientID string, role Role, ttl time.Duration, refresh bool) (string, error) {
	now := time.Now()
	claims := &Claims{
		ClientID: clientID,
		Role:     role,
		Refresh:  refresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) GenerateToken(clientID string, role Role) (string, error) {
	return s.sign(clientID, role, s.accessTokenTTL, false)
}

func (s *authService) GenerateRefreshToken(clientID string, role Role) (string, error) {
	return s.sign(clientID, role, s.refreshTokenTTL, true)
}

func (s *authService) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Refresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.Refresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CheckPermission succeeds when the role in claims is at least required.
// A front-end token does not imply viewer or controller rights.
func (s *authService) CheckPermission(claims *Claims, required Role) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if claims.Role == required {
		return nil
	}

	roleHierarchy := map[Role]int{
		RoleViewer:     1,
		RoleController: 2,
	}
	have, ok := roleHierarchy[claims.Role]
	need, known := roleHierarchy[required]
	if ok && known && have >= need {
		return nil
	}
	return ErrUnauthorized
}

func (s *authService) GetClientFromContext(ctx context.Context) (string, error) {
	clientID, ok := ctx.Value("client_id").(string)
	if !ok || clientID == "" {
		return "", ErrUnauthorized
	}
	return clientID, nil
}
