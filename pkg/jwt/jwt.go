package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"telecare-backend/pkg/constants"
)

// Claims represents API access token claims
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"` // patient, doctor, admin
	jwt.RegisteredClaims
}

// StreamClaims authorize one user on one consultation call's signaling channel
type StreamClaims struct {
	UserID uuid.UUID `json:"user_id"`
	CallID string    `json:"call_id"`
	jwt.RegisteredClaims
}

// JWTManager handles JWT token operations
type JWTManager struct {
	secretKey           string
	accessTokenDuration time.Duration
	streamTokenDuration time.Duration
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secretKey string, accessTokenDuration, streamTokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:           secretKey,
		accessTokenDuration: accessTokenDuration,
		streamTokenDuration: streamTokenDuration,
	}
}

// GenerateAccessToken creates a short-lived API access token
func (m *JWTManager) GenerateAccessToken(userID uuid.UUID, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "telecare-auth",
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{constants.AccessTokenAudience},
			ID:        uuid.New().String(),
		},
	}

	return m.sign(claims)
}

// GenerateStreamToken signs a signaling token for userID on callID.
// It returns the token and its expiry.
func (m *JWTManager) GenerateStreamToken(userID uuid.UUID, callID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.streamTokenDuration)
	claims := &StreamClaims{
		UserID: userID,
		CallID: callID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "telecare-video",
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{constants.StreamTokenAudience},
			ID:        uuid.New().String(),
		},
	}

	token, err := m.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateToken validates and parses an API access token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := m.parse(tokenString, claims, constants.AccessTokenAudience); err != nil {
		return nil, err
	}
	return claims, nil
}

// ValidateStreamToken validates and parses a signaling token
func (m *JWTManager) ValidateStreamToken(tokenString string) (*StreamClaims, error) {
	claims := &StreamClaims{}
	if err := m.parse(tokenString, claims, constants.StreamTokenAudience); err != nil {
		return nil, err
	}
	if claims.CallID == "" {
		return nil, fmt.Errorf("stream token has no call_id")
	}
	return claims, nil
}

func (m *JWTManager) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func (m *JWTManager) parse(tokenString string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	}, jwt.WithAudience(audience))
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}
