package jwtutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hivebot/botfleet/pkg/config"
)

var jwtConfig *config.JWTConfig

// OperatorClaims carries the identity of an operator or peer server acting
// against the fleet API.
type OperatorClaims struct {
	Subject    string `json:"sub_name"`
	ServerName string `json:"server_name,omitempty"`
	Role       string `json:"role,omitempty"` // 'operator', 'peer'
	jwt.RegisteredClaims
}

// Initialize sets up the JWT utility with configuration
func Initialize(config *config.JWTConfig) {
	jwtConfig = config
}

// GenerateToken creates a new JWT token for an operator
func GenerateToken(subject, role string) (string, error) {
	return generateTokenWithClaims(subject, "", role)
}

// GeneratePeerToken creates a token a server node uses to call a peer's
// internal endpoints.
func GeneratePeerToken(serverName string) (string, error) {
	return generateTokenWithClaims(serverName, serverName, "peer")
}

func generateTokenWithClaims(subject, serverName, role string) (string, error) {
	if jwtConfig == nil {
		return "", errors.New("JWT configuration not initialized")
	}

	claims := &OperatorClaims{
		Subject:    subject,
		ServerName: serverName,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(jwtConfig.ExpirationHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtConfig.SigningKey))
}

// ValidateToken validates the token and returns the claims
func ValidateToken(tokenString string) (*OperatorClaims, error) {
	if jwtConfig == nil {
		return nil, errors.New("JWT configuration not initialized")
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&OperatorClaims{},
		func(token *jwt.Token) (interface{}, error) {
			// Validate the signing method
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(jwtConfig.SigningKey), nil
		},
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}
