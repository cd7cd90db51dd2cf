package utils

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const RoleOperator = "operator"

type JwtCustomClaim struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	TenantId string `json:"tenant_id,omitempty"`
	jwt.StandardClaims
}

var ErrInvalidToken = errors.New("invalid token")

func jwtSecret() []byte {
	return []byte(os.Getenv("API_SECRET"))
}

func JwtGenerate(username, role, tenantId string, lifespan time.Duration) (string, error) {
	if len(jwtSecret()) == 0 {
		return "", errors.New("API_SECRET is not set")
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		Username: username,
		Role:     role,
		TenantId: tenantId,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(lifespan).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString(jwtSecret())
}

func JwtValidate(token string) (*JwtCustomClaim, error) {
	secret := jwtSecret()
	if len(secret) == 0 {
		return nil, errors.New("API_SECRET is not set")
	}
	parsed, err := jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claim, ok := parsed.Claims.(*JwtCustomClaim)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claim, nil
}
