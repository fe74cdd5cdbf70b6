package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims represents the claims carried on the conversation socket URL
type SessionClaims struct {
	SessionKey string `json:"session_key"`
	MerchantID string `json:"merchant_id,omitempty"`
	jwt.RegisteredClaims
}

// GenerateSessionToken signs a short-lived token identifying the session
func GenerateSessionToken(secret []byte, sessionKey, merchantID string) (string, error) {
	claims := &SessionClaims{
		SessionKey: sessionKey,
		MerchantID: merchantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateSessionToken validates a session token and returns the claims
func ValidateSessionToken(secret []byte, tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}
