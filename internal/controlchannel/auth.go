package controlchannel

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the caller identity carried by a request's bearer token: the
// sub/user_group claims repurposed from HTTP bearer auth to control-channel
// request auth.
type Identity struct {
	User      string
	UserGroup string
}

// IssueToken mints a signed token asserting identity, valid for ttl.
func IssueToken(secret []byte, identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":        identity.User,
		"user_group": identity.UserGroup,
		"iss":        "queue-server",
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken validates tokenString against secret and extracts the identity
// claims. A zero Identity with no error is returned for an empty token
// string, letting callers treat "no token supplied" as anonymous.
func ParseToken(secret []byte, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, okAlg := token.Method.(*jwt.SigningMethodHMAC); !okAlg {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("invalid control-channel token: %w", err)
	}

	user, _ := claims["sub"].(string)
	group, _ := claims["user_group"].(string)
	return Identity{User: user, UserGroup: group}, nil
}
