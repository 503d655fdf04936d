// Package authz turns the bearer token forwarded by the routing layer into a
// caller identity the engine can gate on. Session issuance and credential
// storage live outside this system.
package authz

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// Identity carries the caller facts every engine operation is gated on.
type Identity struct {
	UserID string
	Role   Role
}

var (
	// ErrForbidden signals the caller lacks the role or ownership for the action.
	ErrForbidden = errors.New("authz: forbidden")
	// ErrInvalidToken signals the forwarded token failed verification.
	ErrInvalidToken = errors.New("authz: invalid token")
)

// Verifier validates forwarded JWTs and extracts identities.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates an HMAC-signed token, returning the identity.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Identity{}, fmt.Errorf("%w: missing role claim", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, roleStr)
	}

	return Identity{UserID: userID, Role: role}, nil
}

// RequireRole fails closed unless the identity holds one of the given roles.
func RequireRole(id Identity, roles ...Role) error {
	for _, r := range roles {
		if id.Role == r {
			return nil
		}
	}
	return ErrForbidden
}

// IsAdmin reports whether the identity may use administrative escape hatches.
func IsAdmin(id Identity) bool {
	return id.Role == RoleAdmin
}

func isValidRole(role Role) bool {
	switch role {
	case RoleClient, RoleProvider, RoleAdmin:
		return true
	default:
		return false
	}
}
