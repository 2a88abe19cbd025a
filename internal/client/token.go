package client

import (
	"github.com/golang-jwt/jwt/v5"
)

// claims is the subset of access-token claims the client reads.
type claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// identityFromToken decodes the identity and role embedded in an access
// token without verifying its signature. The server verifies; the client
// only needs the labels.
func identityFromToken(token string) (identity, role string, ok bool) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return "", "", false
	}
	identity = c.Username
	if identity == "" {
		identity = c.Subject
	}
	return identity, c.Role, identity != "" || c.Role != ""
}
