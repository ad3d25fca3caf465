package main

import (
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tokenExpired inspects the upstream bearer token's exp claim without
// verifying the signature; verification is the upstream's job, we only want
// to avoid sending requests that are guaranteed a 401. A token that cannot
// be parsed or carries no exp claim is treated as usable and left for the
// upstream to judge.
func tokenExpired(token string, now time.Time) bool {
	if token == "" {
		return false
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		slog.Debug("bearer token is not a parseable JWT, passing it through", "error", err)
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Before(now)
}
