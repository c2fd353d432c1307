package server

import (
	"net/http"
	"slices"
)

// OriginChecker accepts websocket upgrades from the configured origins.
// An empty list, or one containing "*", accepts every origin.
type OriginChecker struct {
	allowedOrigins []string
}

func NewOriginChecker(allowedOrigins []string) *OriginChecker {
	return &OriginChecker{
		allowedOrigins,
	}
}

func (c *OriginChecker) Check(r *http.Request) bool {
	if len(c.allowedOrigins) == 0 || slices.Contains(c.allowedOrigins, "*") {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(c.allowedOrigins, origin)
}
