package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the bearer token on push-channel upgrades. With no token
// configured every request is accepted; the bind address and origin
// allow-list are then the only gate.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := ExtractToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// ExtractToken reads a token from the Authorization header, falling back to
// the access_token query param for browsers that cannot set WS headers.
func ExtractToken(r *http.Request) string {
	const prefix = "Bearer "
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	return r.URL.Query().Get("access_token")
}
