// Package middleware contains the auth gate applied to every non-static
// request and socket handshake.
package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"path"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ccmux/ccmux/internal/logger"
)

// staticExtensions bypass the gate so asset loads never 401 even when a
// public tunnel fronts the server
var staticExtensions = map[string]bool{
	".js": true, ".css": true, ".map": true, ".ico": true, ".png": true,
	".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".webp": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".txt": true,
	".json": true, ".webmanifest": true,
}

// AuthGate guards the HTTP surface with a process-lifetime token when
// remote access is enabled. Local requests always pass.
type AuthGate struct {
	enabled bool
	token   string
}

// NewAuthGate creates the gate; when enabled a fresh 128-bit token is
// generated and logged once so the operator can hand it out
func NewAuthGate(enabled bool) *AuthGate {
	g := &AuthGate{enabled: enabled}
	if enabled {
		g.token = generateToken()
		logger.Infof("🔑 Remote access token: %s", g.token)
	}
	return g
}

// generateToken renders 128 random bits as hex
func generateToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Token returns the current access token ("" when auth is disabled)
func (g *AuthGate) Token() string { return g.token }

// ValidToken compares a candidate against the process token in constant
// time
func (g *AuthGate) ValidToken(candidate string) bool {
	if !g.enabled {
		return true
	}
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(g.token)) == 1
}

// RequireAuth is the fiber middleware form of the gate
func (g *AuthGate) RequireAuth(c *fiber.Ctx) error {
	if !g.enabled {
		return c.Next()
	}

	if staticExtensions[strings.ToLower(path.Ext(c.Path()))] {
		return c.Next()
	}

	if isLocalRequest(c) {
		return c.Next()
	}

	token := c.Query("token")
	if token == "" {
		token = c.Get("X-Auth-Token")
	}
	if g.ValidToken(token) {
		return c.Next()
	}

	logger.Debugf("🔒 Rejected unauthenticated request to %s", c.Path())
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "authentication required",
	})
}

// isLocalRequest decides whether the request originated on this machine
// or a private network directly, rather than through the public tunnel.
// A forwarded host header always means remote; a forwarded-for chain is
// trusted only when its first hop is loopback or RFC1918; otherwise the
// Host header must name localhost.
func isLocalRequest(c *fiber.Ctx) bool {
	if c.Get("X-Forwarded-Host") != "" {
		return false
	}

	if xff := c.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		return isPrivateAddr(first)
	}

	host := c.Hostname()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// isPrivateAddr reports whether addr is loopback or RFC1918 private
func isPrivateAddr(addr string) bool {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		addr = h
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
