package util

import (
	"net/http"
	"strings"
)

// ClientIP resolves the caller's IP for rate limiting. Precedence follows
// common edge deployments: Cloudflare's header, the first X-Forwarded-For
// entry, X-Real-IP, then the literal "unknown".
func ClientIP(h http.Header) string {
	if ip := strings.TrimSpace(h.Get("cf-connecting-ip")); ip != "" {
		return ip
	}
	if fwd := h.Get("x-forwarded-for"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(h.Get("x-real-ip")); ip != "" {
		return ip
	}
	return "unknown"
}
