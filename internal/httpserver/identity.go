package httpserver

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userCookieName = "ctf_user"

// userUUID returns the caller's pseudonymous identity from the ctf_user
// cookie, minting and setting a fresh v4 UUID if the cookie is absent or
// unparsable. There is no login: this cookie is the entire identity model.
func userUUID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(userCookieName); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     userCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// sourceIP extracts the caller's address from the first X-Forwarded-For hop,
// falling back to the socket peer when the header is absent (a direct
// connection, or a proxy that was configured not to set it).
func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLocalOrLinkLocal reports whether addr (host:port or bare host) names a
// loopback or link-local peer, the passwordless half of the admin-auth OR.
func isLocalOrLinkLocal(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast()
}
