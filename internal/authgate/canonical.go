package authgate

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"strings"
)

// canonicalString builds the newline-joined signing input: method, path,
// raw query string, and body (forced empty for GET). No trailing newline.
func canonicalString(method, path, query string, body []byte) []byte {
	if method == "GET" {
		body = nil
	}
	parts := []string{strings.ToUpper(method), path, query, string(body)}
	return []byte(strings.Join(parts, "\n"))
}

// sign returns the lowercase-hex HMAC-SHA256 of canonical under secret.
func sign(secret, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature recomputes the expected signature and compares it to
// provided in constant time.
func verifySignature(secret, canonical []byte, provided string) bool {
	expected := sign(secret, canonical)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// classifyLoopback determines whether addr (an IP, possibly with a port)
// counts as loopback: IPv4 127.0.0.0/8 or IPv6 ::1 only.
func classifyLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// firstForwardedFor extracts the first (client-nearest is the original
// RFC 7239 convention for this header: leftmost is the originating
// client) entry of an X-Forwarded-For header value.
func firstForwardedFor(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Split(header, ",")
	return strings.TrimSpace(parts[0])
}
