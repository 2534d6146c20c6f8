package proxy

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// hopByHopHeaders are stripped before a request or response crosses the
// proxy boundary (spec §4.E), per RFC 7230 §6.1 plus the historically
// hop-by-hop Proxy-Connection.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"TE",
	"Trailer",
	"Upgrade",
	"Proxy-Authenticate",
	"Proxy-Authorization",
}

func stripHopByHop(h http.Header) {
	// Connection may additionally name other headers to strip (RFC 7230).
	conn := h.Get("Connection")
	for _, hdr := range hopByHopHeaders {
		h.Del(hdr)
	}
	if conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
}

// applyForwardHeaders sets X-Forwarded-*/Forwarded the way the spec's
// reverse proxy engine must (spec §4.E), generalized from a single fixed
// listener/service pairing to an arbitrary vhost+backend pairing: the
// listener's own TLS state (rather than a per-connection hint) decides the
// forwarded proto.
func applyForwardHeaders(r *http.Request, arrivedViaTLS bool) {
	host, hostPort := splitHostPortValue(r.Host)
	if host == "" {
		host, hostPort = splitHostPortValue(r.URL.Host)
	}

	proto := "http"
	if v := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); v != "" {
		proto = v
	} else if arrivedViaTLS {
		proto = "https"
	}
	ensureHeader(r, "X-Forwarded-Proto", proto)

	if host != "" {
		forwardHost := host
		if hostPort != "" {
			forwardHost = net.JoinHostPort(host, hostPort)
		}
		ensureHeader(r, "X-Forwarded-Host", forwardHost)
	}

	port := hostPort
	if v := r.Header.Get("X-Forwarded-Port"); v != "" {
		port = v
	} else if port == "" {
		if proto == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	ensureHeader(r, "X-Forwarded-Port", port)

	ip := ensureClientIPHeaders(r)
	appendForwardedHeader(r, proto, host, ip)

	if proto == "https" {
		r.URL.Scheme = "https"
	} else {
		r.URL.Scheme = "http"
	}
}

func splitHostPortValue(value string) (string, string) {
	if value == "" {
		return "", ""
	}
	if strings.Contains(value, ":") {
		if host, port, err := net.SplitHostPort(value); err == nil {
			return host, port
		}
	}
	return value, ""
}

func ensureClientIPHeaders(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	if ip == "" {
		return ""
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+ip)
	} else {
		r.Header.Set("X-Forwarded-For", ip)
	}
	ensureHeader(r, "X-Real-Ip", ip)
	return ip
}

func appendForwardedHeader(r *http.Request, proto, host, ip string) {
	parts := []string{fmt.Sprintf("proto=%s", proto)}
	if host != "" {
		parts = append(parts, fmt.Sprintf("host=%s", strings.ToLower(host)))
	}
	if ip != "" {
		parts = append(parts, fmt.Sprintf("for=%s", ip))
	}
	value := strings.Join(parts, ";")
	if prior := r.Header.Get("Forwarded"); prior != "" {
		r.Header.Set("Forwarded", prior+", "+value)
	} else {
		r.Header.Set("Forwarded", value)
	}
}

func ensureHeader(r *http.Request, key, value string) {
	if value == "" {
		return
	}
	if r.Header.Get(key) == "" {
		r.Header.Set(key, value)
	}
}

// clientIP extracts the request's source address for ip_hash keying and
// rate-limit dimensioning (spec §4.C/§4.E both need this).
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
