package middleware

import (
	"net/http"

	"github.com/edgemesh/edged/internal/config"
)

// applySecurityHeaders is the spec §4.C final stage: existing values are
// not overwritten unless the policy is marked force.
func applySecurityHeaders(h http.Header, policy config.SecurityHeaderPolicy) {
	for name, value := range policy.Headers {
		if !policy.Force && h.Get(name) != "" {
			continue
		}
		h.Set(name, value)
	}
}
