package tlsmgr

import (
	"net/http"
	"strings"
	"sync"
)

// ChallengeSink publishes and serves ACME HTTP-01 tokens, grounded on the
// teacher's internal/remote/acme.ChallengeSink. ACMEProvider publishes
// HTTP-01 tokens into it through lego's Present/CleanUp hooks. The server's
// middleware chain does not mount its Handler, so a running edged does not
// answer challenge requests from it.
type ChallengeSink struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewChallengeSink constructs an empty token sink.
func NewChallengeSink() *ChallengeSink {
	return &ChallengeSink{tokens: make(map[string]string)}
}

// Put publishes a token's key authorization value.
func (c *ChallengeSink) Put(token, value string) {
	c.mu.Lock()
	c.tokens[token] = value
	c.mu.Unlock()
}

// Delete removes a token once the challenge has been validated or abandoned.
func (c *ChallengeSink) Delete(token string) {
	c.mu.Lock()
	delete(c.tokens, token)
	c.mu.Unlock()
}

const challengePrefix = "/.well-known/acme-challenge/"

// Handler serves HTTP-01 challenge responses. It must be mounted ahead of
// virtual host routing (spec §4.K) since a challenge request may arrive for
// a domain that has no vhost yet.
func (c *ChallengeSink) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, challengePrefix)
		c.mu.RLock()
		value, ok := c.tokens[token]
		c.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(value))
	})
}

// IsChallengeRequest reports whether the given request path is an ACME
// HTTP-01 challenge path that should bypass normal vhost routing.
func IsChallengeRequest(path string) bool {
	return strings.HasPrefix(path, challengePrefix)
}
