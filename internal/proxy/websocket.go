package proxy

import (
	"io"
	"net"
	"net/http"

	"github.com/edgemesh/edged/internal/edgeerr"
)

// serveWebSocket pins the upgraded connection to one backend for its
// lifetime and splices bytes bidirectionally, the same bidirectional-copy
// idiom the teacher's internal/services/proxy.go uses for raw TCP
// passthrough (handleConn), applied here to the one flow where an HTTP
// reverse proxy cannot treat the exchange as request/response: once the
// 101 Switching Protocols handshake is forwarded, framing is opaque to the
// proxy and must not be decoded (spec §4.E: "the selected target is
// pinned for the lifetime of the connection").
func (e *Engine) serveWebSocket(w http.ResponseWriter, r *http.Request, st *backendState, arrivedViaTLS bool) {
	t, err := st.balancer.pick(clientIP(r))
	if err != nil {
		writeProxyError(w, edgeerr.New(edgeerr.TransientNetworkError, "proxy.no_target", "no healthy upstream for websocket upgrade", err))
		return
	}
	cb := st.breakerFor(t.addr)
	if !cb.Allow() {
		writeProxyError(w, edgeerr.New(edgeerr.TransientNetworkError, "proxy.circuit_open", "upstream circuit open", nil))
		return
	}
	cb.markHalfOpenAttempt()

	backendConn, err := net.Dial("tcp", t.addr)
	if err != nil {
		cb.RecordFailure()
		writeProxyError(w, edgeerr.New(edgeerr.TransientNetworkError, "proxy.dial_failed", "could not reach upstream for websocket upgrade", err))
		return
	}
	defer backendConn.Close()

	applyForwardHeaders(r, arrivedViaTLS)
	if err := r.Write(backendConn); err != nil {
		cb.RecordFailure()
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		cb.RecordFailure()
		http.Error(w, "websocket upgrade not supported by this listener", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hj.Hijack()
	if err != nil {
		cb.RecordFailure()
		return
	}
	defer clientConn.Close()
	cb.RecordSuccess()

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(backendConn, clientConn); done <- struct{}{} }()
	go func() { _, _ = io.Copy(clientConn, backendConn); done <- struct{}{} }()
	<-done
}
