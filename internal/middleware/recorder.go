package middleware

import (
	"bytes"
	"net/http"
	"strconv"
	"time"
)

// responseRecorder wraps the real http.ResponseWriter so the chain can
// both observe what dispatch wrote (for the access log and cache store)
// and still stream bytes to the client as they're produced, instead of
// buffering the whole response in memory.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
	tee         *bytes.Buffer // populated only when a cache Store follow-up needs the body
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	if r.tee != nil {
		r.tee.Write(b[:n])
	}
	return n, err
}

// bodyBytes returns what was tee'd, or nil if teeing was never armed.
func (r *responseRecorder) bodyBytes() []byte {
	if r.tee == nil {
		return nil
	}
	return r.tee.Bytes()
}

// discardResponseWriter satisfies http.ResponseWriter for a dispatch call
// whose output is only wanted via a responseRecorder's tee, never sent to
// a real client — used by the cache's background revalidation fetch.
type discardResponseWriter struct{ h http.Header }

func newDiscardResponseWriter() *discardResponseWriter {
	return &discardResponseWriter{h: make(http.Header)}
}

func (d *discardResponseWriter) Header() http.Header         { return d.h }
func (d *discardResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (d *discardResponseWriter) WriteHeader(int)              {}

func formatSeconds(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return strconv.Itoa(secs)
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
