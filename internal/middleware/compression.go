package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/edgemesh/edged/internal/config"
)

// encoding is one negotiated content-coding.
type encoding string

const (
	encIdentity encoding = "identity"
	encGzip     encoding = "gzip"
	encBrotli   encoding = "br"
	encZstd     encoding = "zstd"
)

// Compressor implements the spec §4.C compression stage: Accept-Encoding
// q-value negotiation against a configured preference order, filtered by
// client capability, skipping bodies below min_size or of a denied type.
type Compressor struct {
	cfg   config.CompressionConfig
	order []encoding
}

// NewCompressor builds a Compressor from the snapshot's CompressionConfig,
// translating its string preference list ("zstd","br","gzip") into the
// internal encoding order, defaulting to the spec's Zstd > Brotli > Gzip >
// identity when unconfigured.
func NewCompressor(cfg config.CompressionConfig) *Compressor {
	order := make([]encoding, 0, len(cfg.Preference))
	for _, p := range cfg.Preference {
		switch strings.ToLower(p) {
		case "zstd":
			order = append(order, encZstd)
		case "br", "brotli":
			order = append(order, encBrotli)
		case "gzip":
			order = append(order, encGzip)
		}
	}
	if len(order) == 0 {
		order = []encoding{encZstd, encBrotli, encGzip}
	}
	return &Compressor{cfg: cfg, order: order}
}

// Negotiate picks the best encoding from r's Accept-Encoding header that
// both the client accepts and the server prefers, per spec §4.C's ordered
// preference filtered by client capability. Returns encIdentity if
// compression is disabled or nothing else qualifies.
func (c *Compressor) Negotiate(r *http.Request) encoding {
	if c == nil || !c.cfg.Enabled {
		return encIdentity
	}
	header := r.Header.Get("Accept-Encoding")
	if header == "" {
		return encIdentity
	}
	accepted := parseAcceptEncoding(header)
	for _, pref := range c.order {
		if q, ok := accepted[string(pref)]; ok && q > 0 {
			return pref
		}
	}
	if q, ok := accepted["*"]; ok && q > 0 {
		return c.order[0]
	}
	return encIdentity
}

func parseAcceptEncoding(header string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, q := part, 1.0
		if i := strings.Index(part, ";"); i >= 0 {
			name = strings.TrimSpace(part[:i])
			params := part[i+1:]
			if j := strings.Index(params, "q="); j >= 0 {
				if v, err := strconv.ParseFloat(strings.TrimSpace(params[j+2:]), 64); err == nil {
					q = v
				}
			}
		}
		out[strings.ToLower(name)] = q
	}
	return out
}

// compressWriter wraps a responseRecorder to transparently compress the
// body dispatch writes, deferring the encoder choice until the first
// Write call so a response below MinSize (or of a denied content type)
// can still be served uncompressed.
type compressWriter struct {
	*responseRecorder
	enc      encoding
	comp     *Compressor
	encoder  io.WriteCloser
	decided  bool
	usePlain bool
}

func wrapCompression(rec *responseRecorder, enc encoding, comp *Compressor) *compressWriter {
	return &compressWriter{responseRecorder: rec, enc: enc, comp: comp}
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.decided {
		cw.decide(b)
	}
	if cw.usePlain {
		return cw.responseRecorder.Write(b)
	}
	return cw.encoder.Write(b)
}

func (cw *compressWriter) decide(firstChunk []byte) {
	cw.decided = true
	ct := cw.Header().Get("Content-Type")
	cl := cw.Header().Get("Content-Length")
	size, _ := strconv.ParseInt(cl, 10, 64)

	denied := false
	for _, t := range cw.comp.cfg.DenyTypes {
		if strings.Contains(ct, t) {
			denied = true
			break
		}
	}
	tooSmall := cw.comp.cfg.MinSize > 0 && cl != "" && size < cw.comp.cfg.MinSize

	if cw.enc == encIdentity || denied || tooSmall {
		cw.usePlain = true
		return
	}

	cw.Header().Set("Content-Encoding", string(cw.enc))
	cw.Header().Add("Vary", "Accept-Encoding")
	cw.Header().Del("Content-Length") // length changes once compressed

	switch cw.enc {
	case encGzip:
		cw.encoder, _ = gzip.NewWriterLevel(cw.responseRecorder, gzip.DefaultCompression)
	case encBrotli:
		cw.encoder = brotli.NewWriter(cw.responseRecorder)
	case encZstd:
		zw, _ := zstd.NewWriter(cw.responseRecorder)
		cw.encoder = zw
	default:
		cw.usePlain = true
	}
}

func (cw *compressWriter) Close() {
	if cw.encoder != nil {
		_ = cw.encoder.Close()
	}
}
