package staticfile

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// serveRange handles a single-range "Range: bytes=start-end" request (spec
// §4.D: "only a single range is supported; multi-range requests fall back
// to a full 200 response"). Returns true if it fully handled the response.
func (h *Handler) serveRange(w http.ResponseWriter, r *http.Request, entry *cacheEntry, rangeHeader string) bool {
	if strings.Contains(rangeHeader, ",") {
		return false // multi-range: fall back to a full response
	}
	spec, ok := strings.CutPrefix(rangeHeader, "bytes=")
	if !ok {
		return false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return false
	}

	size := entry.size
	var start, end int64
	var err error
	switch {
	case parts[0] == "" && parts[1] != "":
		// suffix range: last N bytes
		var n int64
		n, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return false
		}
		if n > size {
			n = size
		}
		start = size - n
		end = size - 1
	case parts[0] != "":
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil || start < 0 || start >= size {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return true
		}
		if parts[1] == "" {
			end = size - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil || end < start {
				return false
			}
			if end >= size {
				end = size - 1
			}
		}
	default:
		return false
	}

	length := end - start + 1
	w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(size, 10))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)

	if r.Method == http.MethodHead {
		return true
	}
	f, openErr := os.Open(entry.path)
	if openErr != nil {
		return true
	}
	defer f.Close()
	if _, err := f.Seek(start, 0); err != nil {
		return true
	}
	_, _ = io.CopyN(w, f, length)
	return true
}
