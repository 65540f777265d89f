package log

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

func pickFirst(s string) string {
	parts := strings.Split(s, ",")
	return strings.TrimSpace(parts[0])
}

// BestRemoteAddress picks the most accurate IP address from client request
// needed because of proxies
func BestRemoteAddress(r *http.Request) string {
	h := r.Header
	for _, name := range []string{"CF-Connecting-IP", "X-Real-Ip", "X-Forwarded-For"} {
		if v := h.Get(name); v != "" {
			return pickFirst(v)
		}
	}
	return pickFirst(r.RemoteAddr)
}

// HTTPRequestLine formats a request as a single json line
func HTTPRequestLine(r *http.Request, code int, nWritten int64, dur time.Duration) ([]byte, error) {
	rawQuery := r.URL.RawQuery
	if len(rawQuery) > 128 {
		rawQuery = rawQuery[:128]
	}
	entry := map[string]any{
		"ts":     time.Now().UTC().Unix(),
		"method": r.Method,
		"url":    r.URL.Path,
		"query":  rawQuery,
		"ip":     BestRemoteAddress(r),
		"code":   code,
		"size":   nWritten,
		"dur":    float64(dur.Microseconds()) / 1000.0,
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		entry["ua"] = ua
	}
	buf := &strings.Builder{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// HTTPRequest logs a served request to http log
func HTTPRequest(r *http.Request, code int, nWritten int64, dur time.Duration) error {
	d, err := HTTPRequestLine(r, code, nWritten, dur)
	if err != nil {
		return err
	}
	mu.Lock()
	hl := httpLog
	mu.Unlock()
	return hl.Write(d)
}
