package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/aulaforms/aulaforms/log"
)

// MaxJSONBody is the default limit for request bodies read with ReadJSON
const MaxJSONBody = 1 << 20

// ServeJSON writes v as json with the given status code
func ServeJSON(w http.ResponseWriter, code int, v any) {
	d, err := json.Marshal(v)
	if err != nil {
		log.Errorf("httputil: json.Marshal() failed with '%s'\n", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(d)))
	w.WriteHeader(code)
	_, _ = w.Write(d)
}

// ErrorResponse is the body of error responses. Fields has per-field
// messages for invalid input.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func ServeError(w http.ResponseWriter, code int, msg string) {
	ServeJSON(w, code, ErrorResponse{Error: msg})
}

// ReadJSON decodes the body of r into v. Unknown fields are an error.
func ReadJSON(w http.ResponseWriter, r *http.Request, v any, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = MaxJSONBody
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			return fmt.Errorf("expected application/json, got '%s'", ct)
		}
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return fmt.Errorf("request body is larger than %d bytes", mbe.Limit)
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

// ServeDownload sends d as an attachment named fileName
func ServeDownload(w http.ResponseWriter, fileName string, contentType string, d []byte) {
	disp := mime.FormatMediaType("attachment", map[string]string{"filename": fileName})
	w.Header().Set("Content-Disposition", disp)
	if contentType != "" {
		if !strings.Contains(contentType, "charset") && strings.HasPrefix(contentType, "text/") {
			contentType += "; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(d)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d)
}
