package httputil

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/aulaforms/aulaforms/require"
	"github.com/aulaforms/aulaforms/u"
)

func TestServeJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	ServeJSON(rec, http.StatusCreated, map[string]int{"n": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, `{"n":1}`, rec.Body.String())

	rec = httptest.NewRecorder()
	ServeError(rec, http.StatusBadRequest, "bad")
	require.Equal(t, `{"error":"bad"}`, rec.Body.String())
}

func TestReadJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	read := func(body string, ct string, max int64) (payload, error) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if ct != "" {
			r.Header.Set("Content-Type", ct)
		}
		var p payload
		err := ReadJSON(httptest.NewRecorder(), r, &p, max)
		return p, err
	}
	p, err := read(`{"name":"ana"}`, "application/json; charset=utf-8", 0)
	require.NoError(t, err)
	require.Equal(t, "ana", p.Name)

	_, err = read(`{"name":"ana","x":1}`, "", 0)
	require.Error(t, err)
	_, err = read(``, "", 0)
	require.Error(t, err)
	_, err = read(`{"name":"ana"}`, "text/plain", 0)
	require.Error(t, err)
	_, err = read(`{"name":"`+strings.Repeat("a", 100)+`"}`, "", 10)
	require.Error(t, err)
}

func TestServeDownload(t *testing.T) {
	rec := httptest.NewRecorder()
	ServeDownload(rec, "evaluacion_A1234.csv", "text/csv", []byte("a,b\n"))
	require.Equal(t, `attachment; filename=evaluacion_A1234.csv`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "a,b\n", rec.Body.String())
}

func TestCapturingResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := NewCapturingResponseWriter(rec)
	_, _ = cw.Write([]byte("hello"))
	require.Equal(t, http.StatusOK, cw.StatusCode)
	require.Equal(t, int64(5), cw.Size)

	cw = NewCapturingResponseWriter(httptest.NewRecorder())
	http.NotFound(cw, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNotFound, cw.StatusCode)
}

func TestStaticHandler(t *testing.T) {
	html := strings.Repeat("<p>formularios</p>", 50)
	h := NewStaticHandler(fstest.MapFS{
		"index.html": {Data: []byte(html)},
		"logo.png":   {Data: []byte("png")},
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, html, rec.Body.String())

	r.Header.Set("Accept-Encoding", "gzip, br")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, "br", rec.Header().Get("Content-Encoding"))
	d, err := u.BrDecompressData(rec.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, html, string(d))

	r = httptest.NewRequest(http.MethodGet, "/logo.png", nil)
	r.Header.Set("Accept-Encoding", "br")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, "", rec.Header().Get("Content-Encoding"))
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope.html", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlockBadClients(t *testing.T) {
	require.True(t, IsBadClient("/wp-login.php"))
	require.True(t, IsBadClient("/.env"))
	require.True(t, IsBadClient("/backup.SQL"))
	require.False(t, IsBadClient("/api/enroll"))

	called := false
	h := BlockBadClients(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wp-admin/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.False(t, called)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.True(t, called)
}

func TestRunShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer("", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, srv, ln, time.Second) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server didn't shut down")
	}
}
