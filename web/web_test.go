package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aulaforms/aulaforms/attendance"
	"github.com/aulaforms/aulaforms/enroll"
	"github.com/aulaforms/aulaforms/filelock"
	"github.com/aulaforms/aulaforms/grading"
	"github.com/aulaforms/aulaforms/httputil"
	"github.com/aulaforms/aulaforms/mailer"
	"github.com/aulaforms/aulaforms/pool"
	"github.com/aulaforms/aulaforms/recordstore"
	"github.com/aulaforms/aulaforms/remote"
	"github.com/aulaforms/aulaforms/require"
	"github.com/aulaforms/aulaforms/retry"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	srv    *httptest.Server
	mem    *remote.MemFS
	mailer *mailer.ConsoleSender
}

func hashPassword(t *testing.T, pwd string) string {
	h, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newTestEnv(t *testing.T) *testEnv {
	m := remote.NewMemFS()
	fast := retry.Policy{MaxAttempts: 2, Delay: time.Millisecond}
	p := pool.New(pool.Config{Capacity: 10, Dial: fast}, m.Dial)
	t.Cleanup(p.Shutdown)
	store := recordstore.New(recordstore.Config{
		BaseDir: "/srv/forms",
		Retry:   fast,
		Lock:    filelock.Config{Attempts: 2000, Interval: time.Millisecond},
	}, p)
	ms := mailer.NewConsoleSender(mailer.Address("forms@example.edu", ""))
	ms.Quiet = true

	files := map[string]string{"Estadística no Paramétrica": "parametrica.csv"}
	s := New(Config{
		Store: store,
		Grading: grading.New(store, grading.Config{
			File:   "calificaciones.csv",
			Mailer: ms,
		}),
		Enroll: enroll.New(store, enroll.Config{
			MasterFile:        "materias.csv",
			Catalog:           enroll.NewCatalog(files, enroll.DefaultSyllabi()),
			Mailer:            ms,
			AdminPasswordHash: hashPassword(t, "profe123"),
		}),
		Attendance: attendance.New(store, attendance.Config{
			Dir:          "asistencia",
			FilePrefix:   "asistencia_",
			PasswordHash: hashPassword(t, "clave"),
			Employee:     attendance.Employee{Name: "Carlos Ramírez", Position: "Técnico", Shift: "Matutino"},
		}),
		Version: "test",
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mem: m, mailer: ms}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, hdr map[string]string) (*http.Response, []byte) {
	var rd io.Reader
	if body != nil {
		d, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(d)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rsp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer rsp.Body.Close()
	d, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	return rsp, d
}

func decode[T any](t *testing.T, d []byte) T {
	var v T
	require.NoError(t, json.Unmarshal(d, &v), "%s", d)
	return v
}

func correctAnswers() []string {
	var res []string
	for _, q := range grading.DefaultQuiz().Questions {
		res = append(res, q.Answer)
	}
	return res
}

func TestStatus(t *testing.T) {
	e := newTestEnv(t)
	rsp, d := e.do(t, "GET", "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	st := decode[statusResponse](t, d)
	require.Equal(t, "ok", st.Remote)
	require.Equal(t, "test", st.Version)
	require.Equal(t, 10, st.Pool.Capacity)
	require.Len(t, st.Files, 3)
	require.False(t, st.Files[0].Exists)

	for range 10 {
		e.mem.FailNext(remote.OpDial, errors.New("no route to host"))
	}
	// the conn from the first request is re-used, kill it to force a dial
	e.mem.Kill()
	rsp, d = e.do(t, "GET", "/api/status", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rsp.StatusCode)
	st = decode[statusResponse](t, d)
	require.Equal(t, "unavailable", st.Remote)
}

func TestQuizHidesAnswers(t *testing.T) {
	e := newTestEnv(t)
	rsp, d := e.do(t, "GET", "/api/grading/quiz", nil, nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	require.False(t, bytes.Contains(d, []byte(`"answer"`)))
	q := decode[grading.Quiz](t, d)
	require.Equal(t, len(grading.DefaultQuiz().Questions), len(q.Questions))
}

func TestSubmit(t *testing.T) {
	e := newTestEnv(t)
	sub := map[string]any{
		"student_id": "A1234",
		"name":       "María López",
		"email":      "Maria@Example.com",
		"answers":    correctAnswers(),
	}
	rsp, d := e.do(t, "POST", "/api/grading/submit", sub, nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode, "%s", d)
	res := decode[grading.Result](t, d)
	require.Equal(t, res.Total, res.Score)
	require.True(t, res.Passed)
	require.True(t, res.Emailed)

	got, ok := e.mem.Get("/srv/forms/calificaciones.csv")
	require.True(t, ok)
	require.True(t, strings.Contains(string(got), "A1234,María López,maria@example.com,5"), "%s", got)
	require.Equal(t, 1, len(e.mailer.Sent()))
}

func TestSubmitInvalid(t *testing.T) {
	e := newTestEnv(t)
	sub := map[string]any{"student_id": "A1", "name": "María", "email": "nope"}
	rsp, d := e.do(t, "POST", "/api/grading/submit", sub, nil)
	require.Equal(t, http.StatusBadRequest, rsp.StatusCode)
	er := decode[httputil.ErrorResponse](t, d)
	require.Equal(t, 3, len(er.Fields), "%v", er.Fields)
	_, ok := e.mem.Get("/srv/forms/calificaciones.csv")
	require.False(t, ok)

	rsp, _ = e.do(t, "POST", "/api/grading/submit", map[string]any{"bogus": 1}, nil)
	require.Equal(t, http.StatusBadRequest, rsp.StatusCode)
}

func TestSubmitRemoteDown(t *testing.T) {
	e := newTestEnv(t)
	for range 10 {
		e.mem.FailNext(remote.OpDial, errors.New("connection refused"))
	}
	sub := map[string]any{
		"student_id": "A1234",
		"name":       "María López",
		"email":      "maria@example.com",
		"answers":    correctAnswers(),
	}
	rsp, d := e.do(t, "POST", "/api/grading/submit", sub, nil)
	require.Equal(t, http.StatusServiceUnavailable, rsp.StatusCode, "%s", d)
	er := decode[httputil.ErrorResponse](t, d)
	require.True(t, strings.Contains(er.Error, "conexión"), er.Error)
}

func TestResultsCSV(t *testing.T) {
	e := newTestEnv(t)
	req := map[string]any{"student_id": "A1234", "answers": []string{"x"}}
	rsp, d := e.do(t, "POST", "/api/grading/results.csv", req, nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	require.True(t, strings.HasPrefix(rsp.Header.Get("Content-Type"), "text/csv"))
	require.True(t, strings.Contains(rsp.Header.Get("Content-Disposition"), "_A1234_"))
	require.True(t, strings.HasPrefix(string(d), "Pregunta,Tu respuesta,Respuesta correcta,Resultado\n"))

	req["student_id"] = "../x"
	rsp, _ = e.do(t, "POST", "/api/grading/results.csv", req, nil)
	require.Equal(t, http.StatusBadRequest, rsp.StatusCode)
}

func TestEnroll(t *testing.T) {
	e := newTestEnv(t)
	rsp, d := e.do(t, "GET", "/api/enroll/subjects", nil, nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	subjects := decode[[]enroll.Subject](t, d)
	require.Equal(t, 1, len(subjects))
	require.NotNil(t, subjects[0].Syllabus)

	reg := map[string]any{
		"name":     "Ana Torres",
		"email":    "ana@example.com",
		"subjects": []string{"Estadística no Paramétrica"},
	}
	rsp, d = e.do(t, "POST", "/api/enroll", reg, nil)
	require.Equal(t, http.StatusCreated, rsp.StatusCode, "%s", d)

	rsp, _ = e.do(t, "POST", "/api/enroll", reg, nil)
	require.Equal(t, http.StatusConflict, rsp.StatusCode)

	reg["email"] = "otra@example.com"
	reg["subjects"] = []string{"Estadistica no Parametrik"}
	rsp, d = e.do(t, "POST", "/api/enroll", reg, nil)
	require.Equal(t, http.StatusBadRequest, rsp.StatusCode)
	er := decode[httputil.ErrorResponse](t, d)
	require.True(t, strings.Contains(er.Error, "¿Quisiste decir 'Estadística no Paramétrica'?"), er.Error)
}

func TestStudentsRequiresAdmin(t *testing.T) {
	e := newTestEnv(t)
	reg := map[string]any{
		"name":     "Ana Torres",
		"email":    "ana@example.com",
		"subjects": []string{"Estadística no Paramétrica"},
	}
	rsp, _ := e.do(t, "POST", "/api/enroll", reg, nil)
	require.Equal(t, http.StatusCreated, rsp.StatusCode)

	rsp, _ = e.do(t, "GET", "/api/enroll/students", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rsp.StatusCode)
	rsp, _ = e.do(t, "GET", "/api/enroll/students", nil, map[string]string{AdminPasswordHeader: "nope"})
	require.Equal(t, http.StatusUnauthorized, rsp.StatusCode)

	admin := map[string]string{AdminPasswordHeader: "profe123"}
	rsp, d := e.do(t, "GET", "/api/enroll/students?subject=estadística+no+paramétrica", nil, admin)
	require.Equal(t, http.StatusOK, rsp.StatusCode, "%s", d)
	students := decode[[]enroll.Student](t, d)
	require.Equal(t, 1, len(students))
	require.Equal(t, "ana@example.com", students[0].Email)

	rsp, d = e.do(t, "GET", "/api/enroll/students", nil, admin)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	require.Equal(t, 1, len(decode[[]enroll.Student](t, d)))
}

func postMultipart(t *testing.T, e *testEnv, path string, fields map[string][]string, fileName string, file []byte) *http.Response {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, vals := range fields {
		for _, v := range vals {
			require.NoError(t, mw.WriteField(k, v))
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req, err := http.NewRequest("POST", e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(AdminPasswordHeader, "profe123")
	rsp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = rsp.Body.Close()
	return rsp
}

func TestNotify(t *testing.T) {
	e := newTestEnv(t)
	fields := map[string][]string{
		"to":      {"ana@example.com"},
		"subject": {"Tarea 3"},
		"body":    {"Adjunto la tarea."},
	}
	rsp := postMultipart(t, e, "/api/enroll/notify", fields, "tarea3.pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	sent := e.mailer.Sent()
	require.Equal(t, 1, len(sent))
	require.Equal(t, "application/pdf", sent[0].Attachments[0].ContentType)

	rsp = postMultipart(t, e, "/api/enroll/notify", fields, "tarea3.exe", []byte("MZ"))
	require.Equal(t, http.StatusBadRequest, rsp.StatusCode)
}

func TestBroadcast(t *testing.T) {
	e := newTestEnv(t)
	for _, em := range []string{"ana@example.com", "luis@example.com"} {
		reg := map[string]any{
			"name":     "Alumno Prueba",
			"email":    em,
			"subjects": []string{"Estadística no Paramétrica"},
		}
		rsp, _ := e.do(t, "POST", "/api/enroll", reg, nil)
		require.Equal(t, http.StatusCreated, rsp.StatusCode)
	}
	before := len(e.mailer.Sent())
	fields := map[string][]string{
		"course":  {"Estadística no Paramétrica"},
		"subject": {"Material semana 2"},
		"body":    {"Revisen el material."},
		"link":    {"https://example.edu/a", "", "https://example.edu/b"},
	}
	rsp := postMultipart(t, e, "/api/enroll/broadcast", fields, "", nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	require.Equal(t, before+2, len(e.mailer.Sent()))

	fields["link"] = []string{"https://a.mx", "https://b.mx", "https://c.mx", "https://d.mx"}
	rsp = postMultipart(t, e, "/api/enroll/broadcast", fields, "", nil)
	require.Equal(t, http.StatusBadRequest, rsp.StatusCode)
}

func TestAttendance(t *testing.T) {
	e := newTestEnv(t)
	rsp, d := e.do(t, "GET", "/api/attendance/next", nil, nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	st := decode[attendanceStatus](t, d)
	require.Equal(t, attendance.In, st.Next)
	require.Equal(t, "Carlos Ramírez", st.Employee.Name)

	rsp, _ = e.do(t, "POST", "/api/attendance", map[string]string{"password": "mala"}, nil)
	require.Equal(t, http.StatusUnauthorized, rsp.StatusCode)

	rsp, d = e.do(t, "POST", "/api/attendance", map[string]string{"password": "clave"}, nil)
	require.Equal(t, http.StatusCreated, rsp.StatusCode, "%s", d)
	require.Equal(t, attendance.In, decode[attendance.Record](t, d).Kind)
	rsp, d = e.do(t, "POST", "/api/attendance", map[string]string{"password": "clave"}, nil)
	require.Equal(t, http.StatusCreated, rsp.StatusCode)
	require.Equal(t, attendance.Out, decode[attendance.Record](t, d).Kind)

	rsp, d = e.do(t, "GET", "/api/attendance/today", nil, nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	require.Equal(t, 2, len(decode[[]attendance.Record](t, d)))
}

func TestStaticAndBadClients(t *testing.T) {
	e := newTestEnv(t)
	rsp, d := e.do(t, "GET", "/", nil, nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	require.True(t, bytes.Contains(d, []byte("<title>Formularios</title>")))

	rsp, _ = e.do(t, "GET", "/wp-login.php", nil, nil)
	require.Equal(t, http.StatusNotFound, rsp.StatusCode)
	rsp, _ = e.do(t, "GET", "/api/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rsp.StatusCode)
	rsp, _ = e.do(t, "GET", "/missing.html", nil, nil)
	require.Equal(t, http.StatusNotFound, rsp.StatusCode)
}

func TestErrorResponse(t *testing.T) {
	code, _ := errorResponse(pool.ErrExhausted)
	require.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = errorResponse(filelock.ErrLockTimeout)
	require.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = errorResponse(errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, code)
	code, resp := errorResponse(&enroll.UnknownSubjectError{Name: "Historia"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "La materia 'Historia' no existe.", resp.Error)
}
