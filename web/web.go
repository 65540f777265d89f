// Package web is the http front-end of the forms: json api for grading,
// enrollment and attendance plus the static pages.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aulaforms/aulaforms/attendance"
	"github.com/aulaforms/aulaforms/enroll"
	"github.com/aulaforms/aulaforms/grading"
	"github.com/aulaforms/aulaforms/httputil"
	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/mailer"
	"github.com/aulaforms/aulaforms/pool"
	"github.com/aulaforms/aulaforms/recordstore"
	"github.com/aulaforms/aulaforms/validate"
)

//go:embed static
var staticFS embed.FS

// AdminPasswordHeader carries the teachers' password for admin endpoints
const AdminPasswordHeader = "X-Admin-Password"

type Config struct {
	Store *recordstore.Store
	// Grading, Enroll and Attendance are optional, endpoints of a
	// missing service are not registered
	Grading    *grading.Service
	Enroll     *enroll.Service
	Attendance *attendance.Service
	Version    string
	// MaxUpload bounds multipart requests, default 12 MB
	MaxUpload int64
	// Static overrides the embedded pages
	Static fs.FS
}

var errBadForm = errors.New("web: expected multipart/form-data")

type Server struct {
	cfg    Config
	mux    *http.ServeMux
	static *httputil.StaticHandler
	start  time.Time
}

func New(cfg Config) *Server {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 12 * 1024 * 1024
	}
	if cfg.Static == nil {
		cfg.Static, _ = fs.Sub(staticFS, "static")
	}
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		static: httputil.NewStaticHandler(cfg.Static),
		start:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	m := s.mux
	m.HandleFunc("GET /api/status", s.handleStatus)
	if s.cfg.Grading != nil {
		m.HandleFunc("GET /api/grading/quiz", s.handleQuiz)
		m.HandleFunc("POST /api/grading/submit", s.handleSubmit)
		m.HandleFunc("POST /api/grading/results.csv", s.handleResultsCSV)
	}
	if s.cfg.Enroll != nil {
		m.HandleFunc("GET /api/enroll/subjects", s.handleSubjects)
		m.HandleFunc("POST /api/enroll", s.handleRegister)
		m.HandleFunc("GET /api/enroll/students", s.admin(s.handleStudents))
		m.HandleFunc("POST /api/enroll/notify", s.admin(s.handleNotify))
		m.HandleFunc("POST /api/enroll/broadcast", s.admin(s.handleBroadcast))
	}
	if s.cfg.Attendance != nil {
		m.HandleFunc("GET /api/attendance/next", s.handleAttendanceNext)
		m.HandleFunc("GET /api/attendance/today", s.handleAttendanceToday)
		m.HandleFunc("POST /api/attendance", s.handleAttendance)
	}
	m.HandleFunc("GET /", s.handleStatic)
}

// Handler returns the full handler chain: bad client blocking, panic
// recovery and access logging around the routes
func (s *Server) Handler() http.Handler {
	return logRequests(recoverPanics(httputil.BlockBadClients(s.mux)))
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cw := httputil.NewCapturingResponseWriter(w)
		next.ServeHTTP(cw, r)
		if err := log.HTTPRequest(r, cw.StatusCode, cw.Size, time.Since(start)); err != nil {
			log.Logf("web: logging request failed: %s\n", err)
		}
	})
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.Errorf("web: panic serving %s: %v\n%s\n", r.URL.Path, v, debug.Stack())
				httputil.ServeError(w, http.StatusInternalServerError, "Error interno del servidor.")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.Enroll.CheckAdminPassword(r.Header.Get(AdminPasswordHeader)); err != nil {
			log.Event("web.admin_denied", "path", r.URL.Path, "ip", log.BestRemoteAddress(r))
			serveErr(w, r, err)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		httputil.ServeError(w, http.StatusNotFound, "No encontrado.")
		return
	}
	s.static.ServeHTTP(w, r)
}

type statusResponse struct {
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Remote  string       `json:"remote"`
	Error   string       `json:"error,omitempty"`
	Pool    pool.Stats   `json:"pool"`
	Files   []fileStatus `json:"files,omitempty"`
}

type fileStatus struct {
	Name   string `json:"name"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size"`
}

func (s *Server) watchedFiles() []string {
	var res []string
	if s.cfg.Grading != nil {
		res = append(res, s.cfg.Grading.File())
	}
	if s.cfg.Enroll != nil {
		res = append(res, s.cfg.Enroll.MasterFile())
	}
	if s.cfg.Attendance != nil {
		res = append(res, s.cfg.Attendance.FileName(time.Now()))
	}
	return res
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	st := statusResponse{
		Version: s.cfg.Version,
		Uptime:  time.Since(s.start).Round(time.Second).String(),
		Remote:  "ok",
	}
	code := http.StatusOK
	if err := s.cfg.Store.Ping(ctx); err != nil {
		code, st.Remote, st.Error = http.StatusServiceUnavailable, "unavailable", err.Error()
	} else {
		for _, name := range s.watchedFiles() {
			fst := fileStatus{Name: name}
			fi, err := s.cfg.Store.Stat(ctx, name)
			if err != nil {
				st.Error = err.Error()
				break
			}
			if fi != nil {
				fst.Exists, fst.Size = true, fi.Size()
			}
			st.Files = append(st.Files, fst)
		}
	}
	st.Pool = s.cfg.Store.Pool().Stats()
	httputil.ServeJSON(w, code, st)
}

func (s *Server) handleQuiz(w http.ResponseWriter, r *http.Request) {
	httputil.ServeJSON(w, http.StatusOK, s.cfg.Grading.Quiz().Public())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub grading.Submission
	if err := httputil.ReadJSON(w, r, &sub, 0); err != nil {
		httputil.ServeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.cfg.Grading.Submit(r.Context(), sub)
	if err != nil {
		serveErr(w, r, err)
		return
	}
	httputil.ServeJSON(w, http.StatusOK, res)
}

type resultsRequest struct {
	StudentID string   `json:"student_id"`
	Answers   []string `json:"answers"`
}

// handleResultsCSV re-grades answers for the download offered after submit
func (s *Server) handleResultsCSV(w http.ResponseWriter, r *http.Request) {
	var req resultsRequest
	if err := httputil.ReadJSON(w, r, &req, 0); err != nil {
		httputil.ServeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.TrimSpace(req.StudentID)
	if !validate.IsStudentID(id) {
		httputil.ServeError(w, http.StatusBadRequest, "Número económico inválido.")
		return
	}
	g := s.cfg.Grading.Evaluate(req.Answers)
	name := grading.ResultsFilename(s.cfg.Grading.Quiz(), id, time.Now())
	httputil.ServeDownload(w, name, "text/csv", grading.ResultsCSV(g))
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	httputil.ServeJSON(w, http.StatusOK, s.cfg.Enroll.Catalog().Subjects())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg enroll.Registration
	if err := httputil.ReadJSON(w, r, &reg, 0); err != nil {
		httputil.ServeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.cfg.Enroll.Register(r.Context(), reg)
	if err != nil {
		serveErr(w, r, err)
		return
	}
	httputil.ServeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleStudents(w http.ResponseWriter, r *http.Request) {
	var students []enroll.Student
	var err error
	if subject := r.URL.Query().Get("subject"); subject != "" {
		students, err = s.cfg.Enroll.Students(r.Context(), subject)
	} else {
		students, err = s.cfg.Enroll.AllStudents(r.Context())
	}
	if err != nil {
		serveErr(w, r, err)
		return
	}
	if students == nil {
		students = []enroll.Student{}
	}
	httputil.ServeJSON(w, http.StatusOK, students)
}

// parseForm parses a multipart form and returns the optional "file"
// upload as an attachment
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) (*mailer.Attachment, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload)
	if err := r.ParseMultipartForm(s.cfg.MaxUpload); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, fmt.Errorf("%w: %w", enroll.ErrAttachmentTooLarge, err)
		}
		return nil, errBadForm
	}
	f, fh, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readAttachment(f, fh)
}

func readAttachment(f multipart.File, fh *multipart.FileHeader) (*mailer.Attachment, error) {
	d, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(d) == 0 {
		return nil, nil
	}
	return &mailer.Attachment{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Content:     d,
	}, nil
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	at, err := s.parseForm(w, r)
	if err != nil {
		serveErr(w, r, err)
		return
	}
	n := enroll.Notice{
		To:         r.FormValue("to"),
		Subject:    r.FormValue("subject"),
		Body:       r.FormValue("body"),
		Attachment: at,
	}
	if err = s.cfg.Enroll.Notify(r.Context(), n); err != nil {
		serveErr(w, r, err)
		return
	}
	httputil.ServeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	at, err := s.parseForm(w, r)
	if err != nil {
		serveErr(w, r, err)
		return
	}
	b := enroll.Broadcast{
		Course:     r.FormValue("course"),
		Subject:    r.FormValue("subject"),
		Body:       r.FormValue("body"),
		Links:      r.MultipartForm.Value["link"],
		Attachment: at,
	}
	rep, err := s.cfg.Enroll.Broadcast(r.Context(), b)
	if err != nil {
		serveErr(w, r, err)
		return
	}
	httputil.ServeJSON(w, http.StatusOK, rep)
}

type attendanceStatus struct {
	Employee attendance.Employee `json:"employee"`
	Next     attendance.Kind     `json:"next"`
}

func (s *Server) handleAttendanceNext(w http.ResponseWriter, r *http.Request) {
	k, err := s.cfg.Attendance.NextKind(r.Context())
	if err != nil {
		serveErr(w, r, err)
		return
	}
	httputil.ServeJSON(w, http.StatusOK, attendanceStatus{Employee: s.cfg.Attendance.Employee(), Next: k})
}

func (s *Server) handleAttendanceToday(w http.ResponseWriter, r *http.Request) {
	recs, err := s.cfg.Attendance.Today(r.Context())
	if err != nil {
		serveErr(w, r, err)
		return
	}
	httputil.ServeJSON(w, http.StatusOK, recs)
}

type attendanceRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	var req attendanceRequest
	if err := httputil.ReadJSON(w, r, &req, 0); err != nil {
		httputil.ServeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.cfg.Attendance.Register(r.Context(), req.Password)
	if err != nil {
		serveErr(w, r, err)
		return
	}
	httputil.ServeJSON(w, http.StatusCreated, rec)
}
