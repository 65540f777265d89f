package grading

import (
	"context"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/mailer"
	"github.com/aulaforms/aulaforms/recordstore"
	"github.com/aulaforms/aulaforms/validate"
	"github.com/google/uuid"
)

// Header of the grades file
var Header = []string{"Fecha", "Número Económico", "Nombre Completo", "Email", "Calificación"}

const dateFormat = "2006-01-02 15:04:05"

type Submission struct {
	StudentID string   `json:"student_id" validate:"studentid"`
	Name      string   `json:"name" validate:"fullname"`
	Email     string   `json:"email" validate:"mail"`
	Answers   []string `json:"answers"`
}

type Result struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Date      time.Time `json:"date"`
	Grade
	// Emailed is false if the results email couldn't be sent. The grade
	// is recorded regardless.
	Emailed bool `json:"emailed"`
}

type Config struct {
	// File is the grades file, relative to the store's base dir
	File     string
	Quiz     *Quiz
	PassMark int
	// Mailer is optional, without it results are not emailed
	Mailer   mailer.Sender
	Location *time.Location
	// MailTimeout bounds sending the results email, default 30s
	MailTimeout time.Duration
}

type Service struct {
	store *recordstore.Store
	cfg   Config
	now   func() time.Time
}

func New(store *recordstore.Store, cfg Config) *Service {
	if cfg.Quiz == nil {
		cfg.Quiz = DefaultQuiz()
	}
	if cfg.PassMark <= 0 {
		cfg.PassMark = DefaultPassMark
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MailTimeout <= 0 {
		cfg.MailTimeout = 30 * time.Second
	}
	return &Service{store: store, cfg: cfg, now: time.Now}
}

func (s *Service) Quiz() *Quiz {
	return s.cfg.Quiz
}

func (s *Service) File() string {
	return s.cfg.File
}

// Init creates the grades file with its header if needed
func (s *Service) Init(ctx context.Context) error {
	return s.store.EnsureHeader(ctx, s.cfg.File, Header)
}

// Submit validates and grades sub, appends the grade to the grades file
// and emails the results to the student
func (s *Service) Submit(ctx context.Context, sub Submission) (*Result, error) {
	if err := validate.Struct(&sub); err != nil {
		return nil, err
	}
	now := s.now().In(s.cfg.Location)
	res := &Result{
		ID:        uuid.New().String(),
		StudentID: strings.TrimSpace(sub.StudentID),
		Name:      validate.CleanName(sub.Name),
		Email:     validate.NormalizeEmail(sub.Email),
		Date:      now,
		Grade:     GradeAnswers(s.cfg.Quiz, sub.Answers, s.cfg.PassMark),
	}
	row := []string{now.Format(dateFormat), res.StudentID, res.Name, res.Email, strconv.Itoa(res.Score)}
	if err := s.store.AppendRecord(ctx, s.cfg.File, Header, row); err != nil {
		return nil, err
	}
	log.Event("grading.submit", "id", res.ID, "student", res.StudentID, "score", res.Score)

	if s.cfg.Mailer != nil {
		err := s.sendResults(ctx, res)
		res.Emailed = err == nil
		if err != nil {
			log.Errorf("grading: emailing results to '%s' failed: %s\n", res.Email, err)
		}
	}
	return res, nil
}

func (s *Service) sendResults(ctx context.Context, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MailTimeout)
	defer cancel()
	msg := &mailer.Message{
		To:           []mail.Address{mailer.Address(res.Email, res.Name)},
		Subject:      "Resultados de Evaluación - " + s.cfg.Quiz.Title + " - " + res.Name,
		TemplateName: mailer.TmplGradingResults,
		TemplateData: map[string]any{
			"Title":     s.cfg.Quiz.Title,
			"Name":      res.Name,
			"StudentID": res.StudentID,
			"Email":     res.Email,
			"Date":      res.Date.Format("02/01/2006 15:04"),
			"Score":     res.Score,
			"Total":     res.Total,
			"Passed":    res.Passed,
			"Answers":   res.Answers,
		},
		Attachments: []mailer.Attachment{{
			Filename:    ResultsFilename(s.cfg.Quiz, res.StudentID, res.Date),
			ContentType: "text/csv",
			Content:     ResultsCSV(res.Grade),
		}},
	}
	return s.cfg.Mailer.Send(ctx, msg)
}

// Grades returns the recorded grades
func (s *Service) Grades(ctx context.Context) ([]recordstore.Record, error) {
	return s.store.Rows(ctx, s.cfg.File)
}

// Evaluate grades answers without recording anything
func (s *Service) Evaluate(answers []string) Grade {
	return GradeAnswers(s.cfg.Quiz, answers, s.cfg.PassMark)
}
