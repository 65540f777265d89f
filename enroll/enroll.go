// Package enroll registers students in subjects and lets teachers
// email material to the students of a subject.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"path"
	"strings"
	"time"

	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/mailer"
	"github.com/aulaforms/aulaforms/recordstore"
	"github.com/aulaforms/aulaforms/u"
	"github.com/aulaforms/aulaforms/validate"
	"golang.org/x/crypto/bcrypt"
)

var (
	// MasterHeader is the header of the file with all registrations
	MasterHeader = []string{"nombre", "email", "materias", "fecha"}
	// SubjectHeader is the header of per-subject files
	SubjectHeader = []string{"nombre", "email", "fecha"}
)

var (
	ErrAlreadyRegistered  = errors.New("enroll: email is already registered")
	ErrUnknownSubject     = errors.New("enroll: unknown subject")
	ErrAttachmentTooLarge = errors.New("enroll: attachment is too large")
	ErrAttachmentType     = errors.New("enroll: attachment must be a PDF or ZIP file")
	ErrUnauthorized       = errors.New("enroll: wrong password")
	ErrTooManyLinks       = errors.New("enroll: at most 3 links")
)

const (
	// subjects are joined with this inside the materias field
	subjectSep = ";"
	dateFormat = "2006-01-02 15:04:05"
	maxLinks   = 3
)

// UnknownSubjectError is returned for a subject not in the catalog
type UnknownSubjectError struct {
	Name        string
	Suggestions []string
}

func (e *UnknownSubjectError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("enroll: unknown subject '%s'", e.Name)
	}
	return fmt.Sprintf("enroll: unknown subject '%s', did you mean '%s'?", e.Name, strings.Join(e.Suggestions, "', '"))
}

func (e *UnknownSubjectError) Unwrap() error { return ErrUnknownSubject }

type Config struct {
	// MasterFile has one row per student
	MasterFile string
	Catalog    *Catalog
	Mailer     mailer.Sender
	// AdminEmail is notified of every registration, optional
	AdminEmail string
	// AdminPasswordHash is a bcrypt hash of the teachers' password
	AdminPasswordHash string
	// MaxAttachment in bytes, default 10 MB
	MaxAttachment int
	// BroadcastPause is the pause between emails of a broadcast, default 0.5s
	BroadcastPause time.Duration
	Location       *time.Location
}

type Service struct {
	store *recordstore.Store
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func New(store *recordstore.Store, cfg Config) *Service {
	if cfg.Catalog == nil {
		cfg.Catalog = NewCatalog(nil, nil)
	}
	if cfg.MaxAttachment <= 0 {
		cfg.MaxAttachment = 10 * 1024 * 1024
	}
	if cfg.BroadcastPause <= 0 {
		cfg.BroadcastPause = 500 * time.Millisecond
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Service{store: store, cfg: cfg, now: time.Now, sleep: sleepCtx}
}

func (s *Service) MasterFile() string {
	return s.cfg.MasterFile
}

func (s *Service) Catalog() *Catalog {
	return s.cfg.Catalog
}

// Registration is what a student submits
type Registration struct {
	Name     string   `json:"name" validate:"fullname"`
	Email    string   `json:"email" validate:"mail"`
	Subjects []string `json:"subjects" validate:"min=1,dive,notblank"`
}

type Student struct {
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	Subjects []string `json:"subjects"`
	Date     string   `json:"date"`
}

type RegisterResult struct {
	Student
	// FailedSubjects are subjects whose own file couldn't be updated.
	// The registration is in the master file regardless.
	FailedSubjects []string `json:"failed_subjects,omitempty"`
	Emailed        bool     `json:"emailed"`
}

// resolveSubjects maps names to catalog subjects, dropping duplicates
func (s *Service) resolveSubjects(names []string) ([]Subject, error) {
	var res []Subject
	seen := map[string]bool{}
	for _, name := range names {
		sub, ok := s.cfg.Catalog.Get(name)
		if !ok {
			return nil, &UnknownSubjectError{Name: name, Suggestions: s.cfg.Catalog.Suggest(name)}
		}
		if seen[sub.Name] {
			continue
		}
		seen[sub.Name] = true
		res = append(res, sub)
	}
	return res, nil
}

// Register records a student in the master file and in the file of
// each subject. An email already in the master file is rejected with
// ErrAlreadyRegistered; the check and the append are done under one lock.
func (s *Service) Register(ctx context.Context, reg Registration) (*RegisterResult, error) {
	if err := validate.Struct(&reg); err != nil {
		return nil, err
	}
	subjects, err := s.resolveSubjects(reg.Subjects)
	if err != nil {
		return nil, err
	}
	st := Student{
		Name:  validate.CleanName(reg.Name),
		Email: validate.NormalizeEmail(reg.Email),
		Date:  s.now().In(s.cfg.Location).Format(dateFormat),
	}
	for _, sub := range subjects {
		st.Subjects = append(st.Subjects, sub.Name)
	}

	row := []string{st.Name, st.Email, strings.Join(st.Subjects, subjectSep), st.Date}
	err = s.store.Update(ctx, s.cfg.MasterFile, MasterHeader, func(t *recordstore.Table) error {
		for _, r := range t.Records() {
			if strings.EqualFold(strings.TrimSpace(r["email"]), st.Email) {
				return ErrAlreadyRegistered
			}
		}
		return t.Append(row)
	})
	if err != nil {
		return nil, err
	}
	log.Event("enroll.register", "email", st.Email, "subjects", len(st.Subjects))

	res := &RegisterResult{Student: st}
	for _, sub := range subjects {
		if sub.File == "" {
			continue
		}
		err = s.store.AppendRecord(ctx, sub.File, SubjectHeader, []string{st.Name, st.Email, st.Date})
		if err != nil {
			log.Errorf("enroll: adding '%s' to '%s' failed: %s\n", st.Email, sub.File, err)
			res.FailedSubjects = append(res.FailedSubjects, sub.Name)
		}
	}

	res.Emailed = s.sendConfirmation(ctx, &st)
	return res, nil
}

func (s *Service) sendConfirmation(ctx context.Context, st *Student) bool {
	if s.cfg.Mailer == nil {
		return false
	}
	msg := &mailer.Message{
		To:           []mail.Address{mailer.Address(st.Email, st.Name)},
		Subject:      "Confirmación de registro",
		TemplateName: mailer.TmplEnrollConfirm,
		TemplateData: st,
	}
	err := s.cfg.Mailer.Send(ctx, msg)
	if err != nil {
		log.Errorf("enroll: confirmation to '%s' failed: %s\n", st.Email, err)
	}
	if s.cfg.AdminEmail != "" {
		msg = &mailer.Message{
			To:           []mail.Address{mailer.Address(s.cfg.AdminEmail, "")},
			Subject:      "Nuevo registro: " + st.Name,
			TemplateName: mailer.TmplEnrollAdmin,
			TemplateData: st,
		}
		if aerr := s.cfg.Mailer.Send(ctx, msg); aerr != nil {
			log.Errorf("enroll: admin notification failed: %s\n", aerr)
		}
	}
	return err == nil
}

// AllStudents returns every registration in the master file
func (s *Service) AllStudents(ctx context.Context) ([]Student, error) {
	recs, err := s.store.Rows(ctx, s.cfg.MasterFile)
	if err != nil {
		return nil, err
	}
	res := make([]Student, 0, len(recs))
	for _, r := range recs {
		st := Student{
			Name:  strings.TrimSpace(r["nombre"]),
			Email: strings.TrimSpace(r["email"]),
			Date:  strings.TrimSpace(r["fecha"]),
		}
		for _, sub := range strings.Split(r["materias"], subjectSep) {
			if sub = strings.TrimSpace(sub); sub != "" {
				st.Subjects = append(st.Subjects, sub)
			}
		}
		if st.Email == "" {
			continue
		}
		res = append(res, st)
	}
	return res, nil
}

// Students returns the students registered in subject
func (s *Service) Students(ctx context.Context, subject string) ([]Student, error) {
	sub, ok := s.cfg.Catalog.Get(subject)
	if !ok {
		return nil, &UnknownSubjectError{Name: subject, Suggestions: s.cfg.Catalog.Suggest(subject)}
	}
	all, err := s.AllStudents(ctx)
	if err != nil {
		return nil, err
	}
	var res []Student
	for _, st := range all {
		for _, name := range st.Subjects {
			if subjectKey(name) == subjectKey(sub.Name) {
				res = append(res, st)
				break
			}
		}
	}
	return res, nil
}

// CheckAdminPassword returns ErrUnauthorized unless pwd matches the
// configured hash. With no hash configured nobody is authorized.
func (s *Service) CheckAdminPassword(pwd string) error {
	if s.cfg.AdminPasswordHash == "" || pwd == "" {
		return ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(pwd)) != nil {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) checkAttachment(at *mailer.Attachment) error {
	if at == nil {
		return nil
	}
	if len(at.Content) > s.cfg.MaxAttachment {
		return fmt.Errorf("%w: %s, max is %s", ErrAttachmentTooLarge,
			u.FormatSize(int64(len(at.Content))), u.FormatSize(int64(s.cfg.MaxAttachment)))
	}
	switch strings.ToLower(path.Ext(at.Filename)) {
	case ".pdf":
		at.ContentType = "application/pdf"
	case ".zip":
		at.ContentType = "application/zip"
	default:
		return ErrAttachmentType
	}
	return nil
}

// Notice is an email from a teacher to one student
type Notice struct {
	To         string             `json:"to" validate:"mail"`
	Subject    string             `json:"subject" validate:"notblank"`
	Body       string             `json:"body" validate:"notblank"`
	Attachment *mailer.Attachment `json:"-"`
}

// Notify emails a single student
func (s *Service) Notify(ctx context.Context, n Notice) error {
	if err := validate.Struct(&n); err != nil {
		return err
	}
	if err := s.checkAttachment(n.Attachment); err != nil {
		return err
	}
	if s.cfg.Mailer == nil {
		return errors.New("enroll: email is not configured")
	}
	msg := &mailer.Message{
		To:      []mail.Address{mailer.Address(validate.NormalizeEmail(n.To), "")},
		Subject: n.Subject,
		Text:    u.NormalizeNewlines(n.Body),
	}
	if n.Attachment != nil {
		msg.Attachments = []mailer.Attachment{*n.Attachment}
	}
	return s.cfg.Mailer.Send(ctx, msg)
}

// Broadcast is material a teacher sends to all students of a subject
type Broadcast struct {
	Course     string             `json:"course" validate:"notblank"`
	Subject    string             `json:"subject" validate:"notblank"`
	Body       string             `json:"body" validate:"notblank"`
	Links      []string           `json:"links" validate:"dive,url"`
	Attachment *mailer.Attachment `json:"-"`
}

type BroadcastReport struct {
	Students int      `json:"students"`
	Sent     int      `json:"sent"`
	Failed   []string `json:"failed,omitempty"`
}

// Broadcast emails b to every student of b.Course, one at a time with
// a pause between emails. Failed recipients are reported, not retried.
func (s *Service) Broadcast(ctx context.Context, b Broadcast) (*BroadcastReport, error) {
	var links []string
	for _, l := range b.Links {
		if l = strings.TrimSpace(l); l != "" {
			links = append(links, l)
		}
	}
	b.Links = links
	if err := validate.Struct(&b); err != nil {
		return nil, err
	}
	if len(b.Links) > maxLinks {
		return nil, ErrTooManyLinks
	}
	if err := s.checkAttachment(b.Attachment); err != nil {
		return nil, err
	}
	if s.cfg.Mailer == nil {
		return nil, errors.New("enroll: email is not configured")
	}
	students, err := s.Students(ctx, b.Course)
	if err != nil {
		return nil, err
	}
	rep := &BroadcastReport{Students: len(students)}
	for i, st := range students {
		if i > 0 {
			if err = s.sleep(ctx, s.cfg.BroadcastPause); err != nil {
				return rep, err
			}
		}
		msg := &mailer.Message{
			To:           []mail.Address{mailer.Address(st.Email, st.Name)},
			Subject:      b.Subject,
			TemplateName: mailer.TmplBroadcast,
			TemplateData: map[string]any{"Name": st.Name, "Body": u.NormalizeNewlines(b.Body), "Links": b.Links},
		}
		if b.Attachment != nil {
			msg.Attachments = []mailer.Attachment{*b.Attachment}
		}
		if err = s.cfg.Mailer.Send(ctx, msg); err != nil {
			log.Logf("enroll: broadcast to '%s' failed: %s\n", st.Email, err)
			rep.Failed = append(rep.Failed, st.Email)
			continue
		}
		rep.Sent++
	}
	log.Event("enroll.broadcast", "course", b.Course, "sent", rep.Sent, "failed", len(rep.Failed))
	return rep, nil
}
