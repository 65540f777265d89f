// Package attendance records check-ins and check-outs of a single
// employee in one record file per day.
package attendance

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/recordstore"
	"golang.org/x/crypto/bcrypt"
)

var Header = []string{"FECHA", "HORA", "NOMBRE_COMPLETO", "PUESTO", "TURNO", "TIPO_REGISTRO"}

type Kind string

const (
	In  Kind = "ENTRADA"
	Out Kind = "SALIDA"
)

var (
	ErrUnauthorized  = errors.New("attendance: wrong password")
	ErrNotConfigured = errors.New("attendance: no password configured")
)

// Employee is fixed configuration, the same on every record
type Employee struct {
	Name     string `json:"name"`
	Position string `json:"position"`
	Shift    string `json:"shift"`
}

type Config struct {
	// Dir holds the daily files, relative to the store's base dir
	Dir string
	// FilePrefix of daily files, default "asistencia_"
	FilePrefix   string
	PasswordHash string
	Employee     Employee
	Location     *time.Location
}

type Record struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Name     string `json:"name"`
	Position string `json:"position"`
	Shift    string `json:"shift"`
	Kind     Kind   `json:"kind"`
}

func recordFromRow(r recordstore.Record) Record {
	return Record{
		Date:     r["FECHA"],
		Time:     r["HORA"],
		Name:     r["NOMBRE_COMPLETO"],
		Position: r["PUESTO"],
		Shift:    r["TURNO"],
		Kind:     Kind(r["TIPO_REGISTRO"]),
	}
}

func (r *Record) row() []string {
	return []string{r.Date, r.Time, r.Name, r.Position, r.Shift, string(r.Kind)}
}

type Service struct {
	store *recordstore.Store
	cfg   Config
	now   func() time.Time
}

func New(store *recordstore.Store, cfg Config) *Service {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "asistencia_"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Service{store: store, cfg: cfg, now: time.Now}
}

func (s *Service) Employee() Employee {
	return s.cfg.Employee
}

// FileName returns the file for the day of t e.g. asistencia/asistencia_20261019.csv
func (s *Service) FileName(t time.Time) string {
	name := s.cfg.FilePrefix + t.In(s.cfg.Location).Format("20060102") + ".csv"
	if s.cfg.Dir == "" {
		return name
	}
	return path.Join(s.cfg.Dir, name)
}

// nextKind is ENTRADA when there are no records or the last one is SALIDA
func nextKind(recs []Record) Kind {
	if len(recs) == 0 || recs[len(recs)-1].Kind != In {
		return In
	}
	return Out
}

// Today returns today's records in the order they were made
func (s *Service) Today(ctx context.Context) ([]Record, error) {
	rows, err := s.store.Rows(ctx, s.FileName(s.now()))
	if err != nil {
		return nil, err
	}
	res := make([]Record, 0, len(rows))
	for _, r := range rows {
		res = append(res, recordFromRow(r))
	}
	return res, nil
}

// NextKind returns the kind the next registration would have
func (s *Service) NextKind(ctx context.Context) (Kind, error) {
	recs, err := s.Today(ctx)
	if err != nil {
		return "", err
	}
	return nextKind(recs), nil
}

func (s *Service) checkPassword(pwd string) error {
	if s.cfg.PasswordHash == "" {
		return ErrNotConfigured
	}
	if bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(pwd)) != nil {
		return ErrUnauthorized
	}
	return nil
}

// Register checks the password and appends the next record. Reading the
// last record and appending happen under the file's lock so two quick
// registrations can't both be ENTRADA.
func (s *Service) Register(ctx context.Context, password string) (*Record, error) {
	if err := s.checkPassword(password); err != nil {
		log.Event("attendance.denied")
		return nil, err
	}
	now := s.now().In(s.cfg.Location)
	e := s.cfg.Employee
	rec := &Record{
		Date:     now.Format("2006-01-02"),
		Time:     now.Format("15:04:05"),
		Name:     e.Name,
		Position: e.Position,
		Shift:    e.Shift,
	}
	err := s.store.Update(ctx, s.FileName(now), Header, func(t *recordstore.Table) error {
		var recs []Record
		for _, r := range t.Records() {
			recs = append(recs, recordFromRow(r))
		}
		rec.Kind = nextKind(recs)
		return t.Append(rec.row())
	})
	if err != nil {
		return nil, err
	}
	log.Event("attendance.register", "kind", string(rec.Kind), "time", rec.Time)
	return rec, nil
}
