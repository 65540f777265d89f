package grading

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/aulaforms/aulaforms/u"
)

const (
	Unanswered = "No respondida"
	ResultOK   = "✓ Correcta"
	ResultBad  = "✗ Incorrecta"

	// DefaultPassMark is the minimum passing score of a 5 question quiz
	DefaultPassMark = 4
)

type AnswerResult struct {
	Number   int    `json:"number"`
	Question string `json:"question"`
	Given    string `json:"given"`
	Correct  string `json:"correct"`
	OK       bool   `json:"ok"`
	Result   string `json:"result"`
}

type Grade struct {
	Score   int            `json:"score"`
	Total   int            `json:"total"`
	Passed  bool           `json:"passed"`
	Answers []AnswerResult `json:"answers"`
}

// GradeAnswers counts answers equal to the correct option. answers[i]
// is the text of the option chosen for question i, "" if unanswered.
// Missing answers count as unanswered, extra ones are ignored.
func GradeAnswers(q *Quiz, answers []string, passMark int) Grade {
	g := Grade{Total: len(q.Questions)}
	for i, qu := range q.Questions {
		given := ""
		if i < len(answers) {
			given = strings.TrimSpace(answers[i])
		}
		ok := given != "" && given == qu.Answer
		r := AnswerResult{
			Number:   i + 1,
			Question: qu.Text,
			Given:    given,
			Correct:  qu.Answer,
			OK:       ok,
			Result:   ResultBad,
		}
		if ok {
			g.Score++
			r.Result = ResultOK
		}
		if given == "" {
			r.Given = Unanswered
		}
		g.Answers = append(g.Answers, r)
	}
	g.Passed = g.Score >= passMark
	return g
}

// ResultsCSV is the per-student breakdown offered for download
func ResultsCSV(g Grade) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"Pregunta", "Tu respuesta", "Respuesta correcta", "Resultado"})
	for _, a := range g.Answers {
		_ = w.Write([]string{a.Question, a.Given, a.Correct, a.Result})
	}
	w.Flush()
	return buf.Bytes()
}

// ResultsFilename returns e.g. evaluacion_semana-6_A1234_20261019_100000.csv
// studentID must already be validated.
func ResultsFilename(q *Quiz, studentID string, t time.Time) string {
	return fmt.Sprintf("evaluacion_%s_%s_%s.csv", u.Slug(q.Slug), studentID, t.Format("20060102_150405"))
}
