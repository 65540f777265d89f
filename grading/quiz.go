// Package grading grades multiple choice quizzes and records the
// grades in a remote record file.
package grading

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/aulaforms/aulaforms/u"
	"gopkg.in/yaml.v3"
)

//go:embed default_quiz.yaml
var defaultQuizYAML []byte

type Question struct {
	Text    string   `yaml:"question" json:"question"`
	Options []string `yaml:"options" json:"options"`
	Answer  string   `yaml:"answer" json:"-"`
}

type Quiz struct {
	Title string `yaml:"title" json:"title"`
	// Slug is used in names of downloaded result files
	Slug      string     `yaml:"slug" json:"slug"`
	Questions []Question `yaml:"questions" json:"questions"`
}

// ParseQuiz parses a yaml quiz bank and checks that every question
// has options and that its answer is one of them
func ParseQuiz(d []byte) (*Quiz, error) {
	var q Quiz
	if err := yaml.Unmarshal(d, &q); err != nil {
		return nil, fmt.Errorf("grading: parsing quiz: %w", err)
	}
	if len(q.Questions) == 0 {
		return nil, fmt.Errorf("grading: quiz '%s' has no questions", q.Title)
	}
	for i, qu := range q.Questions {
		n := i + 1
		if strings.TrimSpace(qu.Text) == "" {
			return nil, fmt.Errorf("grading: question %d has no text", n)
		}
		if len(qu.Options) < 2 {
			return nil, fmt.Errorf("grading: question %d has %d options, need at least 2", n, len(qu.Options))
		}
		if !slices.Contains(qu.Options, qu.Answer) {
			return nil, fmt.Errorf("grading: answer of question %d is not one of its options", n)
		}
	}
	if q.Slug == "" {
		q.Slug = "evaluacion"
	}
	return &q, nil
}

// LoadQuiz reads a quiz bank from a yaml file. Empty path means
// the built-in quiz.
func LoadQuiz(path string) (*Quiz, error) {
	if path == "" {
		return DefaultQuiz(), nil
	}
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("grading: %w", err)
	}
	return ParseQuiz(d)
}

func DefaultQuiz() *Quiz {
	q, err := ParseQuiz(defaultQuizYAML)
	u.PanicIfErr(err, "grading: built-in quiz: %s", err)
	return q
}

// Public returns the quiz without answers
func (q *Quiz) Public() *Quiz {
	res := &Quiz{Title: q.Title, Slug: q.Slug}
	for _, qu := range q.Questions {
		res.Questions = append(res.Questions, Question{Text: qu.Text, Options: qu.Options})
	}
	return res
}
