package enroll

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/aulaforms/aulaforms/u"
	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
)

//go:embed syllabi.yaml
var syllabiYAML []byte

// Syllabus is what's shown to students before they register
type Syllabus struct {
	Content    []string `yaml:"contenido" json:"content"`
	Evaluation []string `yaml:"evaluacion" json:"evaluation"`
}

type Subject struct {
	Name string `json:"name"`
	// File is the subject's record file, relative to the store's base dir
	File     string    `json:"-"`
	Syllabus *Syllabus `json:"syllabus,omitempty"`
}

// Catalog is the set of subjects students can register for
type Catalog struct {
	subjects []Subject
	byKey    map[string]int
}

func subjectKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// ParseSyllabi parses a yaml map of subject name to syllabus
func ParseSyllabi(d []byte) (map[string]*Syllabus, error) {
	res := map[string]*Syllabus{}
	if err := yaml.Unmarshal(d, &res); err != nil {
		return nil, fmt.Errorf("enroll: parsing syllabi: %w", err)
	}
	return res, nil
}

// DefaultSyllabi returns the built-in syllabi
func DefaultSyllabi() map[string]*Syllabus {
	res, err := ParseSyllabi(syllabiYAML)
	u.Must(err)
	return res
}

// NewCatalog creates a catalog from subject name => record file.
// syllabi is optional.
func NewCatalog(files map[string]string, syllabi map[string]*Syllabus) *Catalog {
	c := &Catalog{byKey: map[string]int{}}
	for name, file := range files {
		c.subjects = append(c.subjects, Subject{Name: name, File: file})
	}
	sort.Slice(c.subjects, func(i, j int) bool {
		return c.subjects[i].Name < c.subjects[j].Name
	})
	syl := map[string]*Syllabus{}
	for name, s := range syllabi {
		syl[subjectKey(name)] = s
	}
	for i := range c.subjects {
		k := subjectKey(c.subjects[i].Name)
		c.subjects[i].Syllabus = syl[k]
		c.byKey[k] = i
	}
	return c
}

// Subjects returns subjects sorted by name
func (c *Catalog) Subjects() []Subject {
	return append([]Subject(nil), c.subjects...)
}

func (c *Catalog) Names() []string {
	res := make([]string, len(c.subjects))
	for i, s := range c.subjects {
		res[i] = s.Name
	}
	return res
}

// Get finds a subject by name, ignoring case and extra spaces
func (c *Catalog) Get(name string) (Subject, bool) {
	i, ok := c.byKey[subjectKey(name)]
	if !ok {
		return Subject{}, false
	}
	return c.subjects[i], true
}

// Suggest returns up to 3 subject names similar to name, best first
func (c *Catalog) Suggest(name string) []string {
	type scored struct {
		name  string
		ratio float64
	}
	key := strings.Split(subjectKey(name), "")
	var cands []scored
	for _, s := range c.subjects {
		m := difflib.NewMatcher(key, strings.Split(subjectKey(s.Name), ""))
		if m.QuickRatio() < 0.6 {
			continue
		}
		if r := m.Ratio(); r >= 0.6 {
			cands = append(cands, scored{s.Name, r})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].ratio > cands[j].ratio
	})
	var res []string
	for i := 0; i < len(cands) && i < 3; i++ {
		res = append(res, cands[i].name)
	}
	return res
}
