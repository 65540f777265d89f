// Package validate checks form input. Error messages are keyed by
// the json name of the field.
package validate

import (
	"reflect"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/aulaforms/aulaforms/u"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	Validate   *validator.Validate
	Translator ut.Translator

	// custom validation tags & texts
	notBlankTag  = "notblank"
	notBlankText = "{0} cannot be blank"

	mailTag   = "mail"
	mailText  = "{0} is not a valid email address"
	mailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

	studentIDTag   = "studentid"
	studentIDText  = "{0} must be at least 4 letters or digits"
	studentIDRegex = regexp.MustCompile(`^[a-zA-Z0-9]{4,}$`)

	fullNameTag  = "fullname"
	fullNameText = "{0} must have at least a first and a last name"
)

func init() {
	Validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	Translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(Validate, Translator)

	// Use JSON tag names for errors instead of Go struct names.
	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = Validate.RegisterValidation(notBlankTag, notBlankValidation)
	RegisterCustomTranslation(notBlankTag, notBlankText)
	_ = Validate.RegisterValidation(mailTag, mailValidation)
	RegisterCustomTranslation(mailTag, mailText)
	_ = Validate.RegisterValidation(studentIDTag, studentIDValidation)
	RegisterCustomTranslation(studentIDTag, studentIDText)
	_ = Validate.RegisterValidation(fullNameTag, fullNameValidation)
	RegisterCustomTranslation(fullNameTag, fullNameText)
}

// RegisterCustomTranslation registers a custom translation for the specified validation tag.
func RegisterCustomTranslation(tag, text string, override ...bool) {
	var ovrd bool
	if len(override) > 0 {
		ovrd = override[0]
	}
	_ = Validate.RegisterTranslation(
		tag, Translator,
		func(t ut.Translator) error { return t.Add(tag, text, ovrd) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// Errors maps a field's json name to what's wrong with it
type Errors map[string]string

func (e Errors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(e))
	for _, k := range keys {
		parts = append(parts, e[k])
	}
	return strings.Join(parts, "; ")
}

// Struct validates s by its `validate` tags. Returns Errors or nil.
func Struct(s any) error {
	err := Validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	res := Errors{}
	for _, fe := range verrs {
		if _, dup := res[fe.Field()]; !dup {
			res[fe.Field()] = fe.Translate(Translator)
		}
	}
	return res
}

// Custom Validators

func notBlankValidation(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

func mailValidation(fl validator.FieldLevel) bool {
	return IsEmail(fl.Field().String())
}

func studentIDValidation(fl validator.FieldLevel) bool {
	return IsStudentID(fl.Field().String())
}

func fullNameValidation(fl validator.FieldLevel) bool {
	return len(strings.Fields(CleanName(fl.Field().String()))) >= 2
}

func IsEmail(s string) bool {
	return mailRegex.MatchString(strings.TrimSpace(s))
}

func IsStudentID(s string) bool {
	return studentIDRegex.MatchString(strings.TrimSpace(s))
}

func isNameRune(r rune) bool {
	if r < 128 {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == ' '
	}
	return strings.ContainsRune("áéíóúÁÉÍÓÚñÑüÜ", r) || unicode.IsSpace(r)
}

// CleanName drops everything but letters (including accented ones) and
// spaces and capitalizes every word: "  ana  LÓPEZ-x2 " => "Ana Lópezx"
func CleanName(s string) string {
	s = strings.Map(func(r rune) rune {
		if isNameRune(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(s))
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = u.Capitalize(w)
	}
	return strings.Join(words, " ")
}

// NormalizeEmail trims and lower-cases an email for comparisons
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
