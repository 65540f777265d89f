// Package mailer sends notification emails over SMTP, SendGrid or to
// the console. Messages can be rendered from the embedded templates.
package mailer

import (
	"bytes"
	"context"
	"embed"
	htmltmpl "html/template"
	"net/mail"
	"strings"
	"sync"
	texttmpl "text/template"

	"github.com/pkg/errors"
)

//go:embed all:templates
var templatesFS embed.FS

var (
	tmplOnce sync.Once
	tmplErr  error
	textTmpl map[string]*texttmpl.Template
	htmlTmpl map[string]*htmltmpl.Template
)

// Template names
const (
	TmplGradingResults = "grading_results"
	TmplEnrollConfirm  = "enroll_confirm"
	TmplEnrollAdmin    = "enroll_admin"
	TmplBroadcast      = "broadcast"
)

type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

type Message struct {
	To          []mail.Address
	Subject     string
	Attachments []Attachment

	// Text and HTML are set directly or by Render from TemplateName
	Text string
	HTML string

	TemplateName string
	TemplateData any
}

// Sender delivers messages. Implementations are safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

func (m *Message) HasRecipients() bool  { return len(m.To) > 0 }
func (m *Message) HasContent() bool     { return m.Text != "" || m.HTML != "" }
func (m *Message) HasAttachments() bool { return len(m.Attachments) > 0 }

var funcs = map[string]any{
	"inc": func(i int) int { return i + 1 },
}

func parseTemplates() {
	textTmpl = map[string]*texttmpl.Template{}
	htmlTmpl = map[string]*htmltmpl.Template{}
	entries, err := templatesFS.ReadDir("templates")
	if err != nil {
		tmplErr = errors.Wrap(err, "reading templates")
		return
	}
	for _, e := range entries {
		fname := e.Name()
		if strings.HasPrefix(fname, "_") {
			continue
		}
		path := "templates/" + fname
		switch {
		case strings.HasSuffix(fname, ".txt"):
			t, err := texttmpl.New("_base.txt").Funcs(texttmpl.FuncMap(funcs)).ParseFS(templatesFS, "templates/_base.txt", path)
			if err != nil {
				tmplErr = errors.Wrapf(err, "parsing %s", fname)
				return
			}
			textTmpl[strings.TrimSuffix(fname, ".txt")] = t.Option("missingkey=error")
		case strings.HasSuffix(fname, ".gohtml"):
			t, err := htmltmpl.New("_base.gohtml").Funcs(htmltmpl.FuncMap(funcs)).ParseFS(templatesFS, "templates/_base.gohtml", path)
			if err != nil {
				tmplErr = errors.Wrapf(err, "parsing %s", fname)
				return
			}
			htmlTmpl[strings.TrimSuffix(fname, ".gohtml")] = t.Option("missingkey=error")
		}
	}
}

// Render fills Text and HTML from TemplateName. Content that is already
// set is kept. A template may have only one of the two forms.
func (m *Message) Render() error {
	if m.TemplateName == "" {
		return nil
	}
	tmplOnce.Do(parseTemplates)
	if tmplErr != nil {
		return tmplErr
	}
	tt, hasText := textTmpl[m.TemplateName]
	ht, hasHTML := htmlTmpl[m.TemplateName]
	if !hasText && !hasHTML {
		return errors.Errorf("no template named '%s'", m.TemplateName)
	}
	var buf bytes.Buffer
	if hasText && m.Text == "" {
		if err := tt.ExecuteTemplate(&buf, "_base.txt", m.TemplateData); err != nil {
			return errors.Wrapf(err, "rendering %s.txt", m.TemplateName)
		}
		m.Text = buf.String()
	}
	if hasHTML && m.HTML == "" {
		buf.Reset()
		if err := ht.ExecuteTemplate(&buf, "_base.gohtml", m.TemplateData); err != nil {
			return errors.Wrapf(err, "rendering %s.gohtml", m.TemplateName)
		}
		m.HTML = buf.String()
	}
	return nil
}

// prepare renders msg and checks it can be sent
func prepare(msg *Message) error {
	if err := msg.Render(); err != nil {
		return err
	}
	if !msg.HasRecipients() {
		return errors.New("message has no recipients")
	}
	if !msg.HasContent() && !msg.HasAttachments() {
		return errors.New("message has no content")
	}
	return nil
}

func joinAddresses(addrs []mail.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// Address returns a mail.Address for an email with an optional name
func Address(email string, name string) mail.Address {
	return mail.Address{Name: name, Address: email}
}
