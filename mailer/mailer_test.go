package mailer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resultRow struct {
	Number  int
	Given   string
	Correct string
	Result  string
	OK      bool
}

func gradingData() map[string]any {
	return map[string]any{
		"Title":     "Semana 6",
		"Name":      "María López",
		"StudentID": "A1234",
		"Email":     "maria@example.edu",
		"Date":      "19/10/2026 10:00",
		"Score":     4,
		"Total":     5,
		"Passed":    true,
		"Answers": []resultRow{
			{1, "B", "B", "✓ Correcta", true},
			{2, "No respondida", "C", "✗ Incorrecta", false},
		},
	}
}

func TestRender(t *testing.T) {
	msg := &Message{TemplateName: TmplGradingResults, TemplateData: gradingData()}
	require.NoError(t, msg.Render())
	assert.Contains(t, msg.Text, "Calificación final: 4/5")
	assert.Contains(t, msg.Text, "Pregunta 2: tu respuesta No respondida")
	assert.Contains(t, msg.Text, "Departamento Académico")
	assert.Contains(t, msg.HTML, "<td>Pregunta 1</td>")
	assert.Contains(t, msg.HTML, "María López")

	msg = &Message{TemplateName: TmplBroadcast, TemplateData: map[string]any{
		"Name":  "Ana",
		"Body":  "Material del parcial",
		"Links": []string{"https://a.example", "https://b.example"},
	}}
	require.NoError(t, msg.Render())
	assert.Contains(t, msg.Text, "Estimado(a) Ana:")
	assert.Contains(t, msg.Text, "2. https://b.example")
	assert.Empty(t, msg.HTML)

	msg = &Message{TemplateName: "nope"}
	require.Error(t, msg.Render())

	// missing key
	msg = &Message{TemplateName: TmplEnrollConfirm, TemplateData: map[string]any{"Name": "x"}}
	require.Error(t, msg.Render())
}

func TestEveryTemplateRenders(t *testing.T) {
	base, err := fs.Glob(templatesFS, "templates/_base.*")
	require.NoError(t, err)
	assert.Len(t, base, 2)

	enrollData := map[string]any{
		"Name":     "Ana Ruiz",
		"Email":    "ana@example.edu",
		"Date":     "2026-10-19 09:30",
		"Subjects": []string{"Álgebra", "Física I"},
	}
	tests := []struct {
		name string
		data any
		want string
	}{
		{TmplGradingResults, gradingData(), "Calificación final: 4/5"},
		{TmplEnrollConfirm, enrollData, "- Física I"},
		{TmplEnrollAdmin, enrollData, "Email: ana@example.edu"},
		{TmplBroadcast, map[string]any{"Name": "Ana", "Body": "Tarea 3", "Links": nil}, "Tarea 3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := &Message{TemplateName: tc.name, TemplateData: tc.data}
			require.NoError(t, msg.Render())
			assert.Contains(t, msg.Text, tc.want)
			assert.Contains(t, msg.Text, "Departamento Académico")
			if tc.name == TmplGradingResults {
				assert.Contains(t, msg.HTML, "<!DOCTYPE html>")
			}
		})
	}
}

func TestRenderKeepsExplicitContent(t *testing.T) {
	msg := &Message{Text: "hello", TemplateName: TmplBroadcast,
		TemplateData: map[string]any{"Name": "Ana", "Body": "b", "Links": nil}}
	require.NoError(t, msg.Render())
	assert.Equal(t, "hello", msg.Text)
}

func parseMIME(t *testing.T, d []byte) (*mail.Message, map[string][]byte) {
	t.Helper()
	m, err := mail.ReadMessage(strings.NewReader(string(d)))
	require.NoError(t, err)
	parts := map[string][]byte{}
	var walk func(r io.Reader, ct string)
	walk = func(r io.Reader, ct string) {
		mt, params, err := mime.ParseMediaType(ct)
		require.NoError(t, err)
		if !strings.HasPrefix(mt, "multipart/") {
			return
		}
		mr := multipart.NewReader(r, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			require.NoError(t, err)
			pct := p.Header.Get("Content-Type")
			if strings.HasPrefix(pct, "multipart/") {
				walk(p, pct)
				continue
			}
			// multipart.Reader decodes quoted-printable but not base64
			d, err := io.ReadAll(p)
			require.NoError(t, err)
			key := strings.SplitN(pct, ";", 2)[0]
			if fn := p.FileName(); fn != "" {
				key = fn
			}
			parts[key] = d
		}
	}
	walk(m.Body, m.Header.Get("Content-Type"))
	return m, parts
}

func TestBuildMIME(t *testing.T) {
	from := Address("forms@example.edu", "Departamento Académico")
	msg := &Message{
		To:      []mail.Address{Address("ana@example.edu", "Ana")},
		Subject: "Confirmación de registro",
		Text:    "Hola Ana, ñandú",
		HTML:    "<p>Hola</p>",
	}
	d, err := BuildMIME(from, msg, time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	m, parts := parseMIME(t, d)
	dec := new(mime.WordDecoder)
	subj, err := dec.DecodeHeader(m.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Confirmación de registro", subj)
	assert.Contains(t, m.Header.Get("Content-Type"), "multipart/alternative")
	assert.Equal(t, "Hola Ana, ñandú", string(parts["text/plain"]))
	assert.Equal(t, "<p>Hola</p>", string(parts["text/html"]))

	msg.Attachments = []Attachment{{Filename: "tema 1.pdf", ContentType: "application/pdf", Content: []byte(strings.Repeat("%PDF", 100))}}
	d, err = BuildMIME(from, msg, time.Now())
	require.NoError(t, err)
	m, parts = parseMIME(t, d)
	assert.Contains(t, m.Header.Get("Content-Type"), "multipart/mixed")
	assert.Equal(t, "Hola Ana, ñandú", string(parts["text/plain"]))
	assert.NotEmpty(t, parts["tema 1.pdf"])
	for _, line := range strings.Split(string(d), "\r\n") {
		assert.LessOrEqual(t, len(line), 998)
	}
}

func TestConsoleSender(t *testing.T) {
	var out strings.Builder
	s := NewConsoleSender(Address("forms@example.edu", ""))
	s.Out = &out
	ctx := context.Background()

	err := s.Send(ctx, &Message{Subject: "x", Text: "y"})
	require.Error(t, err, "no recipients")

	msg := &Message{To: []mail.Address{Address("a@example.edu", "")}, Subject: "s", Text: "body"}
	require.NoError(t, s.Send(ctx, msg))
	assert.Contains(t, out.String(), "To: <a@example.edu>")
	require.Len(t, s.Sent(), 1)

	failErr := errors.New("smtp down")
	s.SetFail(failErr)
	require.ErrorIs(t, s.Send(ctx, msg), failErr)
	assert.Len(t, s.Sent(), 1)
}

func TestSendgridSender(t *testing.T) {
	var got map[string]any
	var auth string
	var status atomic.Int32
	status.Store(http.StatusAccepted)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusAccepted {
			http.Error(w, `{"errors":[{"message":"bad key"}]}`, code)
			return
		}
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSendgridSender("sg-key", Address("forms@example.edu", "Forms"))
	s.host = srv.URL
	msg := &Message{
		To:          []mail.Address{Address("ana@example.edu", "Ana")},
		Subject:     "Material",
		Text:        "hola",
		Attachments: []Attachment{{Filename: "a.pdf", Content: []byte("pdf")}},
	}
	require.NoError(t, s.Send(context.Background(), msg))
	assert.Equal(t, "Bearer sg-key", auth)
	atts := got["attachments"].([]any)
	require.Len(t, atts, 1)
	assert.Equal(t, "a.pdf", atts[0].(map[string]any)["filename"])
	assert.Equal(t, "cGRm", atts[0].(map[string]any)["content"])

	status.Store(http.StatusUnauthorized)
	err := s.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

// fakeSMTP accepts one message on a local port and returns its DATA
func fakeSMTP(t *testing.T) (port int, data <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	ch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		w("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"):
				w("250-localhost")
				w("250 8BITMIME")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				w("250 OK")
			case cmd == "DATA":
				w("354 go ahead")
				var sb strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					sb.WriteString(l)
				}
				ch <- sb.String()
				w("250 queued")
			case cmd == "QUIT":
				w("221 bye")
				return
			default:
				w("502 not implemented")
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, ch
}

func TestSMTPSender(t *testing.T) {
	port, data := fakeSMTP(t)
	s := NewSMTPSender(SMTPConfig{
		Host:    "127.0.0.1",
		Port:    port,
		From:    Address("forms@example.edu", ""),
		Timeout: 5 * time.Second,
	})
	msg := &Message{
		To:      []mail.Address{Address("ana@example.edu", "Ana")},
		Subject: "Confirmación de registro",
		Text:    "Hola",
	}
	require.NoError(t, s.Send(context.Background(), msg))
	select {
	case d := <-data:
		assert.Contains(t, d, "To: \"Ana\" <ana@example.edu>")
		assert.Contains(t, d, "Hola")
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSMTPSenderConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: port, Timeout: time.Second})
	msg := &Message{To: []mail.Address{Address("a@example.edu", "")}, Subject: "s", Text: "t"}
	err = s.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to 127.0.0.1")
}
