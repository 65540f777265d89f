package mailer

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/mail"
	"time"

	"github.com/aulaforms/aulaforms/log"
	"github.com/pkg/errors"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

var (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

type SendgridSender struct {
	key  string
	from *sgmail.Email
	host string
}

var _ Sender = (*SendgridSender)(nil)

func NewSendgridSender(key string, from mail.Address) *SendgridSender {
	return &SendgridSender{
		key:  key,
		from: sgmail.NewEmail(from.Name, from.Address),
		host: sendgridHost,
	}
}

func (s *SendgridSender) prepare(msg *Message) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = msg.Subject
	for _, to := range msg.To {
		p.AddTos(sgmail.NewEmail(to.Name, to.Address))
	}

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	// sendgrid requires text/plain before text/html
	if msg.Text != "" {
		m.AddContent(sgmail.NewContent("text/plain", msg.Text))
	}
	if msg.HTML != "" {
		m.AddContent(sgmail.NewContent("text/html", msg.HTML))
	}
	for _, at := range msg.Attachments {
		ct := at.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		m.AddAttachment(&sgmail.Attachment{
			Content:     base64.StdEncoding.EncodeToString(at.Content),
			Type:        ct,
			Filename:    at.Filename,
			Disposition: "attachment",
		})
	}
	return m
}

func (s *SendgridSender) Send(ctx context.Context, msg *Message) error {
	if err := prepare(msg); err != nil {
		return err
	}
	req := sendgrid.GetRequest(s.key, sendgridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(msg))

	timeStart := time.Now()
	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return errors.Wrap(err, "sendgrid request")
	}
	if res.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("sendgrid: status %d: %s", res.StatusCode, res.Body)
	}
	log.EventWithDuration("mail.sent", time.Since(timeStart), "transport", "sendgrid", "to", joinAddresses(msg.To))
	return nil
}
