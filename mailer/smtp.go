package mailer

import (
	"context"
	"crypto/tls"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"

	"github.com/aulaforms/aulaforms/log"
	"github.com/pkg/errors"
)

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     mail.Address
	// Timeout bounds the whole exchange, default 30s
	Timeout time.Duration
}

// SMTPSender sends through an SMTP server. Port 465 uses implicit TLS,
// other ports upgrade with STARTTLS when the server offers it.
type SMTPSender struct {
	cfg SMTPConfig
	now func() time.Time
	// tlsConfig is overridden in tests
	tlsConfig *tls.Config
}

var _ Sender = (*SMTPSender)(nil)

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.From.Address == "" {
		cfg.From.Address = cfg.User
	}
	return &SMTPSender{
		cfg:       cfg,
		now:       time.Now,
		tlsConfig: &tls.Config{ServerName: cfg.Host},
	}
}

func (s *SMTPSender) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	d := &net.Dialer{Timeout: s.cfg.Timeout}
	if s.cfg.Port == 465 {
		td := &tls.Dialer{NetDialer: d, Config: s.tlsConfig}
		return td.DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	if err := prepare(msg); err != nil {
		return err
	}
	body, err := BuildMIME(s.cfg.From, msg, s.now())
	if err != nil {
		return errors.Wrap(err, "building message")
	}

	timeStart := time.Now()
	conn, err := s.dial(ctx)
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", s.cfg.Host)
	}
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "smtp handshake")
	}
	defer c.Close()

	if s.cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err = c.StartTLS(s.tlsConfig); err != nil {
				return errors.Wrap(err, "starttls")
			}
		}
	}
	if s.cfg.User != "" {
		auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
		if err = c.Auth(auth); err != nil {
			return errors.Wrap(err, "smtp auth")
		}
	}
	if err = c.Mail(s.cfg.From.Address); err != nil {
		return errors.Wrap(err, "smtp MAIL FROM")
	}
	for _, to := range msg.To {
		if err = c.Rcpt(to.Address); err != nil {
			return errors.Wrapf(err, "smtp RCPT TO %s", to.Address)
		}
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "smtp DATA")
	}
	if _, err = w.Write(body); err != nil {
		return errors.Wrap(err, "writing message")
	}
	if err = w.Close(); err != nil {
		return errors.Wrap(err, "finishing message")
	}
	err = c.Quit()
	log.EventWithDuration("mail.sent", time.Since(timeStart), "transport", "smtp", "to", joinAddresses(msg.To))
	if err != nil {
		// the message was already accepted
		log.Verbosef("smtp: quit failed: %s\n", err)
	}
	return nil
}
