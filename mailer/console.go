package mailer

import (
	"context"
	"io"
	"net/mail"
	"sync"
	"time"

	"github.com/aulaforms/aulaforms/log"
	"github.com/pkg/errors"
)

// ConsoleSender prints messages instead of sending them and keeps
// a copy of each. Used in development and tests.
type ConsoleSender struct {
	from mail.Address
	// Out receives the formatted message, nil means log.Logf
	Out io.Writer
	// Quiet disables output, messages are only recorded
	Quiet bool

	mu   sync.Mutex
	fail error
	sent []Message
}

var _ Sender = (*ConsoleSender)(nil)

func NewConsoleSender(from mail.Address) *ConsoleSender {
	return &ConsoleSender{from: from}
}

func (s *ConsoleSender) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepare(msg); err != nil {
		return err
	}
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	if !s.Quiet {
		body, err := BuildMIME(s.from, msg, time.Now())
		if err != nil {
			return errors.Wrap(err, "building message")
		}
		if s.Out != nil {
			_, _ = s.Out.Write(body)
		} else {
			log.Logf("mail to %s:\n%s\n", joinAddresses(msg.To), body)
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, *msg)
	s.mu.Unlock()
	return nil
}

// SetFail makes subsequent Send calls fail with err (nil to stop failing)
func (s *ConsoleSender) SetFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Sent returns a copy of the messages sent so far
func (s *ConsoleSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}
