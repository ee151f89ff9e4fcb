package notify

import (
	"context"
	"errors"
	"strings"

	"gopkg.in/gomail.v2"
)

// Mailer sends plain-text mail.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer delivers mail through an SMTP relay.
type SMTPMailer struct {
	dialer mailDialer
	from   string
}

// NewSMTPMailer builds a mailer for the given relay.
func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// Send delivers one message. The SMTP exchange itself is not cancellable, so
// ctx is only checked before dialing.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("mail recipient required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return m.dialer.DialAndSend(msg)
}
