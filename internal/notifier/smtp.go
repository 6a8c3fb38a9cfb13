package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// SMTPMailer sends one message per connection.
type SMTPMailer struct {
	cfg  EmailConfig
	opts []mail.Option
	now  func() time.Time
}

func NewSMTPMailer(cfg EmailConfig) (*SMTPMailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email from is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(10 * time.Second),
	}
	if cfg.StartTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	// Options are checked once here so a bad port fails at config time.
	if _, err := mail.NewClient(cfg.Host, opts...); err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPMailer{cfg: cfg, opts: opts, now: time.Now}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, html string) error {
	msg, err := buildMessage(m.cfg.From, to, subject, html, m.now())
	if err != nil {
		return err
	}
	c, err := mail.NewClient(m.cfg.Host, m.opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return classifySMTP(fmt.Errorf("smtp send to %s: %w", to, err))
	}
	return nil
}

// classifySMTP treats 5xx replies as permanent.
func classifySMTP(err error) error {
	var se *mail.SendError
	if errors.As(err, &se) && se.ErrorCode() >= 500 {
		return Permanent(err)
	}
	var te *textproto.Error
	if errors.As(err, &te) && te.Code >= 500 {
		return Permanent(err)
	}
	return err
}

// buildMessage rejects recipients that could smuggle headers.
func buildMessage(from, to, subject, html string, at time.Time) (*mail.Msg, error) {
	to = strings.TrimSpace(to)
	if to == "" || strings.ContainsAny(to, "\r\n") {
		return nil, Permanent(fmt.Errorf("invalid recipient %q", to))
	}
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, Permanent(fmt.Errorf("invalid sender %q: %w", from, err))
	}
	if err := msg.To(to); err != nil {
		return nil, Permanent(fmt.Errorf("invalid recipient %q: %w", to, err))
	}
	msg.Subject(subject)
	msg.SetDateWithValue(at)
	msg.SetBodyString(mail.TypeTextHTML, html)
	return msg, nil
}
