package notifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"stashd/internal/domain"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email is the SMTP channel.
type Email struct {
	cfg  EmailConfig
	send SendMailFunc
	now  func() time.Time
}

var _ Channel = (*Email)(nil)

func NewEmail(cfg EmailConfig, send SendMailFunc) (*Email, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("email host and from are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if send == nil {
		send = smtp.SendMail
	}
	return &Email{cfg: cfg, send: send, now: time.Now}, nil
}

func (e *Email) Send(ctx context.Context, to domain.User, n domain.Notification) error {
	if to.Email == "" {
		return fmt.Errorf("%w: email", ErrNoAddress)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	msg := e.message(to.Email, n)

	// smtp.SendMail has no context; run it aside so a cancelled ctx returns.
	done := make(chan error, 1)
	go func() { done <- e.send(addr, auth, e.cfg.From, []string{to.Email}, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Email) message(to string, n domain.Notification) []byte {
	var b strings.Builder
	subject := n.Title
	if subject == "" {
		subject = "stashd"
	}
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(render(n), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
