package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	To       []string
}

// EmailSender delivers alerts over SMTP.
type EmailSender struct {
	cfg EmailConfig
}

// NewEmailSender creates an EmailSender with the given SMTP settings.
func NewEmailSender(cfg EmailConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// Send delivers the alert as a plain-text email to every configured recipient.
func (e *EmailSender) Send(ctx context.Context, sev Severity, title, message string) error {
	if len(e.cfg.To) == 0 {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	var auth smtp.Auth
	if e.cfg.User != "" {
		auth = smtp.PlainAuth("", e.cfg.User, e.cfg.Password, e.cfg.Host)
	}

	subject := fmt.Sprintf("[tradecopier][%s] %s", strings.ToUpper(string(sev)), title)
	body := strings.Join([]string{
		"From: " + e.cfg.From,
		"To: " + strings.Join(e.cfg.To, ", "),
		"Subject: " + subject,
		"",
		message,
		"",
	}, "\r\n")

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, e.cfg.From, e.cfg.To, []byte(body))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: sending via %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("email: sending via %s: %w", addr, ctx.Err())
	}
}

// Name returns the sender identifier.
func (e *EmailSender) Name() string {
	return "email"
}
