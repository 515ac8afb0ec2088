package email

import (
	"errors"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// sendMail is swapped in tests.
var sendMail = smtp.SendMail

// SendText sends a plain-text UTF-8 mail to a single recipient.
func SendText(cfg SMTPConfig, to, subject, body string) error {
	if !cfg.Enabled() {
		return errors.New("email: smtp not configured")
	}
	if to == "" || strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("email: bad recipient %q", to)
	}

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	if err := sendMail(addr, auth, cfg.From, []string{to}, buildMessage(cfg.From, to, subject, body)); err != nil {
		return fmt.Errorf("email: send to %s: %w", to, err)
	}
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// Mailer adapts a fixed SMTPConfig to a single-method sender.
type Mailer struct {
	Cfg SMTPConfig
}

func (m Mailer) SendText(to, subject, body string) error {
	return SendText(m.Cfg, to, subject, body)
}
