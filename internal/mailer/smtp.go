package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/CedrosPay/vouchers/internal/circuitbreaker"
	"github.com/CedrosPay/vouchers/internal/config"
)

// SMTPSender delivers emails over SMTP, upgrading to STARTTLS when offered.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	subject  string
	timeout  time.Duration
	breaker  *circuitbreaker.Manager
}

// NewSMTPSender builds a sender from mail config. Calls go through the mail breaker when set.
func NewSMTPSender(cfg config.MailConfig, breaker *circuitbreaker.Manager) *SMTPSender {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	return &SMTPSender{
		host:     cfg.Host,
		port:     port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		subject:  cfg.Subject,
		timeout:  timeout,
		breaker:  breaker,
	}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, email VoucherEmail) error {
	msg, err := buildMessage(s.from, s.subject, email)
	if err != nil {
		return err
	}
	_, err = s.breaker.Execute(circuitbreaker.ServiceMail, func() (interface{}, error) {
		return nil, s.deliver(ctx, email.To, msg)
	})
	return err
}

func (s *SMTPSender) deliver(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

func buildMessage(from, subject string, email VoucherEmail) ([]byte, error) {
	if email.To == "" {
		return nil, fmt.Errorf("voucher email requires a recipient")
	}
	body, err := RenderBody(email)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		subject = "Your voucher code"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", email.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}
