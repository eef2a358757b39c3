package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"crapless.app/cloud/internal/logger"
)

type SMTPSender struct {
	addr     string
	host     string
	username string
	password string
	from     string
	replyTo  string
	timeout  time.Duration

	// sendMail is (*SMTPSender).send outside tests.
	sendMail func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// defaultSMTPTimeout bounds a whole delivery. Sends happen inside the
// webhook request, which Stripe abandons after a few seconds.
const defaultSMTPTimeout = 10 * time.Second

func NewSMTPSender(cfg Config) (*SMTPSender, error) {
	if cfg.SMTPHost == "" || cfg.SMTPPort == "" || cfg.SMTPUsername == "" || cfg.SMTPPassword == "" {
		logger.Error("SMTP configuration missing")
		return nil, fmt.Errorf("%w: SMTP host, port, username and password are required", ErrInvalidConfig)
	}
	if !emailRegex.MatchString(cfg.SenderEmail) {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}

	s := &SMTPSender{
		addr:     net.JoinHostPort(cfg.SMTPHost, cfg.SMTPPort),
		host:     cfg.SMTPHost,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.SenderEmail,
		replyTo:  cfg.SupportEmail,
		timeout:  defaultSMTPTimeout,
	}
	s.sendMail = s.send
	return s, nil
}

func (s *SMTPSender) SendEmail(ctx context.Context, params SendEmailParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	auth := smtp.PlainAuth("", s.username, s.password, s.host)

	headers := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=\"UTF-8\"\r\n", s.from, params.SendTo, params.Subject)
	if s.replyTo != "" {
		headers += fmt.Sprintf("Reply-To: %s\r\n", s.replyTo)
	}
	msg := []byte(headers + "\r\n" + params.BodyHTML + "\r\n")

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.sendMail(ctx, s.addr, auth, s.from, []string{params.SendTo}, msg); err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	return nil
}

// send is smtp.SendMail with the dial and every later command bound to ctx.
func (s *SMTPSender) send(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
