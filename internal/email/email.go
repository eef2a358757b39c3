package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"crapless.app/cloud/models"
)

var (
	ErrFailedToSendEmail = errors.New("failed to send email")
	ErrInvalidConfig     = errors.New("invalid email configuration")
	ErrInvalidParams     = errors.New("invalid email parameters")
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Sender delivers a single transactional email.
type Sender interface {
	SendEmail(ctx context.Context, params SendEmailParams) error
}

type SendEmailParams struct {
	SendTo   string
	Subject  string
	BodyHTML string
	Tag      string
}

func (p SendEmailParams) Validate() error {
	if !emailRegex.MatchString(p.SendTo) {
		return fmt.Errorf("%w: invalid recipient %q", ErrInvalidParams, p.SendTo)
	}
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidParams)
	}
	if strings.TrimSpace(p.BodyHTML) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidParams)
	}
	return nil
}

type Config struct {
	SenderEmail  string
	SupportEmail string

	PostmarkServerToken  string
	PostmarkAccountToken string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
}

var licenseKeyTemplate = template.Must(template.New("license_key").Parse(`<div style="font-family:sans-serif;max-width:500px;margin:0 auto;padding:32px 24px;">
  <h2 style="text-align:center;margin-top:0;">{{.AppName}}</h2>
  <p style="text-align:center;font-size:15px;">Thanks for upgrading to <strong>{{.PlanLabel}}</strong>!</p>
  <div style="border:2px solid #10b981;border-radius:12px;padding:20px;text-align:center;margin:24px 0;">
    <div style="font-size:11px;text-transform:uppercase;letter-spacing:1px;margin-bottom:8px;">Your License Key</div>
    <div style="font-size:24px;font-weight:800;letter-spacing:3px;font-family:monospace;">{{.Key}}</div>
  </div>
  <p style="font-size:13px;text-align:center;">
    Open the app, tap <strong>Upgrade</strong>, then scroll down to
    <em>"Already purchased? Enter your license key"</em> and paste it in.
  </p>
  <p style="font-size:12px;color:#6b7280;text-align:center;margin-top:32px;">
    If you have any issues, just reply to this email.
  </p>
</div>
`))

// LicenseKeyMessage builds the key-delivery email for a freshly issued license.
func LicenseKeyMessage(appName, to, key string, plan models.Plan) (SendEmailParams, error) {
	var body bytes.Buffer
	err := licenseKeyTemplate.Execute(&body, struct {
		AppName   string
		PlanLabel string
		Key       string
	}{
		AppName:   appName,
		PlanLabel: plan.Label(),
		Key:       key,
	})
	if err != nil {
		return SendEmailParams{}, fmt.Errorf("failed to render license email: %w", err)
	}

	return SendEmailParams{
		SendTo:   to,
		Subject:  fmt.Sprintf("Your %s License Key", appName),
		BodyHTML: body.String(),
		Tag:      "license-key",
	}, nil
}

// NopSender drops every message. Used when no email service is configured.
type NopSender struct{}

func (NopSender) SendEmail(ctx context.Context, params SendEmailParams) error {
	return params.Validate()
}

// New returns the sender for the named service: "postmark", "smtp", or
// "none" (also the empty string).
func New(service string, cfg Config) (Sender, error) {
	switch service {
	case "postmark":
		sender, err := NewPostmarkSender(cfg)
		if err != nil {
			return nil, err
		}
		return sender, nil
	case "smtp":
		sender, err := NewSMTPSender(cfg)
		if err != nil {
			return nil, err
		}
		return sender, nil
	case "none", "":
		return NopSender{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown email service %q", ErrInvalidConfig, service)
	}
}
