// Package mailer sends transactional email: claim verification codes and
// account reactivation notices. Delivery backends are pluggable; the log
// backend is the default so a deployment without SMTP still works.
package mailer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gomail "github.com/wneessen/go-mail"
)

// Message is one outbound email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg *Message) error {
	m.logger.Info("email (log backend)", "to", msg.To, "subject", msg.Subject, "text", msg.Text)
	return nil
}

// SMTPConfig configures the SMTP backend.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
}

// SMTPMailer delivers via an SMTP relay.
type SMTPMailer struct {
	cfg SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, msg *Message) error {
	mm := gomail.NewMsg()
	if err := mm.From(m.cfg.From); err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	if err := mm.To(msg.To); err != nil {
		return fmt.Errorf("smtp to: %w", err)
	}
	mm.Subject(msg.Subject)
	mm.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		mm.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}

	opts := []gomail.Option{
		gomail.WithPort(m.cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(m.cfg.Username),
		gomail.WithPassword(m.cfg.Password),
	}
	if m.cfg.StartTLS {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	client, err := gomail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, mm); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// WebhookConfig configures the webhook backend, which POSTs the message as
// JSON to an external delivery service.
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

type WebhookMailer struct {
	cfg    WebhookConfig
	client *http.Client
}

type webhookPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

func NewWebhookMailer(cfg WebhookConfig) *WebhookMailer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookMailer{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (m *WebhookMailer) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(webhookPayload{
		To: msg.To, Subject: msg.Subject, HTML: msg.HTML, Text: msg.Text,
	})
	if err != nil {
		return fmt.Errorf("webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(m.cfg.Secret))
		mac.Write(payload)
		req.Header.Set("X-CFBC-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook send: status %d", resp.StatusCode)
	}
	return nil
}
