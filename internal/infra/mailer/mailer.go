package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/config"
	"github.com/smplatform/mu-auth/internal/infra/logger"
)

// ErrUnavailable indicates the mail provider could not be reached.
var ErrUnavailable = errors.New("mailer: unavailable")

// Mailer dispatches magic links and MFA codes through a Mailjet-compatible
// send API. SMS destinations are routed through the same provider's SMS
// endpoint.
type Mailer struct {
	cfg        config.MailerSettings
	httpClient *http.Client
	logger     *zap.Logger
}

// New constructs the dispatcher with request timeouts applied.
func New(cfg config.MailerSettings, log *zap.Logger) *Mailer {
	if log == nil {
		log = zap.NewNop()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Mailer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
	}
}

// SendMagicLink delivers the single-use login link. The raw token appears
// only inside the message body, never in logs.
func (m *Mailer) SendMagicLink(ctx context.Context, msg port.MagicLinkMessage) error {
	link := fmt.Sprintf("%s?token=%s", strings.TrimRight(m.cfg.LinkBaseURL, "/"), msg.Token)
	if msg.RedirectURL != "" {
		link += "&redirect=" + msg.RedirectURL
	}

	subject := "Your sign-in link"
	switch msg.Action {
	case "register":
		subject = "Finish creating your account"
	case "reset_password":
		subject = "Reset your password"
	case "verify_email":
		subject = "Confirm your email address"
	}

	body := fmt.Sprintf(
		"Follow this link to continue: %s\n\nThe link expires in %d minutes and can be used once.",
		link, msg.ExpiresIn/60,
	)

	if err := m.sendEmail(ctx, msg.Email, subject, body); err != nil {
		return err
	}

	m.logger.Info("magic link dispatched",
		zap.String("email", logger.MaskEmail(msg.Email)),
		zap.String("action", msg.Action),
	)
	return nil
}

// SendMFACode delivers a one-time code over email or SMS.
func (m *Mailer) SendMFACode(ctx context.Context, msg port.MFACodeMessage) error {
	body := fmt.Sprintf(
		"Your verification code is %s. It expires in %d minutes.",
		msg.Code, msg.ExpiresIn/60,
	)

	var err error
	switch msg.Channel {
	case "sms":
		err = m.sendSMS(ctx, msg.Destination, body)
	default:
		err = m.sendEmail(ctx, msg.Destination, "Your verification code", body)
	}
	if err != nil {
		return err
	}

	masked := logger.MaskEmail(msg.Destination)
	if msg.Channel == "sms" {
		masked = logger.MaskPhone(msg.Destination)
	}
	m.logger.Info("mfa code dispatched",
		zap.String("destination", masked),
		zap.String("channel", msg.Channel),
	)
	return nil
}

// SendWelcome greets a freshly provisioned account.
func (m *Mailer) SendWelcome(ctx context.Context, email, username string) error {
	body := fmt.Sprintf("Welcome %s, your account is ready.", username)
	return m.sendEmail(ctx, email, "Welcome", body)
}

func (m *Mailer) sendEmail(ctx context.Context, to, subject, text string) error {
	payload := map[string]any{
		"Messages": []map[string]any{{
			"From": map[string]string{
				"Email": m.cfg.FromEmail,
				"Name":  m.cfg.FromName,
			},
			"To":       []map[string]string{{"Email": to}},
			"Subject":  subject,
			"TextPart": text,
		}},
	}
	return m.post(ctx, "/send", payload)
}

func (m *Mailer) sendSMS(ctx context.Context, to, text string) error {
	payload := map[string]any{
		"From": m.cfg.FromName,
		"To":   to,
		"Text": text,
	}
	return m.post(ctx, "/sms-send", payload)
}

func (m *Mailer) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	endpoint := strings.TrimRight(m.cfg.APIBaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(m.cfg.APIKey, m.cfg.APISecret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Warn("mail provider request failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return ErrUnavailable
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mail provider: status %d", resp.StatusCode)
	}
	return nil
}

var _ port.Dispatcher = (*Mailer)(nil)

// Noop discards every message; used in development environments without a
// configured provider.
type Noop struct{}

func (Noop) SendMagicLink(context.Context, port.MagicLinkMessage) error { return nil }
func (Noop) SendMFACode(context.Context, port.MFACodeMessage) error     { return nil }
func (Noop) SendWelcome(context.Context, string, string) error          { return nil }

var _ port.Dispatcher = Noop{}
