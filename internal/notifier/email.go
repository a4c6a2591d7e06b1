package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// SendGridNotifier delivers the email channel through the SendGrid API.
type SendGridNotifier struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	log       zerolog.Logger
}

// NewSendGridNotifier returns nil when no API key is configured.
func NewSendGridNotifier(cfg SendGridConfig, logger zerolog.Logger) *SendGridNotifier {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.FromName == "" {
		cfg.FromName = "Clinic Front Desk"
	}
	return &SendGridNotifier{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		log:       logger.With().Str("component", "sendgrid").Logger(),
	}
}

func (n *SendGridNotifier) Dispatch(ctx context.Context, req Request) error {
	if n == nil || n.client == nil {
		return errors.New("sendgrid client not configured")
	}
	if req.Contact == "" {
		return fmt.Errorf("no email address for appointment %s", req.AppointmentID)
	}

	subject, body := renderEmail(req)
	message := mail.NewSingleEmail(
		mail.NewEmail(n.fromName, n.fromEmail),
		subject,
		mail.NewEmail("", req.Contact),
		body,
		body,
	)
	message.SetHeader("X-Appointment-ID", req.AppointmentID.String())

	resp, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		n.log.Error().Err(err).Str("appointment_id", req.AppointmentID.String()).Msg("sendgrid send failed")
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		n.log.Error().Int("status", resp.StatusCode).Str("body", resp.Body).Msg("sendgrid returned error status")
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}

	n.log.Info().
		Str("appointment_id", req.AppointmentID.String()).
		Str("template", req.Template).
		Int("status", resp.StatusCode).
		Msg("reminder email sent")
	return nil
}

func renderEmail(req Request) (string, string) {
	when := req.AppointmentAt.Format("Mon Jan 2 at 15:04")
	switch req.Template {
	case TemplateIntakeOverdue:
		return "Your intake form is overdue",
			fmt.Sprintf("Please complete your intake form before your appointment on %s.", when)
	case TemplateReminderFollowUp:
		return "Reminder: please confirm your appointment",
			fmt.Sprintf("We have not heard back from you about your appointment on %s. Please confirm and complete your intake form.", when)
	default:
		return "Your upcoming appointment",
			fmt.Sprintf("You have an appointment on %s. Please confirm and complete your intake form.", when)
	}
}

// Message templates the notifier service understands.
const (
	TemplateReminder         = "appointment-reminder"
	TemplateReminderFollowUp = "appointment-reminder-followup"
	TemplateIntakeOverdue    = "intake-overdue"
)
