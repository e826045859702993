package services

import (
	"context"
	"fmt"
	"html"
	"time"

	"donation-api/pkg/logging"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// BrevoConfig holds the sender and the operator who is told about new badge holders
type BrevoConfig struct {
	APIKey        string
	FromEmail     string
	FromName      string
	OperatorEmail string
	// BasePath overrides the API endpoint
	BasePath string
}

// BrevoService sends transactional e-mail through the Brevo API
type BrevoService struct {
	cfg     BrevoConfig
	client  *brevo.APIClient
	metrics NotificationMetrics
}

// NewBrevoService creates the service
func NewBrevoService(cfg BrevoConfig, metrics NotificationMetrics) *BrevoService {
	apiCfg := brevo.NewConfiguration()
	apiCfg.AddDefaultHeader("api-key", cfg.APIKey)
	if cfg.BasePath != "" {
		apiCfg.BasePath = cfg.BasePath
	}
	return &BrevoService{
		cfg:     cfg,
		client:  brevo.NewAPIClient(apiCfg),
		metrics: metrics,
	}
}

// Enabled reports whether an API key and an operator address are configured
func (s *BrevoService) Enabled() bool {
	return s.cfg.APIKey != "" && s.cfg.OperatorEmail != ""
}

// OnDonation is a SuccessHook that mails the operator when a first donation earns a badge
func (s *BrevoService) OnDonation(ctx context.Context, result *DonationResult) {
	if !s.Enabled() || result == nil || !result.IsFirstDonation || result.Donation == nil {
		return
	}
	go func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.SendFirstDonationEmail(sctx, result); err != nil {
			logging.Errorf("Failed to send first donation e-mail for %s: %v", result.Donation.Nickname, err)
		}
	}()
}

// SendFirstDonationEmail tells the operator that nickname just earned the donor badge
func (s *BrevoService) SendFirstDonationEmail(ctx context.Context, result *DonationResult) error {
	d := result.Donation
	nickname := html.EscapeString(d.Nickname)

	subject := fmt.Sprintf("New donor badge: %s", d.Nickname)
	htmlContent := fmt.Sprintf(`
		<!DOCTYPE html>
		<html>
		<head>
			<meta charset="UTF-8">
			<title>New donor</title>
		</head>
		<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
			<div style="background-color: #f8f9fa; padding: 30px; border-radius: 10px; text-align: center;">
				<h1 style="color: #333; margin-bottom: 20px;">%s made a first donation</h1>
				<p style="color: #666; font-size: 16px;">Amount: %d KRW</p>
				<p style="color: #666; font-size: 16px;">Platform: %s</p>
				<p style="color: #999; font-size: 12px; margin-top: 30px;">Donation #%d at %s</p>
			</div>
		</body>
		</html>
	`, nickname, d.Amount, d.Platform, d.ID, d.CreatedAt.UTC().Format(time.RFC3339))

	textContent := fmt.Sprintf("%s made a first donation\n\nAmount: %d KRW\nPlatform: %s\nDonation #%d at %s\n",
		d.Nickname, d.Amount, d.Platform, d.ID, d.CreatedAt.UTC().Format(time.RFC3339))

	err := s.sendEmail(ctx, brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  s.cfg.FromName,
			Email: s.cfg.FromEmail,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: s.cfg.OperatorEmail},
		},
		Subject:     subject,
		HtmlContent: htmlContent,
		TextContent: textContent,
	})
	if s.metrics != nil {
		s.metrics.NotificationSent("email", err == nil)
	}
	return err
}

func (s *BrevoService) sendEmail(ctx context.Context, email brevo.SendSmtpEmail) error {
	_, resp, err := s.client.TransactionalEmailsApi.SendTransacEmail(ctx, email)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("brevo API error: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
