// internal/notification/email.go
package notification

import (
	"context"
	"fmt"
	"net/smtp"

	"donation-service/config"

	"github.com/jordan-wright/email"
	"go.uber.org/zap"
)

// Receipt is the payload for a donor confirmation email.
type Receipt struct {
	Email         string
	DonorName     string
	Amount        float64
	Reference     string
	ReceiptNumber string
}

// Notifier sends the donor a confirmation once a donation completes.
// Invoked fire-and-forget; failures never block callback acknowledgment.
type Notifier interface {
	SendDonationReceipt(ctx context.Context, receipt Receipt) error
}

type SMTPNotifier struct {
	cfg    config.SMTPConfig
	logger *zap.Logger
}

func NewSMTPNotifier(cfg config.SMTPConfig, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, logger: logger}
}

func (n *SMTPNotifier) SendDonationReceipt(ctx context.Context, r Receipt) error {
	if n.cfg.Host == "" {
		n.logger.Warn("SMTP not configured, skipping confirmation email",
			zap.String("reference", r.Reference))
		return nil
	}

	name := r.DonorName
	if name == "" {
		name = "Friend"
	}

	e := email.NewEmail()
	e.From = n.cfg.From
	e.To = []string{r.Email}
	e.Subject = fmt.Sprintf("Thank you for your donation %s", r.Reference)
	e.Text = []byte(fmt.Sprintf(
		"Dear %s,\n\n"+
			"Thank you for your donation of KES %.2f.\n\n"+
			"Reference: %s\n"+
			"M-Pesa receipt: %s\n\n"+
			"Your support makes our work possible.\n",
		name, r.Amount, r.Reference, r.ReceiptNumber,
	))

	addr := fmt.Sprintf("%s:%s", n.cfg.Host, n.cfg.Port)
	auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)

	return e.Send(addr, auth)
}
