package data

import (
	"context"
	"fmt"
	"time"

	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// DevMailer logs deliveries instead of talking to a real provider.
// It implements biz.Mailer for development and testing; a production
// deployment swaps in an SMTP or API-backed implementation.
type DevMailer struct {
	logger *log.Helper
}

// NewDevMailer creates a logging mailer.
func NewDevMailer(logger log.Logger) *DevMailer {
	return &DevMailer{
		logger: log.NewHelper(logger),
	}
}

// Send logs the delivery and reports success with a synthetic
// provider message id.
func (m *DevMailer) Send(ctx context.Context, job *model.EmailJob) (*model.DeliveryResult, error) {
	m.logger.Infow("delivering email (dev mailer, no provider configured)",
		"job_id", job.ID,
		"to", job.ToEmail,
		"email_type", job.Type,
		"priority", job.Priority)

	return &model.DeliveryResult{
		Success:   true,
		MessageID: fmt.Sprintf("dev-%s", uuid.NewString()),
		Provider:  "dev",
		SentAt:    time.Now(),
	}, nil
}
