package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pkgwatch/npmsync/internal/queue"
)

// EmailSender sends a rendered update notice to a user. Template rendering
// and transport live outside the sync core.
type EmailSender interface {
	SendUpdateNotice(ctx context.Context, pl queue.EmailDeliveryPayload) error
}

// Integrations is the slice of the database delivery needs to disable dead
// webhooks.
type Integrations interface {
	DisableChatIntegration(ctx context.Context, userID, reason string) error
}

// Delivery consumes channel delivery jobs. Each channel has its own rate
// limiter; a limited worker waits rather than failing the job.
type Delivery struct {
	httpClient   *http.Client
	email        EmailSender
	integrations Integrations
	chatLimiter  *rate.Limiter
	emailLimiter *rate.Limiter
	logger       *zap.Logger
}

// DeliveryOption configures Delivery.
type DeliveryOption func(*Delivery)

// WithChatRate sets the chat webhook rate limit in messages per second.
func WithChatRate(perSecond float64, burst int) DeliveryOption {
	return func(d *Delivery) {
		d.chatLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithEmailRate sets the email rate limit in messages per second.
func WithEmailRate(perSecond float64, burst int) DeliveryOption {
	return func(d *Delivery) {
		d.emailLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHTTPClient sets the client used for webhook posts.
func WithHTTPClient(c *http.Client) DeliveryOption {
	return func(d *Delivery) {
		d.httpClient = c
	}
}

// NewDelivery creates the delivery consumer.
func NewDelivery(email EmailSender, integrations Integrations, logger *zap.Logger, opts ...DeliveryOption) *Delivery {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Delivery{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		email:        email,
		integrations: integrations,
		chatLimiter:  rate.NewLimiter(rate.Limit(5), 10),
		emailLimiter: rate.NewLimiter(rate.Limit(2), 4),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleChat processes one chat webhook job. Transient webhook failures are
// returned for asynq's exponential-backoff retry; a permanently gone webhook
// disables the integration and skips retry.
func (d *Delivery) HandleChat(ctx context.Context, task *asynq.Task) error {
	pl, err := queue.Unmarshal[queue.ChatDeliveryPayload](task)
	if err != nil {
		return err
	}

	if err := d.chatLimiter.Wait(ctx); err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{
		"text": chatMessage(pl),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pl.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %v: %w", err, asynq.SkipRetry)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook for %s: %w", pl.UserID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The webhook endpoint no longer exists; retrying cannot help.
		if err := d.integrations.DisableChatIntegration(ctx, pl.UserID, fmt.Sprintf("webhook returned %d", resp.StatusCode)); err != nil {
			d.logger.Warn("disabling dead webhook failed",
				zap.String("user", pl.UserID), zap.Error(err))
		}
		d.logger.Info("chat integration disabled",
			zap.String("user", pl.UserID),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("webhook gone (%d): %w", resp.StatusCode, asynq.SkipRetry)

	default:
		return fmt.Errorf("webhook returned %d for %s", resp.StatusCode, pl.UserID)
	}
}

// HandleEmail processes one immediate-critical email job.
func (d *Delivery) HandleEmail(ctx context.Context, task *asynq.Task) error {
	pl, err := queue.Unmarshal[queue.EmailDeliveryPayload](task)
	if err != nil {
		return err
	}

	if err := d.emailLimiter.Wait(ctx); err != nil {
		return err
	}

	if err := d.email.SendUpdateNotice(ctx, pl); err != nil {
		return fmt.Errorf("sending email to %s: %w", pl.UserID, err)
	}
	return nil
}

func chatMessage(pl queue.ChatDeliveryPayload) string {
	prefix := ""
	if pl.IsSecurityUpdate {
		prefix = "Security update: "
	}
	if pl.PreviousVersion != "" {
		return fmt.Sprintf("%s%s %s -> %s (%s)", prefix, pl.PackageName, pl.PreviousVersion, pl.NewVersion, pl.Severity)
	}
	return fmt.Sprintf("%s%s %s (%s)", prefix, pl.PackageName, pl.NewVersion, pl.Severity)
}
