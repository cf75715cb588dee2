package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/pkgwatch/npmsync/internal/queue"
)

// LogEmailSender records outgoing email instead of sending it. Template
// rendering and SMTP transport belong to the mail service; deployments
// without one get this sender so critical updates still leave a trace.
type LogEmailSender struct {
	Logger *zap.Logger
}

func (s *LogEmailSender) SendUpdateNotice(ctx context.Context, pl queue.EmailDeliveryPayload) error {
	s.Logger.Info("critical update email",
		zap.String("user", pl.UserID),
		zap.String("package", pl.PackageName),
		zap.String("new_version", pl.NewVersion),
		zap.String("severity", pl.Severity))
	return nil
}

var _ EmailSender = (*LogEmailSender)(nil)
