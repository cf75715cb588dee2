package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/pkgwatch/npmsync/internal/queue"
	"github.com/pkgwatch/npmsync/internal/store"
)

// Storage is the slice of the database the dispatcher needs.
type Storage interface {
	FavoritersWithPreferences(ctx context.Context, packageName string) ([]store.Favoriter, error)
	InsertNotification(ctx context.Context, n store.Notification) (bool, error)
}

// Jobs enqueues channel delivery work.
type Jobs interface {
	EnqueueChatDelivery(ctx context.Context, pl queue.ChatDeliveryPayload) error
	EnqueueEmailDelivery(ctx context.Context, pl queue.EmailDeliveryPayload) error
}

// Result counts the outcome of one dispatch.
type Result struct {
	Notified int
	Skipped  int
}

// Dispatcher routes one package update to everyone who follows the package.
type Dispatcher struct {
	storage Storage
	jobs    Jobs
	logger  *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(storage Storage, jobs Jobs, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{storage: storage, jobs: jobs, logger: logger}
}

// Dispatch notifies every favoriting user whose preferences match the
// update. Database unavailability degrades to a zero-result no-op: the sync
// pipeline must never block on notification infrastructure. Re-dispatching
// the same (package, newVersion) is idempotent end to end: the notification
// row insert tolerates duplicates and delivery jobs are keyed by
// (user, package, version).
func (d *Dispatcher) Dispatch(ctx context.Context, packageName string, enr Enrichment, previousVersion, newVersion string) Result {
	favoriters, err := d.storage.FavoritersWithPreferences(ctx, packageName)
	if err != nil {
		d.logger.Warn("notification dispatch degraded to no-op",
			zap.String("package", packageName),
			zap.Error(err))
		return Result{}
	}

	var res Result
	for _, fav := range favoriters {
		if !wantsUpdate(fav.Preferences, enr) {
			res.Skipped++
			continue
		}

		notified := false

		if fav.Preferences.InAppEnabled {
			inserted, err := d.storage.InsertNotification(ctx, store.Notification{
				UserID:               fav.UserID,
				PackageName:          packageName,
				NewVersion:           newVersion,
				PreviousVersion:      previousVersion,
				Severity:             string(enr.Severity),
				IsSecurityUpdate:     enr.IsSecurityUpdate,
				IsBreakingChange:     enr.IsBreakingChange,
				ChangelogSnippet:     enr.ChangelogSnippet,
				VulnerabilitiesFixed: enr.VulnerabilitiesFixed,
			})
			if err != nil {
				d.logger.Warn("notification insert failed",
					zap.String("user", fav.UserID),
					zap.String("package", packageName),
					zap.Error(err))
			} else {
				// A duplicate insert still counts the user as notified; the
				// earlier dispatch already reached them.
				notified = true
				_ = inserted
			}
		}

		if fav.Chat != nil && fav.Chat.Enabled && fav.Preferences.ChatEnabled {
			err := d.jobs.EnqueueChatDelivery(ctx, queue.ChatDeliveryPayload{
				UserID:           fav.UserID,
				PackageName:      packageName,
				PreviousVersion:  previousVersion,
				NewVersion:       newVersion,
				Severity:         string(enr.Severity),
				IsSecurityUpdate: enr.IsSecurityUpdate,
				WebhookURL:       fav.Chat.WebhookURL,
			})
			if err != nil {
				d.logger.Warn("chat delivery enqueue failed",
					zap.String("user", fav.UserID), zap.Error(err))
			} else {
				notified = true
			}
		}

		if fav.Preferences.EmailImmediateCritical && enr.Severity == SeverityCritical {
			err := d.jobs.EnqueueEmailDelivery(ctx, queue.EmailDeliveryPayload{
				UserID:          fav.UserID,
				PackageName:     packageName,
				PreviousVersion: previousVersion,
				NewVersion:      newVersion,
				Severity:        string(enr.Severity),
			})
			if err != nil {
				d.logger.Warn("email delivery enqueue failed",
					zap.String("user", fav.UserID), zap.Error(err))
			} else {
				notified = true
			}
		}

		if notified {
			res.Notified++
		} else {
			res.Skipped++
		}
	}

	d.logger.Info("update dispatched",
		zap.String("package", packageName),
		zap.String("version", newVersion),
		zap.String("severity", string(enr.Severity)),
		zap.Int("notified", res.Notified),
		zap.Int("skipped", res.Skipped))

	return res
}

// wantsUpdate applies a user's preference filter to an update.
func wantsUpdate(prefs store.NotificationPreferences, enr Enrichment) bool {
	if prefs.NotifyAllUpdates {
		return true
	}
	if prefs.NotifySecurityOnly && enr.IsSecurityUpdate {
		return true
	}
	if prefs.NotifyMajorOnly && enr.Severity != SeverityInfo {
		return true
	}
	return false
}
