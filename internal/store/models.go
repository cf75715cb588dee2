package store

import "time"

// User is a registered account. Authentication lives elsewhere; the sync core
// only reads users through favorites.
type User struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex"`
	CreatedAt time.Time
}

// Favorite marks a package a user follows.
type Favorite struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      string `gorm:"index;uniqueIndex:idx_fav_user_pkg"`
	PackageName string `gorm:"index;uniqueIndex:idx_fav_user_pkg"`
	CreatedAt   time.Time
}

// NotificationPreferences controls which updates a user hears about and on
// which channels. A user without a row gets DefaultPreferences.
type NotificationPreferences struct {
	UserID                 string `gorm:"primaryKey"`
	NotifyAllUpdates       bool
	NotifyMajorOnly        bool
	NotifySecurityOnly     bool
	InAppEnabled           bool
	ChatEnabled            bool
	EmailImmediateCritical bool
	EmailDigest            bool
	UpdatedAt              time.Time
}

// DefaultPreferences are applied when a user has no explicit preference row.
// A missing row must never mean "notify nothing".
func DefaultPreferences(userID string) NotificationPreferences {
	return NotificationPreferences{
		UserID:                 userID,
		NotifyMajorOnly:        true,
		NotifySecurityOnly:     true,
		InAppEnabled:           true,
		EmailImmediateCritical: true,
	}
}

// Notification is one in-app notification row. At most one row exists per
// (user, package, new version); duplicate dispatches hit the unique index.
type Notification struct {
	ID                   string `gorm:"primaryKey"`
	UserID               string `gorm:"index;uniqueIndex:idx_notif_user_pkg_ver"`
	PackageName          string `gorm:"uniqueIndex:idx_notif_user_pkg_ver"`
	NewVersion           string `gorm:"uniqueIndex:idx_notif_user_pkg_ver"`
	PreviousVersion      string
	Severity             string // critical, important, info
	IsSecurityUpdate     bool
	IsBreakingChange     bool
	ChangelogSnippet     string
	VulnerabilitiesFixed int
	Read                 bool `gorm:"index"`
	CreatedAt            time.Time
}

// ChatIntegration is a user's connected chat webhook.
type ChatIntegration struct {
	UserID         string `gorm:"primaryKey"`
	WebhookURL     string
	Enabled        bool
	DisabledReason string
	UpdatedAt      time.Time
}

// BackfillState is the single persisted row driving the cold-start registry
// sync. Version is the optimistic concurrency token; every successful
// CompareAndSwap increments it.
type BackfillState struct {
	ID           uint `gorm:"primaryKey"`
	Status       string
	Total        int
	Offset       int
	StartedAt    time.Time
	Rate         float64
	ErrorMessage string
	Version      int64
}

// BackfillPackage is one name in the stored package universe, kept in listing
// order so the orchestrator can slice it by offset.
type BackfillPackage struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"index"`
}
