// Package notify fans package updates out to favoriting users: in-app rows,
// chat webhooks, and immediate-critical email, with idempotent keying at
// every step.
package notify

// Severity classifies how urgent a package update is.
type Severity string

const (
	SeverityCritical  Severity = "critical"
	SeverityImportant Severity = "important"
	SeverityInfo      Severity = "info"
)

// Enrichment carries the derived update classification the sync consumer
// computed for a version change.
type Enrichment struct {
	Severity             Severity
	IsSecurityUpdate     bool
	IsBreakingChange     bool
	ChangelogSnippet     string
	VulnerabilitiesFixed int
}
