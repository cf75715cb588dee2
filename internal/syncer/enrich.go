package syncer

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/pkgwatch/npmsync/internal/notify"
	"github.com/pkgwatch/npmsync/registry"
)

var securityMarkers = []string{
	"security", "vulnerability", "vulnerabilities", "cve-", "ghsa-", "exploit",
}

// Classify derives the update enrichment for a version change. A major bump
// is breaking; a security fix on top of a breaking change is critical; a
// security fix alone keeps the bump's severity so preference filtering can
// still catch it through the security rule.
func Classify(previous, current string, p *registry.Packument) notify.Enrichment {
	enr := notify.Enrichment{Severity: notify.SeverityInfo}

	prevV, prevErr := semver.NewVersion(previous)
	currV, currErr := semver.NewVersion(current)
	if prevErr == nil && currErr == nil && currV.Major() > prevV.Major() {
		enr.IsBreakingChange = true
		enr.Severity = notify.SeverityImportant
	}

	if v, ok := p.Versions[current]; ok {
		if v.Deprecated != "" {
			enr.ChangelogSnippet = snippet(v.Deprecated)
		}
		if mentionsSecurity(v.Deprecated) || mentionsSecurity(v.Description) {
			enr.IsSecurityUpdate = true
		}
	}
	// A deprecated previous version being superseded often signals a
	// security-motivated release.
	if v, ok := p.Versions[previous]; ok && mentionsSecurity(v.Deprecated) {
		enr.IsSecurityUpdate = true
	}

	if enr.IsSecurityUpdate && enr.IsBreakingChange {
		enr.Severity = notify.SeverityCritical
	}

	return enr
}

func mentionsSecurity(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, marker := range securityMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func snippet(text string) string {
	const max = 280
	text = strings.TrimSpace(text)
	if len(text) > max {
		return text[:max]
	}
	return text
}
