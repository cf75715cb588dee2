package resolver

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/pkgwatch/npmsync/registry"
)

// specKind classifies a dependency specifier.
type specKind int

const (
	specRange specKind = iota // plain semver range, resolvable
	specAlias                 // npm:name@range, resolvable after rewrite
	specSkip                  // git/url/file/path, not resolvable against the registry
)

// classifySpec inspects an npm dependency specifier. For specAlias the
// returned name and rng are the alias target.
func classifySpec(spec string) (kind specKind, name, rng string) {
	spec = strings.TrimSpace(spec)

	if rest, ok := strings.CutPrefix(spec, "npm:"); ok {
		// npm:@scope/name@range or npm:name@range
		at := strings.LastIndex(rest, "@")
		if at <= 0 {
			// npm:name with no range means latest
			return specAlias, rest, ""
		}
		return specAlias, rest[:at], rest[at+1:]
	}

	switch {
	case strings.Contains(spec, "://"),
		strings.HasPrefix(spec, "git+"),
		strings.HasPrefix(spec, "git:"),
		strings.HasPrefix(spec, "github:"),
		strings.HasPrefix(spec, "file:"),
		strings.HasPrefix(spec, "link:"),
		strings.HasPrefix(spec, "workspace:"),
		strings.HasPrefix(spec, "./"),
		strings.HasPrefix(spec, "../"),
		strings.HasPrefix(spec, "/"),
		strings.HasPrefix(spec, "~/"):
		return specSkip, "", ""
	}

	// Shorthand GitHub specifiers: user/repo or user/repo#ref. Scoped
	// package names never appear as ranges, so a bare slash means git.
	if strings.Contains(spec, "/") && !strings.HasPrefix(spec, "@") {
		return specSkip, "", ""
	}

	return specRange, "", spec
}

// pickVersion resolves a semver range against a packument's published
// versions. Empty ranges and "*"/"latest"/"x" resolve to the latest dist-tag.
// Dist-tag names resolve through the tag map. Returns false when nothing
// satisfies the range.
func pickVersion(p *registry.Packument, rng string) (registry.VersionInfo, bool) {
	rng = strings.TrimSpace(rng)

	if rng == "" || rng == "*" || rng == "latest" || rng == "x" {
		if tag := p.DistTags["latest"]; tag != "" {
			if v, ok := p.Versions[tag]; ok {
				return v, true
			}
		}
	}

	// Exact-match fast path: the range is itself a published version.
	if v, ok := p.Versions[rng]; ok {
		return v, true
	}

	// Dist-tag reference (e.g. "next", "beta").
	if tag, ok := p.DistTags[rng]; ok {
		if v, ok := p.Versions[tag]; ok {
			return v, true
		}
	}

	constraint, err := semver.NewConstraint(rng)
	if err != nil {
		return registry.VersionInfo{}, false
	}

	type candidate struct {
		parsed *semver.Version
		raw    string
	}
	candidates := make([]candidate, 0, len(p.Versions))
	for raw := range p.Versions {
		parsed, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if constraint.Check(parsed) {
			candidates = append(candidates, candidate{parsed: parsed, raw: raw})
		}
	}
	if len(candidates) == 0 {
		return registry.VersionInfo{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].parsed.GreaterThan(candidates[j].parsed)
	})
	return p.Versions[candidates[0].raw], true
}
