package resolver

import "strings"

// Platform is the install target used to filter os/cpu/libc constrained
// packages.
type Platform struct {
	OS   string
	CPU  string
	Libc string
}

// DefaultPlatform matches the fleet the sync workers run on.
var DefaultPlatform = Platform{OS: "linux", CPU: "x64", Libc: "glibc"}

// Supports reports whether a version's constraint lists allow this platform.
// An empty list allows everything. Lists mix inclusions ("linux") and
// exclusions ("!win32"); an exclusion hit always loses, and when any
// inclusion is present one of them must match.
func (p Platform) Supports(os, cpu, libc []string) bool {
	return constraintAllows(os, p.OS) &&
		constraintAllows(cpu, p.CPU) &&
		constraintAllows(libc, p.Libc)
}

func constraintAllows(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}

	havePositive := false
	matched := false
	for _, item := range list {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if negated, ok := strings.CutPrefix(item, "!"); ok {
			if negated == value {
				return false
			}
			continue
		}
		havePositive = true
		if item == "any" || item == value {
			matched = true
		}
	}

	if havePositive {
		return matched
	}
	return true
}
