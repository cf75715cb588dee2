package resolver

import (
	"testing"

	"github.com/pkgwatch/npmsync/registry"
)

func TestClassifySpec(t *testing.T) {
	tests := []struct {
		spec string
		kind specKind
		name string
		rng  string
	}{
		{"^1.2.3", specRange, "", "^1.2.3"},
		{">=2.0.0 <3.0.0", specRange, "", ">=2.0.0 <3.0.0"},
		{"latest", specRange, "", "latest"},
		{"npm:string-width@^4.2.0", specAlias, "string-width", "^4.2.0"},
		{"npm:@isaacs/cliui@^8.0.2", specAlias, "@isaacs/cliui", "^8.0.2"},
		{"npm:lodash", specAlias, "lodash", ""},
		{"git+https://github.com/user/repo.git", specSkip, "", ""},
		{"git://github.com/user/repo.git", specSkip, "", ""},
		{"github:user/repo", specSkip, "", ""},
		{"user/repo", specSkip, "", ""},
		{"user/repo#v1.0.0", specSkip, "", ""},
		{"file:../sibling", specSkip, "", ""},
		{"link:../sibling", specSkip, "", ""},
		{"workspace:*", specSkip, "", ""},
		{"https://example.com/pkg.tgz", specSkip, "", ""},
		{"./vendored", specSkip, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			kind, name, rng := classifySpec(tt.spec)
			if kind != tt.kind {
				t.Errorf("kind = %d, want %d", kind, tt.kind)
			}
			if name != tt.name {
				t.Errorf("name = %q, want %q", name, tt.name)
			}
			if rng != tt.rng {
				t.Errorf("rng = %q, want %q", rng, tt.rng)
			}
		})
	}
}

func TestPickVersion(t *testing.T) {
	p := &registry.Packument{
		Name: "pkg",
		DistTags: map[string]string{
			"latest": "2.1.0",
			"next":   "3.0.0-rc.1",
		},
		Versions: map[string]registry.VersionInfo{
			"1.0.0":      {Version: "1.0.0"},
			"1.5.2":      {Version: "1.5.2"},
			"2.0.0":      {Version: "2.0.0"},
			"2.1.0":      {Version: "2.1.0"},
			"3.0.0-rc.1": {Version: "3.0.0-rc.1"},
		},
	}

	tests := []struct {
		rng  string
		want string
		ok   bool
	}{
		{"", "2.1.0", true},
		{"*", "2.1.0", true},
		{"latest", "2.1.0", true},
		{"1.5.2", "1.5.2", true},
		{"next", "3.0.0-rc.1", true},
		{"^1.0.0", "1.5.2", true},
		{"~2.0.0", "2.0.0", true},
		{">=1.0.0 <2.0.0", "1.5.2", true},
		{"^4.0.0", "", false},
		{"not a range", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.rng, func(t *testing.T) {
			v, ok := pickVersion(p, tt.rng)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && v.Version != tt.want {
				t.Errorf("picked %q, want %q", v.Version, tt.want)
			}
		})
	}
}

func TestSupports(t *testing.T) {
	linux := Platform{OS: "linux", CPU: "x64", Libc: "glibc"}

	tests := []struct {
		name string
		os   []string
		cpu  []string
		libc []string
		want bool
	}{
		{"unconstrained", nil, nil, nil, true},
		{"matching os", []string{"linux", "darwin"}, nil, nil, true},
		{"other os", []string{"darwin", "win32"}, nil, nil, false},
		{"excluded os", []string{"!linux"}, nil, nil, false},
		{"excluded other", []string{"!win32"}, nil, nil, true},
		{"any wildcard", []string{"any"}, nil, nil, true},
		{"musl only", nil, nil, []string{"musl"}, false},
		{"cpu mismatch", []string{"linux"}, []string{"arm64"}, nil, false},
		{"exclusion beats inclusion", []string{"linux", "!linux"}, nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := linux.Supports(tt.os, tt.cpu, tt.libc); got != tt.want {
				t.Errorf("Supports = %v, want %v", got, tt.want)
			}
		})
	}
}
