package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Packument is the full metadata document for a package, covering all
// published versions.
type Packument struct {
	ID          string                    `json:"_id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	DistTags    map[string]string         `json:"dist-tags"`
	Versions    map[string]VersionInfo    `json:"versions"`
	Time        map[string]string         `json:"time"`
	Maintainers []Maintainer              `json:"maintainers"`
	Homepage    interface{}               `json:"homepage"`
	Repository  interface{}               `json:"repository"`
	License     interface{}               `json:"license"`
	Keywords    interface{}               `json:"keywords"`
	ReadmeText  string                    `json:"readme"`
}

// VersionInfo is the manifest for a single published version.
type VersionInfo struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	License      interface{}       `json:"license"`
	Keywords     interface{}       `json:"keywords"`
	Deprecated   string            `json:"deprecated"`
	Dependencies map[string]string `json:"dependencies"`
	DevDeps      map[string]string `json:"devDependencies"`
	OptionalDeps map[string]string `json:"optionalDependencies"`
	PeerDeps     map[string]string `json:"peerDependencies"`
	Engines      map[string]string `json:"engines"`
	OS           []string          `json:"os"`
	CPU          []string          `json:"cpu"`
	Libc         []string          `json:"libc"`
	Dist         DistInfo          `json:"dist"`
}

// DistInfo describes the published tarball for a version.
type DistInfo struct {
	Shasum       string `json:"shasum"`
	Tarball      string `json:"tarball"`
	Integrity    string `json:"integrity"`
	UnpackedSize int64  `json:"unpackedSize"`
	FileCount    int    `json:"fileCount"`
}

// Maintainer identifies a package maintainer.
type Maintainer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Latest returns the manifest the "latest" dist-tag points at, or any version
// if the tag is absent. ok is false for a packument with no versions.
func (p *Packument) Latest() (VersionInfo, bool) {
	if tag := p.DistTags["latest"]; tag != "" {
		if v, ok := p.Versions[tag]; ok {
			return v, true
		}
	}
	for _, v := range p.Versions {
		return v, true
	}
	return VersionInfo{}, false
}

// LatestVersion returns the version number the "latest" dist-tag points at.
func (p *Packument) LatestVersion() string {
	return p.DistTags["latest"]
}

// PublishedAt returns the publish time of a version, zero if unknown.
func (p *Packument) PublishedAt(version string) time.Time {
	if ts, ok := p.Time[version]; ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ModifiedAt returns the packument's last modification time, zero if unknown.
func (p *Packument) ModifiedAt() time.Time {
	if ts, ok := p.Time["modified"]; ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FetchPackument retrieves the full metadata document for a package.
func (c *Client) FetchPackument(ctx context.Context, name string) (*Packument, error) {
	escaped := url.PathEscape(name)
	u := fmt.Sprintf("%s/%s", c.baseURL, escaped)

	var p Packument
	if err := c.GetJSON(ctx, u, &p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Name: name}
		}
		return nil, err
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	return &p, nil
}

// FetchVersion retrieves the manifest for a specific version. An empty
// version resolves the "latest" dist-tag.
func (c *Client) FetchVersion(ctx context.Context, name, version string) (*Packument, VersionInfo, error) {
	p, err := c.FetchPackument(ctx, name)
	if err != nil {
		return nil, VersionInfo{}, err
	}

	if version == "" {
		v, ok := p.Latest()
		if !ok {
			return nil, VersionInfo{}, &NotFoundError{Name: name}
		}
		return p, v, nil
	}

	v, ok := p.Versions[version]
	if !ok {
		return nil, VersionInfo{}, &NotFoundError{Name: name, Version: version}
	}
	return p, v, nil
}

// HomepageURL extracts the homepage from its loosely typed JSON shape.
func (p *Packument) HomepageURL() string {
	return extractString(p.Homepage)
}

// RepositoryURL extracts and normalizes the repository URL from its loosely
// typed JSON shape.
func (p *Packument) RepositoryURL() string {
	return extractRepoURL(p.Repository, nil)
}

// LicenseString extracts a license expression from any of the shapes npm has
// allowed over the years.
func (p *Packument) LicenseString() string {
	if v, ok := p.Latest(); ok {
		if l := extractLicense(v.License); l != "" {
			return l
		}
	}
	return extractLicense(p.License)
}

// KeywordList extracts keywords, tolerating both string arrays and garbage.
func (p *Packument) KeywordList() []string {
	if v, ok := p.Latest(); ok {
		if kw := extractKeywords(v.Keywords); len(kw) > 0 {
			return kw
		}
	}
	return extractKeywords(p.Keywords)
}

// Scope returns the package scope without the leading @, empty for unscoped
// packages.
func (p *Packument) Scope() string {
	name := p.Name
	if strings.HasPrefix(name, "@") && strings.Contains(name, "/") {
		parts := strings.SplitN(name, "/", 2)
		return strings.TrimPrefix(parts[0], "@")
	}
	return ""
}

func extractString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if arr, ok := v.([]interface{}); ok && len(arr) > 0 {
		if s, ok := arr[0].(string); ok {
			return s
		}
	}
	return ""
}

func extractRepoURL(pkgRepo, versionRepo interface{}) string {
	for _, repo := range []interface{}{versionRepo, pkgRepo} {
		switch r := repo.(type) {
		case string:
			return normalizeGitURL(r)
		case map[string]interface{}:
			if url, ok := r["url"].(string); ok {
				return normalizeGitURL(url)
			}
		case []interface{}:
			if len(r) > 0 {
				if m, ok := r[0].(map[string]interface{}); ok {
					if url, ok := m["url"].(string); ok {
						return normalizeGitURL(url)
					}
				}
			}
		}
	}
	return ""
}

func normalizeGitURL(u string) string {
	u = strings.TrimPrefix(u, "git+")
	u = strings.TrimPrefix(u, "git://")
	u = strings.TrimSuffix(u, ".git")
	if strings.HasPrefix(u, "github.com/") {
		u = "https://" + u
	}
	return u
}

func extractLicense(v interface{}) string {
	switch l := v.(type) {
	case string:
		return l
	case map[string]interface{}:
		if t, ok := l["type"].(string); ok {
			return t
		}
	case []interface{}:
		var licenses []string
		for _, item := range l {
			switch li := item.(type) {
			case string:
				licenses = append(licenses, li)
			case map[string]interface{}:
				if t, ok := li["type"].(string); ok {
					licenses = append(licenses, t)
				}
			}
		}
		return strings.Join(licenses, ",")
	}
	return ""
}

func extractKeywords(v interface{}) []string {
	switch k := v.(type) {
	case []interface{}:
		keywords := make([]string, 0, len(k))
		for _, item := range k {
			if s, ok := item.(string); ok && s != "" {
				keywords = append(keywords, s)
			}
		}
		return keywords
	case []string:
		return k
	}
	return nil
}
