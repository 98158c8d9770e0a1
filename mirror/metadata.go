package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Release is package metadata returned by a mirror's JSON API.
type Release struct {
	Name         string
	Version      string
	Summary      string
	HomePage     string
	Author       string
	License      string
	Keywords     []string
	RequiresDist []string
	Files        []File
}

// File is one downloadable distribution of a release.
type File struct {
	Filename    string
	URL         string
	PackageType string
	SHA256      string
	Size        int64
	Yanked      bool
}

type projectResponse struct {
	Info infoBlock     `json:"info"`
	URLs []releaseFile `json:"urls"`
}

type infoBlock struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Summary      string   `json:"summary"`
	HomePage     string   `json:"home_page"`
	Author       string   `json:"author"`
	License      string   `json:"license"`
	Keywords     string   `json:"keywords"`
	RequiresDist []string `json:"requires_dist"`
}

type releaseFile struct {
	Filename    string            `json:"filename"`
	URL         string            `json:"url"`
	PackageType string            `json:"packagetype"`
	Digests     map[string]string `json:"digests"`
	Size        int64             `json:"size"`
	Yanked      bool              `json:"yanked"`
}

// JSONBase returns the root of a mirror's JSON API. Index URLs usually point
// at the simple API (".../simple/"); the JSON API lives beside it.
func JSONBase(indexURL string) string {
	base := strings.TrimSuffix(indexURL, "/")
	base = strings.TrimSuffix(base, "/simple")
	return strings.TrimSuffix(base, "/")
}

func metadataURL(m Mirror, name, version string) string {
	base := JSONBase(m.URL)
	if version == "" {
		return fmt.Sprintf("%s/pypi/%s/json", base, url.PathEscape(name))
	}
	return fmt.Sprintf("%s/pypi/%s/%s/json", base, url.PathEscape(name), url.PathEscape(version))
}

// FetchMetadata retrieves release metadata for name from m. An empty version
// selects the latest release.
func (c *Client) FetchMetadata(ctx context.Context, m Mirror, name, version string) (*Release, error) {
	resp, err := c.get(ctx, metadataURL(m, name, version))
	if err != nil {
		return nil, &FetchError{Mirror: m.Name, Package: name, Err: err}
	}
	defer resp.Body.Close()

	var pr projectResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, &FetchError{Mirror: m.Name, Package: name, Err: fmt.Errorf("decode metadata: %w", err)}
	}
	if pr.Info.Version == "" {
		return nil, &FetchError{Mirror: m.Name, Package: name, Err: fmt.Errorf("metadata has no version")}
	}

	rel := &Release{
		Name:         pr.Info.Name,
		Version:      pr.Info.Version,
		Summary:      pr.Info.Summary,
		HomePage:     pr.Info.HomePage,
		Author:       pr.Info.Author,
		License:      pr.Info.License,
		Keywords:     parseKeywords(pr.Info.Keywords),
		RequiresDist: pr.Info.RequiresDist,
	}
	if rel.Name == "" {
		rel.Name = name
	}
	for _, f := range pr.URLs {
		rel.Files = append(rel.Files, File{
			Filename:    f.Filename,
			URL:         f.URL,
			PackageType: f.PackageType,
			SHA256:      f.Digests["sha256"],
			Size:        f.Size,
			Yanked:      f.Yanked,
		})
	}
	return rel, nil
}

// Artifact picks the file to download: a wheel if there is one, otherwise a
// source distribution. Yanked files are skipped.
func (r *Release) Artifact() (File, bool) {
	var fallback *File
	for i := range r.Files {
		f := r.Files[i]
		if f.Yanked || f.URL == "" {
			continue
		}
		switch f.PackageType {
		case "bdist_wheel":
			return f, true
		case "sdist":
			if fallback == nil || fallback.PackageType != "sdist" {
				fallback = &r.Files[i]
			}
		default:
			if fallback == nil {
				fallback = &r.Files[i]
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return File{}, false
}

// Dependencies returns the names of unconditional requirements. Entries only
// required for an extra are left out.
func (r *Release) Dependencies() []string {
	var deps []string
	seen := make(map[string]bool)
	for _, req := range r.RequiresDist {
		spec, marker, _ := strings.Cut(req, ";")
		if strings.Contains(marker, "extra") {
			continue
		}
		name := requirementName(spec)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		deps = append(deps, name)
	}
	return deps
}

// requirementName extracts the distribution name from a PEP 508 requirement.
func requirementName(spec string) string {
	spec = strings.TrimSpace(spec)
	end := strings.IndexAny(spec, " ([<>=!~;")
	if end >= 0 {
		spec = spec[:end]
	}
	return strings.TrimSpace(spec)
}

func parseKeywords(keywords string) []string {
	if keywords == "" {
		return nil
	}
	if strings.Contains(keywords, ",") {
		parts := strings.Split(keywords, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return strings.Fields(keywords)
}
