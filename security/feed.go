package security

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultFeedURL is the public safety-db advisory list.
const DefaultFeedURL = "https://raw.githubusercontent.com/pyupio/safety-db/master/data/insecure_full.json"

const safetyDBFile = "insecure_full.json"

var ErrMalformedFeed = errors.New("malformed vulnerability feed")

// Source supplies a raw advisory feed.
type Source interface {
	Fetch(ctx context.Context) (io.ReadCloser, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (io.ReadCloser, error)

func (f SourceFunc) Fetch(ctx context.Context) (io.ReadCloser, error) {
	return f(ctx)
}

// HTTPSource downloads a feed over HTTP.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource returns a source for url. A nil client uses a client with a
// one minute timeout.
func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &HTTPSource{URL: url, Client: client}
}

func (s *HTTPSource) Fetch(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "sa/security")
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", s.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch feed %s: unexpected status %d", s.URL, resp.StatusCode)
	}
	return resp.Body, nil
}

// ParseFeed decodes an advisory feed. It accepts a JSON array of
// Vulnerability, a safety-db insecure_full.json object, either of those
// gzip compressed, or a gzip compressed tarball containing
// insecure_full.json. now stamps entries that carry no publish time.
func ParseFeed(r io.Reader, now time.Time) ([]Vulnerability, error) {
	br := bufio.NewReader(r)
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	head, _ := br.Peek(512)
	if isTar(head) {
		return parseTar(br, now)
	}
	return parseJSON(br, now)
}

func isTar(head []byte) bool {
	return len(head) >= 262 && string(head[257:262]) == "ustar"
}

func parseTar(r io.Reader, now time.Time) ([]Vulnerability, error) {
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: archive has no %s", ErrMalformedFeed, safetyDBFile)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
		}
		if h.Typeflag != tar.TypeReg || path.Base(h.Name) != safetyDBFile {
			continue
		}
		return parseJSON(tr, now)
	}
}

func parseJSON(r io.Reader, now time.Time) ([]Vulnerability, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedFeed)
	}

	switch data[0] {
	case '[':
		var vulns []Vulnerability
		if err := json.Unmarshal(data, &vulns); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
		}
		for i := range vulns {
			if vulns[i].PublishedAt.IsZero() {
				vulns[i].PublishedAt = now
			}
		}
		return vulns, nil
	case '{':
		return parseSafetyDB(data, now)
	}
	return nil, fmt.Errorf("%w: unexpected document start %q", ErrMalformedFeed, data[0])
}

type safetyEntry struct {
	ID       string   `json:"id"`
	Advisory string   `json:"advisory"`
	CVE      *string  `json:"cve"`
	Specs    []string `json:"specs"`
	V        string   `json:"v"`
}

// parseSafetyDB converts the safety-db layout, a map of package name to
// advisories. Each spec of an advisory is a separate affected range, so it
// becomes its own Vulnerability.
func parseSafetyDB(data []byte, now time.Time) ([]Vulnerability, error) {
	var db map[string]json.RawMessage
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
	}

	var vulns []Vulnerability
	for name, raw := range db {
		if name == "$meta" {
			continue
		}
		var entries []safetyEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("%w: package %s: %v", ErrMalformedFeed, name, err)
		}
		for _, e := range entries {
			id := e.ID
			if id == "" {
				id = "unknown"
			}
			if e.CVE != nil && *e.CVE != "" {
				id += " (" + *e.CVE + ")"
			}
			desc := e.Advisory
			if desc == "" {
				desc = "No description available"
			}
			specs := e.Specs
			if len(specs) == 0 {
				specs = []string{e.V}
			}
			for _, spec := range specs {
				if spec == "" {
					spec = "*"
				}
				vulns = append(vulns, Vulnerability{
					ID:           id,
					Package:      strings.ToLower(name),
					VersionRange: spec,
					Severity:     SeverityMedium,
					Description:  desc,
					PublishedAt:  now,
				})
			}
		}
	}

	slices.SortFunc(vulns, func(a, b Vulnerability) int {
		if c := strings.Compare(a.Package, b.Package); c != 0 {
			return c
		}
		if c := strings.Compare(a.ID, b.ID); c != 0 {
			return c
		}
		return strings.Compare(a.VersionRange, b.VersionRange)
	})
	return vulns, nil
}
