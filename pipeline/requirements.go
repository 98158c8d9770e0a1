package pipeline

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/everydev1618/sa"
)

// requirementName returns the normalized package name of a requirements
// line, or "" for blank lines and comments.
func requirementName(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
		return ""
	}
	end := strings.IndexAny(line, " ;[<>=!~@")
	if end >= 0 {
		line = line[:end]
	}
	return sa.NormalizeName(line)
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// RecordRequirement pins name==version in a requirements file, replacing an
// existing line for the same package. The file is created if needed.
func RecordRequirement(path, name, version string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	entry := name
	if version != "" {
		entry = name + "==" + version
	}

	key := sa.NormalizeName(name)
	replaced := false
	for i, l := range lines {
		if requirementName(l) == key {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}
	return writeLines(path, lines)
}

// DropRequirement removes every line for name from a requirements file. A
// missing file is not an error.
func DropRequirement(path, name string) error {
	lines, err := readLines(path)
	if err != nil || lines == nil {
		return err
	}
	key := sa.NormalizeName(name)
	kept := lines[:0]
	for _, l := range lines {
		if requirementName(l) != key {
			kept = append(kept, l)
		}
	}
	return writeLines(path, kept)
}
