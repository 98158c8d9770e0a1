package security

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver"
)

// Comparator orders two version strings, returning -1, 0 or 1.
type Comparator func(a, b string) int

// LexicalCompare orders versions as plain strings. "10.0" sorts before "9.0".
func LexicalCompare(a, b string) int {
	return strings.Compare(a, b)
}

// SemverCompare orders versions numerically. When either side does not parse
// as a version it falls back to LexicalCompare.
func SemverCompare(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return LexicalCompare(a, b)
	}
	return va.Compare(vb)
}

// ComparatorByName maps a configuration value to a Comparator.
func ComparatorByName(name string) (Comparator, error) {
	switch strings.ToLower(name) {
	case "", "lexical":
		return LexicalCompare, nil
	case "semver":
		return SemverCompare, nil
	}
	return nil, fmt.Errorf("unknown version comparison %q", name)
}

// Matches reports whether version falls inside rng.
//
// A range is "*" or a comma separated list of clauses that must all hold.
// A clause is ">=X", "<=X", ">X", "<X", "==X", "!=X" or a bare version for
// an exact match.
func Matches(version, rng string, cmp Comparator) bool {
	if cmp == nil {
		cmp = LexicalCompare
	}
	rng = strings.TrimSpace(rng)
	if rng == "" || rng == "*" {
		return true
	}
	for _, clause := range strings.Split(rng, ",") {
		if !matchClause(version, strings.TrimSpace(clause), cmp) {
			return false
		}
	}
	return true
}

func matchClause(version, clause string, cmp Comparator) bool {
	switch {
	case clause == "" || clause == "*":
		return true
	case strings.HasPrefix(clause, ">="):
		return cmp(version, bound(clause, 2)) >= 0
	case strings.HasPrefix(clause, "<="):
		return cmp(version, bound(clause, 2)) <= 0
	case strings.HasPrefix(clause, "=="):
		return cmp(version, bound(clause, 2)) == 0
	case strings.HasPrefix(clause, "!="):
		return cmp(version, bound(clause, 2)) != 0
	case strings.HasPrefix(clause, "<"):
		return cmp(version, bound(clause, 1)) < 0
	case strings.HasPrefix(clause, ">"):
		return cmp(version, bound(clause, 1)) > 0
	default:
		return cmp(version, clause) == 0
	}
}

func bound(clause string, n int) string {
	return strings.TrimSpace(clause[n:])
}
