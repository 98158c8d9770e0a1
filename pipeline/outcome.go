package pipeline

import "fmt"

// Outcome is the terminal state of one acquisition.
type Outcome int

const (
	ServedFromCache Outcome = iota
	Installed
	NoMirrorAvailable
	FetchFailed
	BlockedBySecurity
	InstallFailed
	Invalid
)

var outcomeNames = [...]string{
	ServedFromCache:   "served_from_cache",
	Installed:         "installed",
	NoMirrorAvailable: "no_mirror_available",
	FetchFailed:       "fetch_failed",
	BlockedBySecurity: "blocked_by_security",
	InstallFailed:     "install_failed",
	Invalid:           "invalid",
}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// OK reports whether the package is available in the target afterwards.
func (o Outcome) OK() bool {
	return o == ServedFromCache || o == Installed
}
