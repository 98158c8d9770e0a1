package security

// Policy decides which findings stop an installation.
type Policy struct {
	// Threshold is the lowest severity that blocks. The zero value blocks
	// only critical findings.
	Threshold Severity
}

// DefaultPolicy blocks critical findings.
func DefaultPolicy() Policy {
	return Policy{Threshold: SeverityCritical}
}

func (p Policy) threshold() Severity {
	if p.Threshold == SeverityUnknown {
		return SeverityCritical
	}
	return p.Threshold
}

// Blocks returns the findings at or above the threshold.
func (p Policy) Blocks(findings []Vulnerability) []Vulnerability {
	var blocking []Vulnerability
	for _, f := range findings {
		if f.Severity.AtLeast(p.threshold()) {
			blocking = append(blocking, f)
		}
	}
	return blocking
}

func (p Policy) String() string {
	return "block " + p.threshold().String() + " and above"
}
