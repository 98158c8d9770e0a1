package security

import (
	"encoding/json"
	"testing"
)

func TestPolicyBlocks(t *testing.T) {
	findings := []Vulnerability{
		{ID: "low", Severity: SeverityLow},
		{ID: "unknown", Severity: SeverityUnknown},
		{ID: "medium", Severity: SeverityMedium},
		{ID: "high", Severity: SeverityHigh},
		{ID: "critical", Severity: SeverityCritical},
	}

	tests := []struct {
		name   string
		policy Policy
		want   []string
	}{
		{"zero value", Policy{}, []string{"critical"}},
		{"default", DefaultPolicy(), []string{"critical"}},
		{"high", Policy{Threshold: SeverityHigh}, []string{"high", "critical"}},
		{"medium counts unknown", Policy{Threshold: SeverityMedium}, []string{"unknown", "medium", "high", "critical"}},
		{"low", Policy{Threshold: SeverityLow}, []string{"low", "unknown", "medium", "high", "critical"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.Blocks(findings)
			if len(got) != len(tt.want) {
				t.Fatalf("Blocks() returned %d findings, want %d", len(got), len(tt.want))
			}
			for i, v := range got {
				if v.ID != tt.want[i] {
					t.Errorf("Blocks()[%d] = %s, want %s", i, v.ID, tt.want[i])
				}
			}
		})
	}

	if got := DefaultPolicy().Blocks(nil); got != nil {
		t.Errorf("Blocks(nil) = %v, want nil", got)
	}
}

func TestSeverityText(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"critical", SeverityCritical},
		{"HIGH", SeverityHigh},
		{"moderate", SeverityMedium},
		{"low", SeverityLow},
		{"", SeverityUnknown},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseSeverity(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseSeverity("catastrophic"); err == nil {
		t.Error("ParseSeverity(catastrophic) should fail")
	}

	var v Vulnerability
	if err := json.Unmarshal([]byte(`{"id":"x","severity":"catastrophic"}`), &v); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if v.Severity != SeverityUnknown {
		t.Errorf("Severity = %v, want unknown", v.Severity)
	}

	data, err := json.Marshal(Vulnerability{ID: "x", Severity: SeverityHigh})
	if err != nil {
		t.Fatal(err)
	}
	var back Vulnerability
	json.Unmarshal(data, &back)
	if back.Severity != SeverityHigh {
		t.Errorf("round trip Severity = %v, want high", back.Severity)
	}
}
