package types

import (
	"strings"
	"time"
)

// Severity ranks how urgent an issue is. Higher values sort first.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// MarshalJSON renders the severity as its name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses a severity name.
func (s *Severity) UnmarshalJSON(b []byte) error {
	name := string(b)
	if len(name) >= 2 && name[0] == '"' {
		name = name[1 : len(name)-1]
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity converts a severity name (case-insensitive) to a Severity.
func ParseSeverity(name string) (Severity, error) {
	for sev, n := range severityNames {
		if strings.EqualFold(n, name) {
			return sev, nil
		}
	}
	return 0, &ParseError{Field: "severity", Value: name}
}

// ParseError reports an unparseable enum value.
type ParseError struct {
	Field string
	Value string
}

func (e *ParseError) Error() string {
	return "invalid " + e.Field + ": " + e.Value
}

// Action is a remediation action the fixer knows how to execute.
type Action string

const (
	// ActionRestartPod deletes the pod so its controller recreates it. The
	// snapshot keeps the full pod manifest for rollback.
	ActionRestartPod Action = "restart-pod"
	// ActionScaleDeployment raises the deployment to its desired replica
	// count. The snapshot keeps the previous count for rollback.
	ActionScaleDeployment Action = "scale-deployment"
	// ActionNotifyOnly raises an alert without mutating the cluster.
	ActionNotifyOnly Action = "notify-only"
)

// Issue is an analyzer-derived actionable finding. Issues are owned by the
// poll cycle that produced them; identity across cycles is by resource ref.
type Issue struct {
	ID              string      `json:"id"`
	RuleID          string      `json:"rule_id"`
	Title           string      `json:"title"`
	ClusterID       string      `json:"cluster_id"`
	Resource        ResourceRef `json:"resource"`
	Severity        Severity    `json:"severity"`
	SuggestedAction Action      `json:"suggested_action"`
	Detail          string      `json:"detail,omitempty"`
	ObservedAt      time.Time   `json:"observed_at"`
	FactIDs         []string    `json:"fact_ids,omitempty"`
}
