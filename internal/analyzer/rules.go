package analyzer

import (
	"strings"

	"github.com/makdo-io/makdo/internal/types"
)

// Rule maps a health fact to an actionable issue: condition plus metadata.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    types.Severity
	Action      types.Action
	Condition   func(fact types.HealthFact) bool
}

func defaultRules() []*Rule {
	return []*Rule{
		{
			ID:          "MAKDO-001",
			Name:        "Pod Crash Looping",
			Description: "Pod is failing with a crash loop or repeated container exits",
			Severity:    types.SeverityCritical,
			Action:      types.ActionRestartPod,
			Condition: func(f types.HealthFact) bool {
				return f.Resource.Kind == "Pod" && f.Status == types.StatusFailing &&
					strings.Contains(f.Detail, "CrashLoopBackOff")
			},
		},
		{
			ID:          "MAKDO-002",
			Name:        "Pod Failing",
			Description: "Pod is in a failed phase or has failing containers",
			Severity:    types.SeverityHigh,
			Action:      types.ActionRestartPod,
			Condition: func(f types.HealthFact) bool {
				return f.Resource.Kind == "Pod" && f.Status == types.StatusFailing &&
					!strings.Contains(f.Detail, "CrashLoopBackOff")
			},
		},
		{
			ID:          "MAKDO-003",
			Name:        "Pod Not Ready",
			Description: "Pod is running but not ready or restarting frequently",
			Severity:    types.SeverityMedium,
			Action:      types.ActionRestartPod,
			Condition: func(f types.HealthFact) bool {
				return f.Resource.Kind == "Pod" && f.Status == types.StatusDegraded
			},
		},
		{
			ID:          "MAKDO-004",
			Name:        "Deployment Unavailable",
			Description: "Deployment has no available replicas",
			Severity:    types.SeverityCritical,
			Action:      types.ActionScaleDeployment,
			Condition: func(f types.HealthFact) bool {
				return f.Resource.Kind == "Deployment" && f.Status == types.StatusFailing
			},
		},
		{
			ID:          "MAKDO-005",
			Name:        "Deployment Replica Shortfall",
			Description: "Deployment has fewer available replicas than desired",
			Severity:    types.SeverityMedium,
			Action:      types.ActionScaleDeployment,
			Condition: func(f types.HealthFact) bool {
				return f.Resource.Kind == "Deployment" && f.Status == types.StatusDegraded
			},
		},
		{
			ID:          "MAKDO-006",
			Name:        "Node Not Ready",
			Description: "Node is not in Ready condition",
			Severity:    types.SeverityHigh,
			Action:      types.ActionNotifyOnly,
			Condition: func(f types.HealthFact) bool {
				return f.Resource.Kind == "Node" && f.Status == types.StatusFailing
			},
		},
		{
			ID:          "MAKDO-007",
			Name:        "Node Under Pressure",
			Description: "Node reports memory, disk, or PID pressure",
			Severity:    types.SeverityMedium,
			Action:      types.ActionNotifyOnly,
			Condition: func(f types.HealthFact) bool {
				return f.Resource.Kind == "Node" && f.Status == types.StatusDegraded
			},
		},
		{
			ID:          "MAKDO-008",
			Name:        "Cluster Unreachable",
			Description: "Cluster health could not be determined this cycle",
			Severity:    types.SeverityLow,
			Action:      types.ActionNotifyOnly,
			Condition: func(f types.HealthFact) bool {
				return f.Resource.Kind == "Cluster" && f.Status == types.StatusUnknown
			},
		},
	}
}
