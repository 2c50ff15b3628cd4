// Package analyzer turns raw health facts into a ranked, deduplicated list
// of actionable issues. Analysis is deterministic given identical input.
package analyzer

import (
	"fmt"
	"sort"

	"github.com/makdo-io/makdo/internal/types"
)

// Analyzer evaluates health facts against the rule set.
type Analyzer struct {
	rules []*Rule
}

// New creates an analyzer with the default rule set.
func New() *Analyzer {
	return &Analyzer{rules: defaultRules()}
}

// Rules returns the loaded rules (read-only).
func (a *Analyzer) Rules() []*Rule {
	return a.rules
}

// Analyze evaluates all facts in the lookback window and returns issues
// ordered by severity descending, ties broken by earliest observation time.
// Facts referring to the same cluster resource are deduplicated, keeping the
// most severe finding.
func (a *Analyzer) Analyze(facts []types.HealthFact) []types.Issue {
	byResource := make(map[string]types.Issue)
	var keys []string

	for _, fact := range facts {
		for _, rule := range a.rules {
			if !rule.Condition(fact) {
				continue
			}
			issue := types.Issue{
				ID:              fmt.Sprintf("issue-%s-%s", rule.ID, fact.ID),
				RuleID:          rule.ID,
				Title:           rule.Name,
				ClusterID:       fact.ClusterID,
				Resource:        fact.Resource,
				Severity:        rule.Severity,
				SuggestedAction: rule.Action,
				Detail:          fact.Detail,
				ObservedAt:      fact.ObservedAt,
				FactIDs:         []string{fact.ID},
			}
			key := fact.ClusterID + "|" + fact.Resource.String()
			existing, seen := byResource[key]
			if !seen {
				byResource[key] = issue
				keys = append(keys, key)
				continue
			}
			byResource[key] = merge(existing, issue)
		}
	}

	issues := make([]types.Issue, 0, len(keys))
	for _, key := range keys {
		issues = append(issues, byResource[key])
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Severity != issues[j].Severity {
			return issues[i].Severity > issues[j].Severity
		}
		if !issues[i].ObservedAt.Equal(issues[j].ObservedAt) {
			return issues[i].ObservedAt.Before(issues[j].ObservedAt)
		}
		// Final tie-break keeps the ordering stable regardless of map
		// iteration and input permutation.
		return issues[i].Resource.String() < issues[j].Resource.String()
	})
	return issues
}

// merge keeps the most severe of two findings for the same resource; on
// equal severity the earlier observation wins. Fact lineage is combined.
func merge(a, b types.Issue) types.Issue {
	keep, drop := a, b
	if b.Severity > a.Severity ||
		(b.Severity == a.Severity && b.ObservedAt.Before(a.ObservedAt)) {
		keep, drop = b, a
	}
	keep.FactIDs = append(append([]string(nil), keep.FactIDs...), drop.FactIDs...)
	return keep
}
