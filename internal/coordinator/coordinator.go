// Package coordinator orchestrates the polling loop: it fans probes out
// across the cluster fleet, turns analyzer issues into remediation requests,
// gates risky work behind human approval, dispatches approved work to the
// fixer, and reports outcomes to the notification channel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/makdo-io/makdo/internal/analyzer"
	"github.com/makdo-io/makdo/internal/config"
	"github.com/makdo-io/makdo/internal/types"
)

var (
	pollCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "makdo_poll_cycles_total",
			Help: "Total completed polling cycles",
		},
	)
	factsObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makdo_health_facts_total",
			Help: "Total health facts observed",
		},
		[]string{"cluster", "status"},
	)
	issuesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makdo_issues_detected_total",
			Help: "Total issues produced by the analyzer",
		},
		[]string{"rule", "severity"},
	)
	issuesSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "makdo_issues_suppressed_total",
			Help: "Issues suppressed because a request for the resource is unresolved",
		},
	)
	remediationsByState = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makdo_remediations_total",
			Help: "Remediation requests reaching each state",
		},
		[]string{"state"},
	)
	pendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "makdo_pending_approvals",
			Help: "Approval prompts currently awaiting a decision",
		},
	)
	lateDecisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "makdo_late_decisions_total",
			Help: "Decisions that arrived after their prompt was already resolved",
		},
	)
)

func init() {
	prometheus.MustRegister(pollCycles)
	prometheus.MustRegister(factsObserved)
	prometheus.MustRegister(issuesDetected)
	prometheus.MustRegister(issuesSuppressed)
	prometheus.MustRegister(remediationsByState)
	prometheus.MustRegister(pendingApprovals)
	prometheus.MustRegister(lateDecisions)
}

// Decision delivery failures, distinguished so the API can map them to
// separate status codes.
var (
	// ErrUnknownRequest means no in-flight request has the given id.
	ErrUnknownRequest = errors.New("unknown remediation request")
	// ErrNotAwaitingDecision means the request exists but has no open
	// approval prompt: it auto-executed, or its prompt was already resolved.
	ErrNotAwaitingDecision = errors.New("remediation is not awaiting a decision")
)

// Prober collects health facts for one cluster.
type Prober interface {
	Probe(ctx context.Context, cluster config.ClusterConfig) []types.HealthFact
}

// FixExecutor runs one remediation to a terminal outcome.
type FixExecutor interface {
	Execute(ctx context.Context, req *types.RemediationRequest) types.Outcome
}

// Notifier delivers prompts and summaries to the chat channel.
type Notifier interface {
	PostPrompt(prompt *types.ApprovalPrompt)
	PostSummary(text string)
}

// Archiver persists terminal remediation requests.
type Archiver interface {
	Archive(req *types.RemediationRequest) error
}

// ClusterStatus is the coordinator's view of one cluster for the API.
type ClusterStatus struct {
	ID              string    `json:"id"`
	LastSeenHealthy time.Time `json:"last_seen_healthy,omitempty"`
	LastProbedAt    time.Time `json:"last_probed_at,omitempty"`
}

// Coordinator owns the remediation request lifecycle.
type Coordinator struct {
	cfg      *config.Config
	log      *logrus.Logger
	prober   Prober
	analyzer *analyzer.Analyzer
	fixer    FixExecutor
	notifier Notifier
	archive  Archiver

	store     *requestStore
	approvals *approvals

	histMu      sync.Mutex
	factHistory map[string][][]types.HealthFact
	lastHealthy map[string]time.Time
	lastProbed  map[string]time.Time
	alerted     map[string]time.Time

	executing sync.WaitGroup
}

// New creates a coordinator.
func New(cfg *config.Config, prober Prober, an *analyzer.Analyzer, fixer FixExecutor, notifier Notifier, archive Archiver, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		log:         log,
		prober:      prober,
		analyzer:    an,
		fixer:       fixer,
		notifier:    notifier,
		archive:     archive,
		store:       newRequestStore(),
		approvals:   newApprovals(),
		factHistory: make(map[string][][]types.HealthFact),
		lastHealthy: make(map[string]time.Time),
		lastProbed:  make(map[string]time.Time),
		alerted:     make(map[string]time.Time),
	}
}

// Start runs the polling loop until the context is cancelled. The first
// cycle runs immediately.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		c.runCycle(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runCycle(ctx)
			}
		}
	}()
}

// runCycle fans out one probe task per cluster. Each task has its own
// timeout and failure domain; a stalled cluster never blocks the others.
func (c *Coordinator) runCycle(ctx context.Context) {
	var wg sync.WaitGroup
	for _, cluster := range c.cfg.Clusters {
		wg.Add(1)
		go func(cluster config.ClusterConfig) {
			defer wg.Done()
			c.pollCluster(ctx, cluster)
		}(cluster)
	}
	wg.Wait()
	pollCycles.Inc()
	pendingApprovals.Set(float64(c.approvals.Pending()))
}

func (c *Coordinator) pollCluster(ctx context.Context, cluster config.ClusterConfig) {
	facts := c.prober.Probe(ctx, cluster)
	if ctx.Err() != nil {
		return
	}

	// A cluster is seen healthy only when every resource reports Healthy;
	// Degraded is enough to hold the last-seen-healthy stamp back.
	healthy := len(facts) > 0
	for _, f := range facts {
		factsObserved.WithLabelValues(cluster.ID, string(f.Status)).Inc()
		if f.Status != types.StatusHealthy {
			healthy = false
		}
	}

	window := c.recordFacts(cluster.ID, facts, healthy)
	issues := c.analyzer.Analyze(window)
	c.handleIssues(ctx, issues)
}

// recordFacts appends the cycle's facts to the cluster's bounded history and
// returns the flattened lookback window.
func (c *Coordinator) recordFacts(clusterID string, facts []types.HealthFact, healthy bool) []types.HealthFact {
	c.histMu.Lock()
	defer c.histMu.Unlock()

	hist := append(c.factHistory[clusterID], facts)
	if len(hist) > c.cfg.HistoryCycles {
		hist = hist[len(hist)-c.cfg.HistoryCycles:]
	}
	c.factHistory[clusterID] = hist
	c.lastProbed[clusterID] = time.Now()
	if healthy {
		c.lastHealthy[clusterID] = time.Now()
	}

	var window []types.HealthFact
	for _, cycle := range hist {
		window = append(window, cycle...)
	}
	return window
}

func (c *Coordinator) handleIssues(ctx context.Context, issues []types.Issue) {
	for _, issue := range issues {
		issuesDetected.WithLabelValues(issue.RuleID, issue.Severity.String()).Inc()

		if issue.SuggestedAction == types.ActionNotifyOnly {
			c.alertOnly(issue)
			continue
		}
		if c.store.HasActive(issue.ClusterID, issue.Resource) {
			issuesSuppressed.Inc()
			c.log.WithFields(logrus.Fields{
				"cluster":  issue.ClusterID,
				"resource": issue.Resource.String(),
			}).Debug("Issue suppressed, remediation already in flight")
			continue
		}
		c.openRequest(ctx, issue)
	}
}

// alertOnly posts an alert for issues with no executable remediation,
// re-alerting only after the lookback window has passed.
func (c *Coordinator) alertOnly(issue types.Issue) {
	key := issue.ClusterID + "|" + issue.Resource.String() + "|" + issue.RuleID
	repeatAfter := c.cfg.PollInterval * time.Duration(c.cfg.HistoryCycles)

	c.histMu.Lock()
	last, seen := c.alerted[key]
	if seen && time.Since(last) < repeatAfter {
		c.histMu.Unlock()
		return
	}
	c.alerted[key] = time.Now()
	c.histMu.Unlock()

	c.notifier.PostSummary(fmt.Sprintf(
		":warning: [%s] %s: %s on %s: %s",
		issue.Severity, issue.Title, issue.ClusterID, issue.Resource.String(), issue.Detail,
	))
}

func (c *Coordinator) openRequest(ctx context.Context, issue types.Issue) {
	req := &types.RemediationRequest{
		ID:               uuid.NewString(),
		Issue:            issue,
		Action:           issue.SuggestedAction,
		RequiresApproval: issue.Severity >= c.cfg.ApprovalThreshold,
		CreatedAt:        time.Now(),
	}

	if !req.RequiresApproval {
		// Low risk work skips the approval gate entirely.
		req.State = types.StateExecuting
		c.store.Add(req)
		remediationsByState.WithLabelValues(string(types.StateExecuting)).Inc()
		c.dispatch(req.ID)
		return
	}

	req.State = types.StatePending
	c.store.Add(req)
	remediationsByState.WithLabelValues(string(types.StatePending)).Inc()

	prompt := c.renderPrompt(req)
	ch := c.approvals.Create(req.ID)
	pendingApprovals.Set(float64(c.approvals.Pending()))
	c.notifier.PostPrompt(prompt)

	// The wait is asynchronous: polling continues while the request sits in
	// Pending. First writer (decision or timeout) wins the slot.
	timeout := time.AfterFunc(c.cfg.ApprovalTimeout, func() {
		c.approvals.Resolve(req.ID, types.DecisionTimeout)
	})
	go c.awaitDecision(ctx, req.ID, ch, timeout)
}

func (c *Coordinator) renderPrompt(req *types.RemediationRequest) *types.ApprovalPrompt {
	issue := req.Issue
	return &types.ApprovalPrompt{
		RemediationID: req.ID,
		Channel:       c.cfg.SlackChannel,
		Deadline:      time.Now().Add(c.cfg.ApprovalTimeout),
		Message: fmt.Sprintf(
			":rotating_light: [%s] %s\nCluster: %s\nResource: %s\nDetail: %s\nProposed action: %s\nReply `approve %s` or `deny %s` within %s.",
			issue.Severity, issue.Title, issue.ClusterID, issue.Resource.String(),
			issue.Detail, req.Action, req.ID, req.ID, c.cfg.ApprovalTimeout,
		),
	}
}

func (c *Coordinator) awaitDecision(ctx context.Context, id string, ch <-chan types.Decision, timeout *time.Timer) {
	defer func() {
		c.approvals.Remove(id)
		pendingApprovals.Set(float64(c.approvals.Pending()))
	}()

	var decision types.Decision
	select {
	case decision = <-ch:
		timeout.Stop()
	case <-ctx.Done():
		timeout.Stop()
		decision = types.DecisionTimeout
	}

	switch decision {
	case types.DecisionApprove:
		if !c.store.Transition(id, types.StatePending, types.StateApproved) {
			return
		}
		remediationsByState.WithLabelValues(string(types.StateApproved)).Inc()
		if !c.store.Transition(id, types.StateApproved, types.StateExecuting) {
			return
		}
		remediationsByState.WithLabelValues(string(types.StateExecuting)).Inc()
		c.dispatch(id)

	case types.DecisionDeny, types.DecisionTimeout:
		if !c.store.Transition(id, types.StatePending, types.StateDenied) {
			return
		}
		reason := "denied by operator"
		if decision == types.DecisionTimeout {
			reason = "approval timed out"
		}
		c.store.Annotate(id, func(r *types.RemediationRequest) {
			r.FailureReason = reason
		})
		remediationsByState.WithLabelValues(string(types.StateDenied)).Inc()
		c.finalize(id, fmt.Sprintf("Remediation %s not executed: %s.", shortID(id), reason))
	}
}

// dispatch runs the fixer in its own goroutine. Executing work is never
// cancelled mid-mutation; shutdown waits for it via the executing WaitGroup.
func (c *Coordinator) dispatch(id string) {
	req, ok := c.store.Get(id)
	if !ok {
		return
	}
	c.executing.Add(1)
	go func() {
		defer c.executing.Done()
		outcome := c.fixer.Execute(context.Background(), &req)
		c.conclude(id, outcome)
	}()
}

func (c *Coordinator) conclude(id string, outcome types.Outcome) {
	req, ok := c.store.Get(id)
	if !ok {
		return
	}

	switch {
	case outcome.Succeeded:
		c.store.Transition(id, types.StateExecuting, types.StateSucceeded)
		remediationsByState.WithLabelValues(string(types.StateSucceeded)).Inc()
		c.finalize(id, fmt.Sprintf(
			":white_check_mark: Remediation %s succeeded: %s on %s/%s.",
			shortID(id), req.Action, req.Issue.ClusterID, req.Issue.Resource.String(),
		))

	case outcome.Blocked:
		c.store.Transition(id, types.StateExecuting, types.StateFailed)
		c.store.Annotate(id, func(r *types.RemediationRequest) {
			r.FailureReason = outcome.Reason
		})
		remediationsByState.WithLabelValues(string(types.StateFailed)).Inc()
		c.finalize(id, fmt.Sprintf(
			":no_entry: Remediation %s blocked before execution: %s",
			shortID(id), outcome.Reason,
		))

	default:
		c.store.Transition(id, types.StateExecuting, types.StateFailed)
		remediationsByState.WithLabelValues(string(types.StateFailed)).Inc()

		switch {
		case outcome.RolledBack:
			c.store.Annotate(id, func(r *types.RemediationRequest) {
				r.FailureReason = outcome.Reason
				r.RollbackResult = "succeeded"
			})
			c.store.Transition(id, types.StateFailed, types.StateRolledBack)
			remediationsByState.WithLabelValues(string(types.StateRolledBack)).Inc()
			c.finalize(id, fmt.Sprintf(
				":leftwards_arrow_with_hook: Remediation %s failed and was rolled back: %s",
				shortID(id), outcome.Reason,
			))
		case outcome.RollbackErr != "":
			c.store.Annotate(id, func(r *types.RemediationRequest) {
				r.FailureReason = outcome.Reason
				r.RollbackResult = outcome.RollbackErr
			})
			// Failed rollback is the most severe condition: the cluster may
			// be left inconsistent. Escalate, do not retry.
			c.finalize(id, fmt.Sprintf(
				":red_circle: CRITICAL: remediation %s failed AND rollback failed on %s/%s, manual intervention required. %s / %s",
				shortID(id), req.Issue.ClusterID, req.Issue.Resource.String(),
				outcome.Reason, outcome.RollbackErr,
			))
		default:
			c.store.Annotate(id, func(r *types.RemediationRequest) {
				r.FailureReason = outcome.Reason
			})
			c.finalize(id, fmt.Sprintf(
				":x: Remediation %s failed: %s", shortID(id), outcome.Reason,
			))
		}
	}
}

// finalize archives a terminal request, posts its summary, and drops it from
// the in-flight set so the resource is eligible for new issues.
func (c *Coordinator) finalize(id, summary string) {
	req, ok := c.store.Get(id)
	if !ok {
		return
	}
	if err := c.archive.Archive(&req); err != nil {
		c.log.WithError(err).WithField("request", id).Error("Failed to archive remediation record")
	}
	c.store.Drop(id)
	c.notifier.PostSummary(summary)
	c.log.WithFields(logrus.Fields{
		"request":  id,
		"state":    req.State,
		"cluster":  req.Issue.ClusterID,
		"resource": req.Issue.Resource.String(),
	}).Info("Remediation concluded")
}

// ResolveDecision delivers a human decision from the notification channel.
// A decision for an unknown request returns ErrUnknownRequest; one for a
// request with no open prompt (auto-executed, or already resolved by a prior
// decision or the timeout) is ignored and returns ErrNotAwaitingDecision.
func (c *Coordinator) ResolveDecision(id string, decision types.Decision) error {
	if decision != types.DecisionApprove && decision != types.DecisionDeny {
		return fmt.Errorf("unsupported decision %q", decision)
	}
	if _, ok := c.store.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if !c.approvals.Resolve(id, decision) {
		lateDecisions.Inc()
		c.log.WithFields(logrus.Fields{
			"request":  id,
			"decision": decision,
		}).Warn("Decision arrived after prompt resolution, ignoring")
		return fmt.Errorf("%w: %s", ErrNotAwaitingDecision, id)
	}
	return nil
}

// Requests returns all in-flight remediation requests.
func (c *Coordinator) Requests() []types.RemediationRequest {
	return c.store.List()
}

// Clusters returns the coordinator's per-cluster status view.
func (c *Coordinator) Clusters() []ClusterStatus {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	out := make([]ClusterStatus, 0, len(c.cfg.Clusters))
	for _, cl := range c.cfg.Clusters {
		out = append(out, ClusterStatus{
			ID:              cl.ID,
			LastSeenHealthy: c.lastHealthy[cl.ID],
			LastProbedAt:    c.lastProbed[cl.ID],
		})
	}
	return out
}

// Drain waits for executing remediations to reach a terminal state, up to
// the context deadline. In-flight probes are cancelled cooperatively by the
// caller's loop context; mutations are never interrupted.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.executing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown grace period elapsed with remediations still executing: %w", ctx.Err())
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
