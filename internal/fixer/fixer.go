// Package fixer executes approved remediations against clusters. Every
// execution captures a pre-state snapshot, validates the post-state within a
// bounded wait, and rolls back to the snapshot when the fix did not take.
// Executions against the same cluster resource are serialized.
package fixer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/makdo-io/makdo/internal/config"
	"github.com/makdo-io/makdo/internal/types"
)

// protectedNamespaces are never mutated by the fixer.
var protectedNamespaces = map[string]bool{
	"kube-system":     true,
	"kube-public":     true,
	"kube-node-lease": true,
}

// restartedAtAnnotation marks a deployment rollout triggered by the fixer.
const restartedAtAnnotation = "makdo.io/restartedAt"

// SessionSource provides cluster sessions for write access.
type SessionSource interface {
	Get(ctx context.Context, clusterID string) (*types.Session, error)
}

// ClientFactory builds a Kubernetes client for a cluster session.
type ClientFactory func(cluster config.ClusterConfig, token string) (kubernetes.Interface, error)

// Options tune the post-check wait loop.
type Options struct {
	PostCheckWait time.Duration
	PostCheckPoll time.Duration
}

// Fixer executes remediation actions.
type Fixer struct {
	cfg      *config.Config
	sessions SessionSource
	clients  ClientFactory
	log      *logrus.Logger
	opts     Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a fixer.
func New(cfg *config.Config, sessions SessionSource, clients ClientFactory, log *logrus.Logger, opts Options) *Fixer {
	if opts.PostCheckWait == 0 {
		opts.PostCheckWait = 30 * time.Second
	}
	if opts.PostCheckPoll == 0 {
		opts.PostCheckPoll = time.Second
	}
	return &Fixer{
		cfg:      cfg,
		sessions: sessions,
		clients:  clients,
		log:      log,
		opts:     opts,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Execute runs the remediation and reports the outcome. It never returns a
// Go error: every failure mode is a structured outcome for the coordinator.
func (f *Fixer) Execute(ctx context.Context, req *types.RemediationRequest) (out types.Outcome) {
	lock := f.lockFor(req.Issue.ClusterID, req.Issue.Resource)
	lock.Lock()
	defer lock.Unlock()

	out.RequestID = req.ID
	defer func() { out.FinishedAt = time.Now() }()

	if reason := f.validate(req); reason != "" {
		out.Blocked = true
		out.Reason = fmt.Sprintf("%v: %s", types.ErrValidation, reason)
		f.log.WithFields(logrus.Fields{
			"request":  req.ID,
			"resource": req.Issue.Resource.String(),
			"reason":   reason,
		}).Warn("Remediation blocked by pre-check")
		return out
	}

	cluster, ok := f.cfg.Cluster(req.Issue.ClusterID)
	if !ok {
		out.Reason = fmt.Sprintf("unknown cluster %q", req.Issue.ClusterID)
		return out
	}
	sess, err := f.sessions.Get(ctx, cluster.ID)
	if err != nil {
		out.Reason = fmt.Sprintf("get session: %v", err)
		return out
	}
	client, err := f.clients(cluster, sess.Token)
	if err != nil {
		out.Reason = fmt.Sprintf("build client: %v", err)
		return out
	}

	switch req.Action {
	case types.ActionRestartPod:
		f.restartPod(ctx, client, req, &out)
	case types.ActionScaleDeployment:
		f.recoverDeployment(ctx, client, req, &out)
	default:
		out.Blocked = true
		out.Reason = fmt.Sprintf("%v: action %q has no executor", types.ErrValidation, req.Action)
	}
	return out
}

// validate is the pre-mutation safety check. A non-empty return blocks the
// action without executing it.
func (f *Fixer) validate(req *types.RemediationRequest) string {
	if req.Action == types.ActionNotifyOnly {
		return "notify-only issues are not executable"
	}
	if protectedNamespaces[req.Issue.Resource.Namespace] {
		return fmt.Sprintf("namespace %q is protected", req.Issue.Resource.Namespace)
	}
	return ""
}

func (f *Fixer) lockFor(clusterID string, ref types.ResourceRef) *sync.Mutex {
	key := clusterID + "|" + ref.String()
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	if m, ok := f.locks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	f.locks[key] = m
	return m
}

// restartPod deletes the pod so its controller recreates it. The snapshot is
// the full pod manifest; an unowned pod that does not come back is restored
// from it.
func (f *Fixer) restartPod(ctx context.Context, client kubernetes.Interface, req *types.RemediationRequest, out *types.Outcome) {
	ref := req.Issue.Resource
	pods := client.CoreV1().Pods(ref.Namespace)

	snapshot, err := pods.Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		out.Reason = fmt.Sprintf("snapshot pod: %v", err)
		return
	}

	if err := pods.Delete(ctx, ref.Name, metav1.DeleteOptions{}); err != nil {
		out.Reason = fmt.Sprintf("%v: delete pod: %v", types.ErrExecution, err)
		return
	}

	owned := len(snapshot.OwnerReferences) > 0
	healthy := f.waitFor(ctx, func(checkCtx context.Context) bool {
		pod, getErr := pods.Get(checkCtx, ref.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(getErr) {
			// A controller-owned pod is replaced under a new name; deletion
			// completing is the expected healthy condition.
			return owned
		}
		if getErr != nil {
			return false
		}
		return podReady(pod)
	})
	if healthy {
		out.Succeeded = true
		return
	}

	out.Reason = fmt.Sprintf("%v: pod %s did not return to a healthy state", types.ErrExecution, ref.String())
	f.rollbackPod(ctx, pods, snapshot, out)
}

func (f *Fixer) rollbackPod(ctx context.Context, pods typedPods, snapshot *corev1.Pod, out *types.Outcome) {
	restored := snapshot.DeepCopy()
	restored.ResourceVersion = ""
	restored.UID = ""
	restored.Status = corev1.PodStatus{}

	if _, err := pods.Create(ctx, restored, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		out.RollbackErr = fmt.Sprintf("%v: recreate pod: %v", types.ErrRollback, err)
		f.log.WithField("pod", snapshot.Name).Error("Rollback failed, cluster may be inconsistent")
		return
	}
	out.RolledBack = true
	f.log.WithField("pod", snapshot.Name).Info("Rolled back pod to pre-remediation snapshot")
}

// typedPods is the slice of the pod client the rollback needs.
type typedPods interface {
	Create(ctx context.Context, pod *corev1.Pod, opts metav1.CreateOptions) (*corev1.Pod, error)
}

// recoverDeployment restores availability: a deployment scaled to zero gets
// one replica back, otherwise the rollout is refreshed via a pod template
// annotation. The snapshot is the full deployment manifest.
func (f *Fixer) recoverDeployment(ctx context.Context, client kubernetes.Interface, req *types.RemediationRequest, out *types.Outcome) {
	ref := req.Issue.Resource
	deploys := client.AppsV1().Deployments(ref.Namespace)

	snapshot, err := deploys.Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		out.Reason = fmt.Sprintf("snapshot deployment: %v", err)
		return
	}

	updated := snapshot.DeepCopy()
	desired := int32(1)
	if updated.Spec.Replicas != nil && *updated.Spec.Replicas > 0 {
		desired = *updated.Spec.Replicas
	}
	updated.Spec.Replicas = &desired
	if updated.Spec.Template.Annotations == nil {
		updated.Spec.Template.Annotations = map[string]string{}
	}
	updated.Spec.Template.Annotations[restartedAtAnnotation] = time.Now().UTC().Format(time.RFC3339)

	if _, err := deploys.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		out.Reason = fmt.Sprintf("%v: update deployment: %v", types.ErrExecution, err)
		return
	}

	healthy := f.waitFor(ctx, func(checkCtx context.Context) bool {
		d, getErr := deploys.Get(checkCtx, ref.Name, metav1.GetOptions{})
		if getErr != nil {
			return false
		}
		return d.Status.AvailableReplicas >= desired
	})
	if healthy {
		out.Succeeded = true
		return
	}

	out.Reason = fmt.Sprintf("%v: deployment %s did not reach %d available replicas", types.ErrExecution, ref.String(), desired)
	f.rollbackDeployment(ctx, deploys, snapshot, out)
}

func (f *Fixer) rollbackDeployment(ctx context.Context, deploys typedDeployments, snapshot *appsv1.Deployment, out *types.Outcome) {
	current, err := deploys.Get(ctx, snapshot.Name, metav1.GetOptions{})
	if err != nil {
		out.RollbackErr = fmt.Sprintf("%v: fetch deployment: %v", types.ErrRollback, err)
		return
	}
	restored := current.DeepCopy()
	restored.Spec = snapshot.Spec

	if _, err := deploys.Update(ctx, restored, metav1.UpdateOptions{}); err != nil {
		out.RollbackErr = fmt.Sprintf("%v: restore deployment spec: %v", types.ErrRollback, err)
		f.log.WithField("deployment", snapshot.Name).Error("Rollback failed, cluster may be inconsistent")
		return
	}
	out.RolledBack = true
	f.log.WithField("deployment", snapshot.Name).Info("Rolled back deployment to pre-remediation snapshot")
}

type typedDeployments interface {
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*appsv1.Deployment, error)
	Update(ctx context.Context, d *appsv1.Deployment, opts metav1.UpdateOptions) (*appsv1.Deployment, error)
}

// waitFor polls check until it returns true or the bounded post-check wait
// elapses.
func (f *Fixer) waitFor(ctx context.Context, check func(context.Context) bool) bool {
	deadline := time.Now().Add(f.opts.PostCheckWait)
	for {
		if check(ctx) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(f.opts.PostCheckPoll):
		}
	}
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
