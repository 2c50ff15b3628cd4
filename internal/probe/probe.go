// Package probe issues read-only health queries against cluster control
// planes and returns structured health facts. Each probe runs inside its own
// timeout so a slow cluster never stalls the rest of the fleet.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/makdo-io/makdo/internal/config"
	"github.com/makdo-io/makdo/internal/types"
)

// SessionSource provides and invalidates cluster sessions. Implemented by
// the session registry.
type SessionSource interface {
	Get(ctx context.Context, clusterID string) (*types.Session, error)
	Revoke(ctx context.Context, clusterID string) error
}

// ClientFactory builds a Kubernetes client for a cluster using the session's
// bearer token. Tests substitute a factory returning a fake clientset.
type ClientFactory func(cluster config.ClusterConfig, token string) (kubernetes.Interface, error)

// NewClientFactory returns the production factory, which targets the
// cluster's control-plane endpoint directly.
func NewClientFactory() ClientFactory {
	return func(cluster config.ClusterConfig, token string) (kubernetes.Interface, error) {
		restCfg := &rest.Config{
			Host:        cluster.Endpoint,
			BearerToken: token,
			TLSClientConfig: rest.TLSClientConfig{
				Insecure: cluster.InsecureTLS,
			},
		}
		return kubernetes.NewForConfig(restCfg)
	}
}

// Prober collects health facts for clusters.
type Prober struct {
	cfg      *config.Config
	sessions SessionSource
	clients  ClientFactory
	log      *logrus.Logger
}

// New creates a prober using the given session source and client factory.
func New(cfg *config.Config, sessions SessionSource, clients ClientFactory, log *logrus.Logger) *Prober {
	return &Prober{cfg: cfg, sessions: sessions, clients: clients, log: log}
}

// Probe queries one cluster and returns its health facts. Transient
// connection errors are retried once with a short backoff; auth errors
// trigger exactly one session renewal followed by one retry. When the probe
// still cannot read the cluster it reports a single cluster-scope Unknown
// fact instead of failing the cycle.
func (p *Prober) Probe(ctx context.Context, cluster config.ClusterConfig) []types.HealthFact {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	facts, err := p.collectWithSession(ctx, cluster)
	if err == nil {
		return facts
	}

	switch {
	case errors.Is(err, types.ErrAuthExpired):
		p.log.WithField("cluster", cluster.ID).Warn("Cluster session rejected, renewing once")
		if revokeErr := p.sessions.Revoke(ctx, cluster.ID); revokeErr != nil {
			p.log.WithError(revokeErr).WithField("cluster", cluster.ID).Debug("Session revoke failed")
		}
		facts, err = p.collectWithSession(ctx, cluster)
	case errors.Is(err, types.ErrTransientConnection):
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
			facts, err = p.collectWithSession(ctx, cluster)
		}
	}
	if err == nil {
		return facts
	}

	p.log.WithError(err).WithField("cluster", cluster.ID).Warn("Probe failed, reporting cluster status unknown")
	return []types.HealthFact{unknownFact(cluster.ID, err)}
}

func (p *Prober) collectWithSession(ctx context.Context, cluster config.ClusterConfig) ([]types.HealthFact, error) {
	sess, err := p.sessions.Get(ctx, cluster.ID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	client, err := p.clients(cluster, sess.Token)
	if err != nil {
		return nil, fmt.Errorf("build client for %s: %v: %w", cluster.ID, err, types.ErrTransientConnection)
	}
	return p.collect(ctx, client, cluster.ID)
}

func (p *Prober) collect(ctx context.Context, client kubernetes.Interface, clusterID string) ([]types.HealthFact, error) {
	now := time.Now()
	var facts []types.HealthFact

	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("list nodes", err)
	}
	for _, n := range nodes.Items {
		facts = append(facts, nodeFact(clusterID, n, now))
	}

	pods, err := client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("list pods", err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodSucceeded {
			continue
		}
		facts = append(facts, podFact(clusterID, pod, now))
	}

	deploys, err := client.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("list deployments", err)
	}
	for _, d := range deploys.Items {
		facts = append(facts, deploymentFact(clusterID, d, now))
	}

	return facts, nil
}

// classify maps a Kubernetes API error onto the failure taxonomy.
func classify(op string, err error) error {
	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return fmt.Errorf("%s: %v: %w", op, err, types.ErrAuthExpired)
	}
	return fmt.Errorf("%s: %v: %w", op, err, types.ErrTransientConnection)
}

func unknownFact(clusterID string, err error) types.HealthFact {
	return types.HealthFact{
		ID:         uuid.NewString(),
		ClusterID:  clusterID,
		Resource:   types.ResourceRef{Kind: "Cluster", Name: clusterID},
		Status:     types.StatusUnknown,
		ObservedAt: time.Now(),
		Detail:     err.Error(),
	}
}

func nodeFact(clusterID string, node corev1.Node, now time.Time) types.HealthFact {
	status := types.StatusHealthy
	detail := ""
	for _, cond := range node.Status.Conditions {
		switch cond.Type {
		case corev1.NodeReady:
			if cond.Status != corev1.ConditionTrue {
				status = types.StatusFailing
				detail = fmt.Sprintf("node not ready: %s", cond.Reason)
			}
		case corev1.NodeMemoryPressure, corev1.NodeDiskPressure, corev1.NodePIDPressure:
			if cond.Status == corev1.ConditionTrue && status == types.StatusHealthy {
				status = types.StatusDegraded
				detail = fmt.Sprintf("node under %s", cond.Type)
			}
		}
	}
	return types.HealthFact{
		ID:         uuid.NewString(),
		ClusterID:  clusterID,
		Resource:   types.ResourceRef{Kind: "Node", Name: node.Name},
		Status:     status,
		ObservedAt: now,
		Detail:     detail,
	}
}

func podFact(clusterID string, pod corev1.Pod, now time.Time) types.HealthFact {
	status := types.StatusHealthy
	detail := ""

	switch pod.Status.Phase {
	case corev1.PodFailed:
		status = types.StatusFailing
		detail = fmt.Sprintf("pod failed: %s", pod.Status.Reason)
	case corev1.PodPending:
		status = types.StatusDegraded
		detail = "pod pending"
	}

	var restarts int32
	for _, cs := range pod.Status.ContainerStatuses {
		restarts += cs.RestartCount
		if cs.State.Waiting == nil {
			continue
		}
		switch cs.State.Waiting.Reason {
		case "CrashLoopBackOff":
			status = types.StatusFailing
			detail = fmt.Sprintf("container %s in CrashLoopBackOff", cs.Name)
		case "ImagePullBackOff", "ErrImagePull":
			status = types.StatusFailing
			detail = fmt.Sprintf("container %s cannot pull image: %s", cs.Name, cs.State.Waiting.Reason)
		}
	}

	if status == types.StatusHealthy && pod.Status.Phase == corev1.PodRunning {
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status != corev1.ConditionTrue {
				status = types.StatusDegraded
				detail = fmt.Sprintf("pod not ready: %s", cond.Reason)
			}
		}
	}
	if detail != "" && restarts > 0 {
		detail = fmt.Sprintf("%s (restarts: %d)", detail, restarts)
	}

	return types.HealthFact{
		ID:         uuid.NewString(),
		ClusterID:  clusterID,
		Resource:   types.ResourceRef{Kind: "Pod", Name: pod.Name, Namespace: pod.Namespace},
		Status:     status,
		ObservedAt: now,
		Detail:     detail,
	}
}

func deploymentFact(clusterID string, d appsv1.Deployment, now time.Time) types.HealthFact {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	status := types.StatusHealthy
	detail := ""
	switch {
	case desired > 0 && d.Status.AvailableReplicas == 0:
		status = types.StatusFailing
		detail = fmt.Sprintf("0/%d replicas available", desired)
	case d.Status.AvailableReplicas < desired:
		status = types.StatusDegraded
		detail = fmt.Sprintf("%d/%d replicas available", d.Status.AvailableReplicas, desired)
	}
	return types.HealthFact{
		ID:         uuid.NewString(),
		ClusterID:  clusterID,
		Resource:   types.ResourceRef{Kind: "Deployment", Name: d.Name, Namespace: d.Namespace},
		Status:     status,
		ObservedAt: now,
		Detail:     detail,
	}
}
