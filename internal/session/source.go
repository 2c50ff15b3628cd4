package session

import (
	"context"
	"time"

	"github.com/makdo-io/makdo/internal/config"
	"github.com/makdo-io/makdo/pkg/k8sai"
)

// K8sAISource adapts the k8s-ai admin API client to the TokenSource
// interface, sending the cluster's kubeconfig payload with each request.
type K8sAISource struct {
	Client *k8sai.Client
}

// IssueSession requests a new session token for the cluster.
func (s *K8sAISource) IssueSession(ctx context.Context, cluster config.ClusterConfig, ttlHours float64) (string, time.Time, error) {
	kubeconfig, err := ReadKubeconfig(cluster)
	if err != nil {
		return "", time.Time{}, err
	}
	return s.Client.CreateSession(ctx, k8sai.SessionRequest{
		ClusterName: cluster.ID,
		Kubeconfig:  kubeconfig,
		Context:     cluster.Context,
		TTLHours:    ttlHours,
	})
}

// RevokeSession revokes a session token.
func (s *K8sAISource) RevokeSession(ctx context.Context, token string) error {
	return s.Client.DeleteSession(ctx, token)
}
