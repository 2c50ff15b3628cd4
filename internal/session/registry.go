// Package session caches per-cluster session tokens issued by the k8s-ai
// admin API. At most one live session exists per cluster; concurrent
// requests for an expired session trigger exactly one renewal.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/makdo-io/makdo/internal/config"
	"github.com/makdo-io/makdo/internal/types"
)

// TokenSource issues and revokes cluster session tokens. Implemented by
// pkg/k8sai; tests substitute a call-counting fake.
type TokenSource interface {
	IssueSession(ctx context.Context, cluster config.ClusterConfig, ttlHours float64) (token string, expiresAt time.Time, err error)
	RevokeSession(ctx context.Context, token string) error
}

// Registry owns the session cache. It is the only component with
// cross-task shared mutable state; renewal is serialized per cluster.
type Registry struct {
	src        TokenSource
	cfg        *config.Config
	log        *logrus.Logger
	mu         sync.RWMutex
	sessions   map[string]*types.Session
	flight     singleflight.Group
	renewAhead time.Duration
}

// NewRegistry creates a registry backed by the given token source.
func NewRegistry(cfg *config.Config, src TokenSource, log *logrus.Logger) *Registry {
	return &Registry{
		src:        src,
		cfg:        cfg,
		log:        log,
		sessions:   make(map[string]*types.Session),
		renewAhead: cfg.SessionRenewAhead,
	}
}

// Get returns a live session for the cluster, creating or renewing one if
// absent, expired, or inside the renew-ahead window. Concurrent callers for
// the same cluster share a single renewal.
func (r *Registry) Get(ctx context.Context, clusterID string) (*types.Session, error) {
	if s := r.cached(clusterID); s != nil {
		return s, nil
	}

	v, err, _ := r.flight.Do(clusterID, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have just
		// renewed before we were queued.
		if s := r.cached(clusterID); s != nil {
			return s, nil
		}
		return r.renew(ctx, clusterID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Session), nil
}

// Revoke destroys the cached session for a cluster and revokes the token at
// the source. Safe to call when no session exists.
func (r *Registry) Revoke(ctx context.Context, clusterID string) error {
	r.mu.Lock()
	s := r.sessions[clusterID]
	delete(r.sessions, clusterID)
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := r.src.RevokeSession(ctx, s.Token); err != nil {
		return fmt.Errorf("revoke session for %s: %w", clusterID, err)
	}
	r.log.WithField("cluster", clusterID).Info("Revoked cluster session")
	return nil
}

// cached returns the cluster's session if it is live and outside the
// renew-ahead window, else nil.
func (r *Registry) cached(clusterID string) *types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[clusterID]
	if s == nil || time.Now().After(s.ExpiresAt.Add(-r.renewAhead)) {
		return nil
	}
	return s
}

func (r *Registry) renew(ctx context.Context, clusterID string) (*types.Session, error) {
	cluster, ok := r.cfg.Cluster(clusterID)
	if !ok {
		return nil, fmt.Errorf("unknown cluster %q", clusterID)
	}

	token, expiresAt, err := r.src.IssueSession(ctx, cluster, r.cfg.SessionTTLHours)
	if err != nil {
		return nil, fmt.Errorf("issue session for %s: %v: %w", clusterID, err, types.ErrTransientConnection)
	}

	s := &types.Session{
		ClusterID: clusterID,
		Token:     token,
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}
	r.mu.Lock()
	r.sessions[clusterID] = s
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"cluster":    clusterID,
		"expires_at": expiresAt,
	}).Info("Renewed cluster session")
	return s, nil
}

// ReadKubeconfig loads the credential payload referenced by a cluster's
// inventory entry, for the token source's session request.
func ReadKubeconfig(cluster config.ClusterConfig) (string, error) {
	if cluster.KubeconfigPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(cluster.KubeconfigPath)
	if err != nil {
		return "", fmt.Errorf("read kubeconfig for %s: %w", cluster.ID, err)
	}
	return string(data), nil
}
