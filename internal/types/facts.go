// Package types defines the shared data model for cluster health facts,
// issues, remediation requests, and sessions used across the coordinator
// pipeline and the HTTP API.
package types

import (
	"fmt"
	"time"
)

// HealthStatus is the observed status of a cluster resource.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "Healthy"
	StatusDegraded HealthStatus = "Degraded"
	StatusFailing  HealthStatus = "Failing"
	StatusUnknown  HealthStatus = "Unknown"
)

// ResourceRef identifies a resource within a cluster.
type ResourceRef struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// String returns kind/namespace/name, omitting empty namespace.
func (r ResourceRef) String() string {
	if r.Namespace == "" {
		return fmt.Sprintf("%s/%s", r.Kind, r.Name)
	}
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

// HealthFact is a single observation about a cluster resource produced by
// the probe. Facts are immutable once created.
type HealthFact struct {
	ID         string       `json:"id"`
	ClusterID  string       `json:"cluster_id"`
	Resource   ResourceRef  `json:"resource"`
	Status     HealthStatus `json:"status"`
	ObservedAt time.Time    `json:"observed_at"`
	Detail     string       `json:"detail,omitempty"`
}

// Session is a short-lived authorization token scoping access to one cluster.
// The session registry holds at most one live session per cluster.
type Session struct {
	ClusterID string    `json:"cluster_id"`
	Token     string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is expired at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
