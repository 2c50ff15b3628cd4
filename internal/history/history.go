// Package history archives remediation requests that reached a terminal
// state, backed by SQLite.
package history

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/makdo-io/makdo/internal/types"
)

// Record is one archived remediation.
type Record struct {
	ID             uint      `json:"-" gorm:"primaryKey"`
	RequestID      string    `json:"request_id" gorm:"index"`
	ClusterID      string    `json:"cluster_id" gorm:"index"`
	Resource       string    `json:"resource"`
	RuleID         string    `json:"rule_id"`
	Severity       string    `json:"severity"`
	Action         string    `json:"action"`
	State          string    `json:"state"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	RollbackResult string    `json:"rollback_result,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ResolvedAt     time.Time `json:"resolved_at" gorm:"index"`
}

// Store persists remediation records.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the SQLite database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Archive stores a terminal remediation request.
func (s *Store) Archive(req *types.RemediationRequest) error {
	rec := &Record{
		RequestID:      req.ID,
		ClusterID:      req.Issue.ClusterID,
		Resource:       req.Issue.Resource.String(),
		RuleID:         req.Issue.RuleID,
		Severity:       req.Issue.Severity.String(),
		Action:         string(req.Action),
		State:          string(req.State),
		FailureReason:  req.FailureReason,
		RollbackResult: req.RollbackResult,
		CreatedAt:      req.CreatedAt,
		ResolvedAt:     req.ResolvedAt,
	}
	return s.db.Create(rec).Error
}

// Recent returns the most recently resolved records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []Record
	err := s.db.Order("resolved_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// ForCluster returns records for one cluster since the given cutoff.
func (s *Store) ForCluster(clusterID string, since time.Duration) ([]Record, error) {
	cutoff := time.Now().Add(-since)
	var recs []Record
	err := s.db.Where("cluster_id = ? AND resolved_at > ?", clusterID, cutoff).
		Order("resolved_at DESC").
		Find(&recs).Error
	return recs, err
}
