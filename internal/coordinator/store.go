package coordinator

import (
	"sync"
	"time"

	"github.com/makdo-io/makdo/internal/types"
)

// requestStore is the single source of truth for in-flight remediation work.
// All state changes go through atomic check-and-set transitions so a race
// (for example a timeout firing while a decision arrives) can never
// double-drive the same request.
type requestStore struct {
	mu   sync.RWMutex
	reqs map[string]*types.RemediationRequest
}

func newRequestStore() *requestStore {
	return &requestStore{reqs: make(map[string]*types.RemediationRequest)}
}

// Add registers a new request.
func (s *requestStore) Add(req *types.RemediationRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs[req.ID] = req
}

// Get returns a copy of the request.
func (s *requestStore) Get(id string) (types.RemediationRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.reqs[id]
	if !ok {
		return types.RemediationRequest{}, false
	}
	return *req, true
}

// Transition atomically moves the request from one state to another. It
// fails when the request is missing, not currently in from, or the
// transition is not in the legal graph. Terminal transitions stamp
// ResolvedAt.
func (s *requestStore) Transition(id string, from, to types.RequestState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok || req.State != from || !types.CanTransition(from, to) {
		return false
	}
	req.State = to
	if to.Terminal() && req.ResolvedAt.IsZero() {
		req.ResolvedAt = time.Now()
	}
	return true
}

// Annotate applies fn to the request under the store lock.
func (s *requestStore) Annotate(id string, fn func(*types.RemediationRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.reqs[id]; ok {
		fn(req)
	}
}

// HasActive reports whether an unresolved request already targets the
// cluster resource. Used to suppress duplicate issues across poll cycles.
func (s *requestStore) HasActive(clusterID string, ref types.ResourceRef) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.reqs {
		if req.Issue.ClusterID == clusterID &&
			req.Issue.Resource == ref &&
			!req.State.Terminal() {
			return true
		}
	}
	return false
}

// List returns copies of all tracked requests.
func (s *requestStore) List() []types.RemediationRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.RemediationRequest, 0, len(s.reqs))
	for _, req := range s.reqs {
		out = append(out, *req)
	}
	return out
}

// Drop removes a terminal request from the in-flight set after archival.
func (s *requestStore) Drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.reqs[id]; ok && req.State.Terminal() {
		delete(s.reqs, id)
	}
}
