package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/makdo-io/makdo/internal/config"
)

// countingSource is a call-counting fake token source.
type countingSource struct {
	issueCalls  int64
	revokeCalls int64
	issueDelay  time.Duration
	issueErr    error
	ttl         time.Duration
}

func (s *countingSource) IssueSession(ctx context.Context, cluster config.ClusterConfig, ttlHours float64) (string, time.Time, error) {
	n := atomic.AddInt64(&s.issueCalls, 1)
	if s.issueDelay > 0 {
		time.Sleep(s.issueDelay)
	}
	if s.issueErr != nil {
		return "", time.Time{}, s.issueErr
	}
	ttl := s.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return fmt.Sprintf("token-%s-%d", cluster.ID, n), time.Now().Add(ttl), nil
}

func (s *countingSource) RevokeSession(ctx context.Context, token string) error {
	atomic.AddInt64(&s.revokeCalls, 1)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Clusters: []config.ClusterConfig{
			{ID: "c1", Context: "kind-c1", Enabled: true},
			{ID: "c2", Context: "kind-c2", Enabled: true},
		},
		SessionTTLHours:   24,
		SessionRenewAhead: time.Minute,
	}
}

func TestRegistry_Get_CreatesAndCaches(t *testing.T) {
	src := &countingSource{}
	r := NewRegistry(testConfig(), src, logrus.New())
	ctx := context.Background()

	first, err := r.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.Token == "" || first.ClusterID != "c1" {
		t.Errorf("session = %+v", first)
	}

	second, err := r.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if second.Token != first.Token {
		t.Errorf("cached token %q != %q", second.Token, first.Token)
	}
	if n := atomic.LoadInt64(&src.issueCalls); n != 1 {
		t.Errorf("issue calls = %d, want 1", n)
	}
}

func TestRegistry_Get_UnknownCluster(t *testing.T) {
	r := NewRegistry(testConfig(), &countingSource{}, logrus.New())
	if _, err := r.Get(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown cluster")
	}
}

func TestRegistry_Get_SingleFlightRenewal(t *testing.T) {
	src := &countingSource{issueDelay: 50 * time.Millisecond}
	r := NewRegistry(testConfig(), src, logrus.New())
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Get(ctx, "c1")
			errs[i] = err
			if err == nil {
				tokens[i] = s.Token
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
	}
	for i := 1; i < callers; i++ {
		if tokens[i] != tokens[0] {
			t.Errorf("caller %d got token %q, want shared %q", i, tokens[i], tokens[0])
		}
	}
	if n := atomic.LoadInt64(&src.issueCalls); n != 1 {
		t.Errorf("concurrent Get triggered %d renewals, want exactly 1", n)
	}
}

func TestRegistry_Get_RenewsExpired(t *testing.T) {
	// Sessions expire immediately so every Get is inside the renew-ahead
	// window.
	src := &countingSource{ttl: time.Millisecond}
	r := NewRegistry(testConfig(), src, logrus.New())
	ctx := context.Background()

	first, err := r.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := r.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get (renewal): %v", err)
	}
	if first.Token == second.Token {
		t.Error("expired session was not renewed")
	}
	if n := atomic.LoadInt64(&src.issueCalls); n != 2 {
		t.Errorf("issue calls = %d, want 2", n)
	}
}

func TestRegistry_Get_PerClusterSessions(t *testing.T) {
	src := &countingSource{}
	r := NewRegistry(testConfig(), src, logrus.New())
	ctx := context.Background()

	s1, err := r.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get c1: %v", err)
	}
	s2, err := r.Get(ctx, "c2")
	if err != nil {
		t.Fatalf("Get c2: %v", err)
	}
	if s1.Token == s2.Token {
		t.Error("clusters should not share session tokens")
	}
}

func TestRegistry_Revoke(t *testing.T) {
	src := &countingSource{}
	r := NewRegistry(testConfig(), src, logrus.New())
	ctx := context.Background()

	if _, err := r.Get(ctx, "c1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := r.Revoke(ctx, "c1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if n := atomic.LoadInt64(&src.revokeCalls); n != 1 {
		t.Errorf("revoke calls = %d, want 1", n)
	}

	// Next Get issues a fresh session.
	if _, err := r.Get(ctx, "c1"); err != nil {
		t.Fatalf("Get after revoke: %v", err)
	}
	if n := atomic.LoadInt64(&src.issueCalls); n != 2 {
		t.Errorf("issue calls after revoke = %d, want 2", n)
	}
}

func TestRegistry_Revoke_NoSession(t *testing.T) {
	r := NewRegistry(testConfig(), &countingSource{}, logrus.New())
	if err := r.Revoke(context.Background(), "c1"); err != nil {
		t.Errorf("Revoke without session: %v", err)
	}
}

func TestRegistry_Get_IssueFailure(t *testing.T) {
	src := &countingSource{issueErr: fmt.Errorf("backend down")}
	r := NewRegistry(testConfig(), src, logrus.New())
	if _, err := r.Get(context.Background(), "c1"); err == nil {
		t.Error("expected error when token source fails")
	}
}
