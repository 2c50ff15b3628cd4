package probe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/makdo-io/makdo/internal/config"
	"github.com/makdo-io/makdo/internal/types"
)

type fakeSessions struct {
	getCalls    int64
	revokeCalls int64
	token       string
	getErr      error
}

func (f *fakeSessions) Get(ctx context.Context, clusterID string) (*types.Session, error) {
	atomic.AddInt64(&f.getCalls, 1)
	if f.getErr != nil {
		return nil, f.getErr
	}
	token := f.token
	if token == "" {
		token = "tok"
	}
	return &types.Session{
		ClusterID: clusterID,
		Token:     token,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeSessions) Revoke(ctx context.Context, clusterID string) error {
	atomic.AddInt64(&f.revokeCalls, 1)
	return nil
}

func staticFactory(client kubernetes.Interface) ClientFactory {
	return func(cluster config.ClusterConfig, token string) (kubernetes.Interface, error) {
		return client, nil
	}
}

func proberConfig() *config.Config {
	return &config.Config{ProbeTimeout: 5 * time.Second}
}

func testCluster() config.ClusterConfig {
	return config.ClusterConfig{ID: "c1", Context: "kind-c1", Enabled: true}
}

func readyNode(name string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
		}},
	}
}

func runningPod(ns, name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	}
}

func findFact(t *testing.T, facts []types.HealthFact, ref types.ResourceRef) types.HealthFact {
	t.Helper()
	for _, f := range facts {
		if f.Resource == ref {
			return f
		}
	}
	t.Fatalf("no fact for %s in %+v", ref.String(), facts)
	return types.HealthFact{}
}

func TestProbe_HealthyCluster(t *testing.T) {
	client := fake.NewSimpleClientset(
		readyNode("node-1"),
		runningPod("default", "web-1"),
	)
	p := New(proberConfig(), &fakeSessions{}, staticFactory(client), logrus.New())

	facts := p.Probe(context.Background(), testCluster())
	if len(facts) != 2 {
		t.Fatalf("got %d facts, want 2", len(facts))
	}
	for _, f := range facts {
		if f.Status != types.StatusHealthy {
			t.Errorf("%s status = %s, want healthy (%s)", f.Resource.String(), f.Status, f.Detail)
		}
		if f.ClusterID != "c1" {
			t.Errorf("fact cluster = %q, want c1", f.ClusterID)
		}
		if f.ID == "" {
			t.Error("fact missing ID")
		}
	}
}

func TestProbe_ClassifiesUnhealthyResources(t *testing.T) {
	crashPod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "api-1", Namespace: "default"},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         "api",
				RestartCount: 7,
				State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{
					Reason: "CrashLoopBackOff",
				}},
			}},
		},
	}
	notReadyNode := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-2"},
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: corev1.ConditionFalse, Reason: "KubeletDown"},
		}},
	}
	pressureNode := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-3"},
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
			{Type: corev1.NodeMemoryPressure, Status: corev1.ConditionTrue},
		}},
	}
	two := int32(2)
	shortDeploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec:       appsv1.DeploymentSpec{Replicas: &two},
		Status:     appsv1.DeploymentStatus{AvailableReplicas: 1},
	}
	downDeploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "default"},
		Spec:       appsv1.DeploymentSpec{Replicas: &two},
		Status:     appsv1.DeploymentStatus{AvailableReplicas: 0},
	}

	client := fake.NewSimpleClientset(crashPod, notReadyNode, pressureNode, shortDeploy, downDeploy)
	p := New(proberConfig(), &fakeSessions{}, staticFactory(client), logrus.New())
	facts := p.Probe(context.Background(), testCluster())

	cases := []struct {
		ref  types.ResourceRef
		want types.HealthStatus
	}{
		{types.ResourceRef{Kind: "Pod", Namespace: "default", Name: "api-1"}, types.StatusFailing},
		{types.ResourceRef{Kind: "Node", Name: "node-2"}, types.StatusFailing},
		{types.ResourceRef{Kind: "Node", Name: "node-3"}, types.StatusDegraded},
		{types.ResourceRef{Kind: "Deployment", Namespace: "default", Name: "web"}, types.StatusDegraded},
		{types.ResourceRef{Kind: "Deployment", Namespace: "default", Name: "api"}, types.StatusFailing},
	}
	for _, tc := range cases {
		if got := findFact(t, facts, tc.ref); got.Status != tc.want {
			t.Errorf("%s status = %s, want %s", tc.ref.String(), got.Status, tc.want)
		}
	}

	crash := findFact(t, facts, cases[0].ref)
	if crash.Detail == "" {
		t.Error("crashloop fact missing detail")
	}
}

func TestProbe_SkipsSucceededPods(t *testing.T) {
	done := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "job-1", Namespace: "batch"},
		Status:     corev1.PodStatus{Phase: corev1.PodSucceeded},
	}
	client := fake.NewSimpleClientset(done)
	p := New(proberConfig(), &fakeSessions{}, staticFactory(client), logrus.New())

	facts := p.Probe(context.Background(), testCluster())
	for _, f := range facts {
		if f.Resource.Kind == "Pod" {
			t.Errorf("succeeded pod reported: %+v", f)
		}
	}
}

func TestProbe_AuthExpiredRenewsOnce(t *testing.T) {
	client := fake.NewSimpleClientset(readyNode("node-1"))
	var listCalls int64
	client.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if atomic.AddInt64(&listCalls, 1) == 1 {
			return true, nil, apierrors.NewUnauthorized("token expired")
		}
		return false, nil, nil
	})

	sessions := &fakeSessions{}
	p := New(proberConfig(), sessions, staticFactory(client), logrus.New())
	facts := p.Probe(context.Background(), testCluster())

	if n := atomic.LoadInt64(&sessions.revokeCalls); n != 1 {
		t.Errorf("revoke calls = %d, want 1", n)
	}
	if n := atomic.LoadInt64(&sessions.getCalls); n != 2 {
		t.Errorf("session gets = %d, want 2", n)
	}
	got := findFact(t, facts, types.ResourceRef{Kind: "Node", Name: "node-1"})
	if got.Status != types.StatusHealthy {
		t.Errorf("post-renewal fact status = %s, want healthy", got.Status)
	}
}

func TestProbe_PersistentAuthFailureReportsUnknown(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewUnauthorized("token expired")
	})

	sessions := &fakeSessions{}
	p := New(proberConfig(), sessions, staticFactory(client), logrus.New())
	facts := p.Probe(context.Background(), testCluster())

	if len(facts) != 1 {
		t.Fatalf("got %d facts, want 1", len(facts))
	}
	f := facts[0]
	if f.Resource.Kind != "Cluster" || f.Status != types.StatusUnknown {
		t.Errorf("fact = %+v, want cluster-scope unknown", f)
	}
	// Exactly one renewal attempt, never a loop.
	if n := atomic.LoadInt64(&sessions.revokeCalls); n != 1 {
		t.Errorf("revoke calls = %d, want 1", n)
	}
}

func TestProbe_TransientErrorRetriesOnce(t *testing.T) {
	client := fake.NewSimpleClientset(readyNode("node-1"))
	var listCalls int64
	client.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if atomic.AddInt64(&listCalls, 1) == 1 {
			return true, nil, apierrors.NewServiceUnavailable("apiserver flapping")
		}
		return false, nil, nil
	})

	p := New(proberConfig(), &fakeSessions{}, staticFactory(client), logrus.New())
	facts := p.Probe(context.Background(), testCluster())

	got := findFact(t, facts, types.ResourceRef{Kind: "Node", Name: "node-1"})
	if got.Status != types.StatusHealthy {
		t.Errorf("retried probe status = %s, want healthy", got.Status)
	}
	if n := atomic.LoadInt64(&listCalls); n != 2 {
		t.Errorf("list calls = %d, want 2", n)
	}
}

func TestProbe_SessionFailureReportsUnknown(t *testing.T) {
	sessions := &fakeSessions{getErr: errors.New("session backend down")}
	client := fake.NewSimpleClientset()
	p := New(proberConfig(), sessions, staticFactory(client), logrus.New())

	facts := p.Probe(context.Background(), testCluster())
	if len(facts) != 1 || facts[0].Status != types.StatusUnknown {
		t.Fatalf("facts = %+v, want single unknown fact", facts)
	}
}

func TestClassify(t *testing.T) {
	gr := schema.GroupResource{Resource: "pods"}
	if !errors.Is(classify("list pods", apierrors.NewUnauthorized("no")), types.ErrAuthExpired) {
		t.Error("unauthorized not classified as auth expiry")
	}
	if !errors.Is(classify("list pods", apierrors.NewForbidden(gr, "web", errors.New("rbac"))), types.ErrAuthExpired) {
		t.Error("forbidden not classified as auth expiry")
	}
	if !errors.Is(classify("list pods", apierrors.NewServiceUnavailable("down")), types.ErrTransientConnection) {
		t.Error("unavailable not classified as transient")
	}
}
