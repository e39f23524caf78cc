package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", PingChecker("postgres", PingFunc(func(context.Context) error { return nil }), time.Second))
	r.Register("redis", PingChecker("redis", PingFunc(func(context.Context) error {
		return errors.New("connection refused")
	}), time.Second))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Healthy || statuses[1].Healthy {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestPingChecker_AppliesTimeout(t *testing.T) {
	check := PingChecker("kafka", PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), 10*time.Millisecond)

	st := check(context.Background())
	if st.Healthy {
		t.Fatal("expected unhealthy after timeout")
	}
	if st.Name != "kafka" {
		t.Fatalf("unexpected name %q", st.Name)
	}
}
