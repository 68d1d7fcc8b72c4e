package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asheshgoplani/topicdeck/internal/dispatch"
	"github.com/asheshgoplani/topicdeck/internal/transcript"
)

// scriptedElector answers ElectPrimary from a fixed script; the last answer
// repeats once the script runs out.
type scriptedElector struct {
	mu      sync.Mutex
	answers []bool
	calls   int
}

func (e *scriptedElector) Heartbeat() error { return nil }

func (e *scriptedElector) ElectPrimary(time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := min(e.calls, len(e.answers)-1)
	e.calls++
	return e.answers[i], nil
}

func (e *scriptedElector) elections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestStandbyNeverEnqueues(t *testing.T) {
	elect := &scriptedElector{answers: []bool{false}}
	q := dispatch.New(nopSender{}, privateChats{}, dispatch.NewLimiters(0), dispatch.Options{})
	var served atomic.Int32

	loop := &primaryLoop{
		elect:    elect,
		interval: 2 * time.Millisecond,
		timeout:  time.Second,
		serve: func(ctx context.Context) error {
			served.Add(1)
			q.Enqueue(dispatch.Task{Kind: dispatch.KindContent, UserID: 1, ThreadID: 2,
				WindowID: "@1", Parts: []string{"x"}, ContentType: transcript.EventText})
			<-ctx.Done()
			return nil
		},
		housekeeping: func() { t.Error("housekeeping ran on a standby instance") },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if elect.elections() < 2 {
		t.Fatalf("expected repeated elections, got %d", elect.elections())
	}
	if served.Load() != 0 {
		t.Fatalf("serve ran %d times on a standby instance", served.Load())
	}
	if q.Len(1) != 0 {
		t.Fatalf("standby queued %d tasks", q.Len(1))
	}
}

func TestPrimaryServesUntilRoleIsLost(t *testing.T) {
	elect := &scriptedElector{answers: []bool{true, true, false}}
	started := make(chan struct{})
	stopped := make(chan struct{})
	var houses atomic.Int32

	loop := &primaryLoop{
		elect:    elect,
		interval: 2 * time.Millisecond,
		timeout:  time.Second,
		serve: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(stopped)
			return nil
		},
		housekeeping: func() { houses.Add(1) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not start on the primary")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("serve kept running after the role was lost")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if houses.Load() != 2 {
		t.Fatalf("housekeeping calls = %d, want 2", houses.Load())
	}
}

func TestPrimaryServeErrorStopsLoop(t *testing.T) {
	boom := errors.New("listen: address in use")
	loop := &primaryLoop{
		elect:    &scriptedElector{answers: []bool{true}},
		interval: time.Hour,
		timeout:  time.Second,
		serve:    func(context.Context) error { return boom },
	}
	if err := loop.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run() = %v, want %v", err, boom)
	}
}

func TestShutdownStopsServe(t *testing.T) {
	stopped := make(chan struct{})
	loop := &primaryLoop{
		elect:    &scriptedElector{answers: []bool{true}},
		interval: time.Hour,
		timeout:  time.Second,
		serve: func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("Run returned before serve stopped")
	}
}
