package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestScheduler_runsImmediatelyAndOnTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32

	s := New(zap.NewNop())
	s.Add(Job{Name: "count", Interval: 10 * time.Millisecond, Immediate: true, Run: func(context.Context) error {
		n.Add(1)
		return nil
	}})
	s.Start(ctx)

	time.Sleep(55 * time.Millisecond)
	cancel()
	s.Wait()

	if got := n.Load(); got < 3 {
		t.Errorf("expected at least 3 runs, got %d", got)
	}
}

func TestScheduler_stopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(zap.NewNop())
	s.Add(Job{Name: "idle", Interval: time.Hour, Run: func(context.Context) error { return nil }})
	s.Start(ctx)

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_runHookSeesErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	var mu sync.Mutex
	var gotErr error
	ran := make(chan struct{}, 1)

	s := New(zap.NewNop())
	s.SetRunHook(func(name string, err error, _ time.Duration) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	s.Add(Job{Name: "fail", Interval: time.Hour, Immediate: true, Run: func(context.Context) error { return boom }})
	s.Start(ctx)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(gotErr, boom) {
		t.Errorf("expected boom, got %v", gotErr)
	}
}

func TestScheduler_timeoutCancelsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)
	s := New(zap.NewNop())
	s.Add(Job{Name: "slow", Interval: time.Hour, Timeout: 10 * time.Millisecond, Immediate: true, Run: func(rctx context.Context) error {
		<-rctx.Done()
		result <- rctx.Err()
		return rctx.Err()
	}})
	s.Start(ctx)

	select {
	case err := <-result:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run was not cancelled")
	}
}

func TestScheduler_disabledJob(t *testing.T) {
	s := New(zap.NewNop())
	s.Add(Job{Name: "off", Interval: 0, Run: func(context.Context) error { return nil }})
	if len(s.jobs) != 0 {
		t.Error("job with zero interval should be ignored")
	}
}
