package lanes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueRunsTask(t *testing.T) {
	d := New(nil)
	ch := d.Enqueue(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
		return 42, nil
	})

	select {
	case out := <-ch:
		if out.Err != nil {
			t.Fatalf("unexpected error: %v", out.Err)
		}
		if out.Result != 42 {
			t.Fatalf("expected result 42, got %v", out.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task outcome")
	}
}

func TestLaneSerializesWithConcurrencyOne(t *testing.T) {
	d := New(func(lane string) int { return 1 })

	var active int32
	var maxActive int32
	const n = 8

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-d.Enqueue(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
				cur := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected lane to serialize with maxActive=1, got %d", maxActive)
	}
}

func TestLaneRespectsConcurrencyCeiling(t *testing.T) {
	d := New(func(lane string) int { return 2 })

	var active int32
	var maxActive int32
	const n = 10

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-d.Enqueue(context.Background(), LaneSubagent, func(ctx context.Context) (any, error) {
				cur := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	if maxActive > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, saw %d", maxActive)
	}
}

func TestLanesRunIndependently(t *testing.T) {
	d := New(func(lane string) int { return 1 })

	block := make(chan struct{})
	blockerStarted := make(chan struct{})
	blockerCh := d.Enqueue(context.Background(), "session:a", func(ctx context.Context) (any, error) {
		close(blockerStarted)
		<-block
		return "blocked-done", nil
	})

	<-blockerStarted

	otherCh := d.Enqueue(context.Background(), "session:b", func(ctx context.Context) (any, error) {
		return "other-done", nil
	})

	select {
	case out := <-otherCh:
		if out.Err != nil {
			t.Fatalf("unexpected error: %v", out.Err)
		}
		if out.Result != "other-done" {
			t.Fatalf("expected other-done, got %v", out.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("lane b was blocked by lane a; lanes are not independent")
	}

	close(block)
	out := <-blockerCh
	if out.Result != "blocked-done" {
		t.Fatalf("expected blocked-done, got %v", out.Result)
	}
}

func TestHappensBeforeOrderingWithinLane(t *testing.T) {
	d := New(func(lane string) int { return 1 })

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stagger submission so ordering is meaningful.
			time.Sleep(time.Duration(i) * time.Millisecond)
			<-d.Enqueue(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order 0..4, got %v", order)
		}
	}
}

func TestPanicDoesNotWedgeLane(t *testing.T) {
	d := New(func(lane string) int { return 1 })

	panicCh := d.Enqueue(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
		panic("boom")
	})
	out := <-panicCh
	if out.Err == nil {
		t.Fatal("expected panic to surface as an error")
	}

	followUpCh := d.Enqueue(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
		return "still-alive", nil
	})

	select {
	case out := <-followUpCh:
		if out.Result != "still-alive" {
			t.Fatalf("expected still-alive, got %v", out.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("lane wedged after a task panicked")
	}
}

func TestClearLaneDropsPendingTasks(t *testing.T) {
	d := New(func(lane string) int { return 1 })

	block := make(chan struct{})
	started := make(chan struct{})
	blockerCh := d.Enqueue(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
		close(started)
		<-block
		return nil, nil
	})
	<-started

	var pending []<-chan Outcome
	for i := 0; i < 3; i++ {
		pending = append(pending, d.Enqueue(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
			return nil, nil
		}))
	}

	if size := d.QueueSize(LaneMain); size != 3 {
		t.Fatalf("expected queue size 3, got %d", size)
	}

	dropped := d.ClearLane(LaneMain)
	if dropped != 3 {
		t.Fatalf("expected 3 dropped tasks, got %d", dropped)
	}

	for _, ch := range pending {
		out := <-ch
		if !errors.Is(out.Err, ErrCleared) {
			t.Fatalf("expected ErrCleared, got %v", out.Err)
		}
	}

	close(block)
	<-blockerCh
}

func TestQueueSizeAggregatesAcrossLanes(t *testing.T) {
	d := New(func(lane string) int { return 1 })

	block := make(chan struct{})
	for _, lane := range []string{"session:a", "session:b"} {
		lane := lane
		d.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
			<-block
			return nil, nil
		})
	}
	// Give the pumps a moment to pick up the blocking task on each lane.
	time.Sleep(20 * time.Millisecond)

	d.Enqueue(context.Background(), "session:a", func(ctx context.Context) (any, error) { return nil, nil })
	d.Enqueue(context.Background(), "session:b", func(ctx context.Context) (any, error) { return nil, nil })

	if total := d.QueueSize(""); total != 2 {
		t.Fatalf("expected aggregate queue size 2, got %d", total)
	}

	close(block)
}

func TestSessionLaneNaming(t *testing.T) {
	if got, want := SessionLane("abc123"), "session:abc123"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestDefaultConcurrencyDefaults(t *testing.T) {
	cases := map[string]int{
		LaneMain:           DefaultMainConcurrency,
		LaneCron:           DefaultCronConcurrency,
		LaneSubagent:       DefaultSubagentConcurrency,
		"session:whatever": DefaultSessionConcurrency,
	}
	for lane, want := range cases {
		if got := DefaultConcurrency(lane); got != want {
			t.Errorf("DefaultConcurrency(%q) = %d, want %d", lane, got, want)
		}
	}
}

func TestOnWaitCallbackFiresForQueuedTask(t *testing.T) {
	d := New(func(lane string) int { return 1 })

	block := make(chan struct{})
	started := make(chan struct{})
	d.Enqueue(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
		close(started)
		<-block
		return nil, nil
	})
	<-started

	var called int32
	ch := d.EnqueueWithOptions(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
		return nil, nil
	}, EnqueueOptions{
		WarnAfter: time.Millisecond,
		OnWait: func(waitMs int64, queuedAhead int) {
			atomic.StoreInt32(&called, 1)
		},
	})

	time.Sleep(20 * time.Millisecond)
	close(block)
	<-ch

	if atomic.LoadInt32(&called) != 1 {
		t.Fatal("expected OnWait callback to fire for a task that waited")
	}
}

func TestActiveCountReflectsInFlightTasks(t *testing.T) {
	d := New(func(lane string) int { return 3 })

	block := make(chan struct{})
	for i := 0; i < 3; i++ {
		d.Enqueue(context.Background(), LaneSubagent, func(ctx context.Context) (any, error) {
			<-block
			return nil, nil
		})
	}
	time.Sleep(20 * time.Millisecond)

	if active := d.ActiveCount(LaneSubagent); active != 3 {
		t.Fatalf("expected 3 active tasks, got %d", active)
	}

	close(block)
}

func TestEnqueueCreatesLanesLazily(t *testing.T) {
	d := New(nil)
	for i := 0; i < 3; i++ {
		lane := fmt.Sprintf("session:lazy-%d", i)
		<-d.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
			return nil, nil
		})
	}
}
