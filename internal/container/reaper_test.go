package container

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fgrehm/cribd/internal/driver"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker()
	tr.Now = clock.Now
	return tr, clock
}

// stubFinder reports containers for the IDs in present.
type stubFinder struct {
	present map[string]bool
	err     error
}

func (f stubFinder) Find(_ context.Context, id string) (*driver.ContainerDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.present[id] {
		return &driver.ContainerDetails{ID: id, Name: id}, nil
	}
	return nil, nil
}

func TestTracker(t *testing.T) {
	tr, clock := newTestTracker()

	if _, ok := tr.LastActive("a"); ok {
		t.Error("untracked workspace should have no activity")
	}
	tr.Touch("a")
	clock.Advance(10 * time.Minute)
	tr.Touch("b")
	clock.Advance(25 * time.Minute)

	last, ok := tr.LastActive("b")
	if !ok || !last.Equal(clock.Now().Add(-25*time.Minute)) {
		t.Errorf("LastActive(b) = %v, %v", last, ok)
	}
	if got := tr.Idle(30*time.Minute, clock.Now()); !slices.Equal(got, []string{"a"}) {
		t.Errorf("Idle(30m) = %v, want [a]", got)
	}
	if got := tr.Idle(time.Minute, clock.Now()); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Idle(1m) = %v, want [a b]", got)
	}

	tr.Touch("a")
	if got := tr.Idle(30*time.Minute, clock.Now()); len(got) != 0 {
		t.Errorf("touched workspace should not be idle: %v", got)
	}

	tr.Forget("a")
	if got := tr.Tracked(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("Tracked = %v", got)
	}
}

func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%5))
			tr.Touch(id)
			tr.LastActive(id)
			tr.Idle(time.Hour, time.Now())
		}(i)
	}
	wg.Wait()
	if n := len(tr.Tracked()); n != 5 {
		t.Errorf("Tracked = %d, want 5", n)
	}
}

func TestReaper_Sweep(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Touch("idle")
	tr.Touch("failing")
	clock.Advance(31 * time.Minute)
	tr.Touch("active")
	tr.Touch("vanished")

	var reclaimed []string
	reclaim := func(_ context.Context, id string) error {
		if id == "failing" {
			return errors.New("push failed")
		}
		reclaimed = append(reclaimed, id)
		return nil
	}
	finder := stubFinder{present: map[string]bool{"idle": true, "failing": true, "active": true}}
	r := NewReaper(tr, finder, reclaim, ReaperOptions{IdleTimeout: 30 * time.Minute}, discardLogger())

	res := r.Sweep(context.Background())

	if !slices.Equal(reclaimed, []string{"idle"}) || !slices.Equal(res.Reclaimed, []string{"idle"}) {
		t.Errorf("reclaimed = %v, result = %v", reclaimed, res.Reclaimed)
	}
	if _, ok := res.Failed["failing"]; !ok {
		t.Errorf("Failed = %v", res.Failed)
	}
	if !slices.Equal(res.Forgotten, []string{"vanished"}) {
		t.Errorf("Forgotten = %v", res.Forgotten)
	}
	// Failed reclaims stay tracked so the next sweep retries them.
	if got := tr.Tracked(); !slices.Equal(got, []string{"active", "failing"}) {
		t.Errorf("Tracked = %v", got)
	}
}

func TestReaper_SweepFinderError(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Touch("ws1")
	r := NewReaper(tr, stubFinder{err: errors.New("daemon down")}, func(context.Context, string) error { return nil }, ReaperOptions{}, discardLogger())

	res := r.Sweep(context.Background())
	if len(res.Forgotten) != 0 {
		t.Errorf("lookup errors must not forget workspaces: %v", res.Forgotten)
	}
	if _, ok := tr.LastActive("ws1"); !ok {
		t.Error("ws1 should still be tracked")
	}
}

func TestReaper_StartStop(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Touch("ws1")
	clock.Advance(time.Hour)

	done := make(chan string, 1)
	reclaim := func(_ context.Context, id string) error {
		select {
		case done <- id:
		default:
		}
		return nil
	}
	r := NewReaper(tr, stubFinder{}, reclaim, ReaperOptions{IdleTimeout: time.Minute, SweepInterval: time.Second}, discardLogger())
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	// Starting twice is harmless.
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-done:
		if id != "ws1" {
			t.Errorf("reclaimed %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Stop(ctx)
	r.Stop(ctx)
}
