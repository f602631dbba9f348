package cmdlog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
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

func newTestLog(t *testing.T) (*Log, *fakeClock) {
	t.Helper()
	l, err := Open("sqlite3", filepath.Join(t.TempDir(), "commands.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	clk := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	l.now = clk.Now
	return l, clk
}

func appendN(t *testing.T, l *Log, stream string, n int) {
	t.Helper()
	for i := range n {
		if _, err := l.Append(context.Background(), stream, []byte(fmt.Sprintf("cmd-%d", i))); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
}

func TestClaimAckReclaim(t *testing.T) {
	ctx := context.Background()
	l, clk := newTestLog(t)
	appendN(t, l, "lifecycle", 3)

	got, err := l.Claim(ctx, "lifecycle", "g", "c1", 10, time.Minute)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if len(got) != 3 || string(got[0].Payload) != "cmd-0" || got[0].Deliveries != 1 {
		t.Fatalf("Claim() = %+v", got)
	}

	// c1 acks the first entry and goes quiet on the other two.
	if n, err := l.Ack(ctx, "lifecycle", "g", got[0].ID); err != nil || n != 1 {
		t.Fatalf("Ack() = %d, %v", n, err)
	}

	// Before the idle window passes nothing is available to c2.
	again, err := l.Claim(ctx, "lifecycle", "g", "c2", 10, time.Minute)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("Claim() before idle = %+v, want none", again)
	}

	clk.Advance(2 * time.Minute)
	again, err = l.Claim(ctx, "lifecycle", "g", "c2", 10, time.Minute)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if len(again) != 2 || again[0].ID != got[1].ID || again[0].Deliveries != 2 {
		t.Fatalf("reclaimed = %+v", again)
	}

	pending, _ := l.PendingEntries(ctx, "lifecycle", "g")
	for _, p := range pending {
		if p.Consumer != "c2" {
			t.Errorf("pending entry %d owned by %s, want c2", p.ID, p.Consumer)
		}
	}

	l.Ack(ctx, "lifecycle", "g", again[0].ID, again[1].ID)
	pending, _ = l.PendingEntries(ctx, "lifecycle", "g")
	if len(pending) != 0 {
		t.Errorf("pending after ack = %+v", pending)
	}

	// Double ack is harmless.
	if n, _ := l.Ack(ctx, "lifecycle", "g", again[0].ID); n != 0 {
		t.Errorf("repeat Ack() = %d, want 0", n)
	}
}

func TestClaim_CompetingConsumersNeverShare(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	appendN(t, l, "s", 40)

	var (
		mu   sync.Mutex
		seen = map[int64]string{}
		wg   sync.WaitGroup
	)
	for c := range 4 {
		wg.Add(1)
		go func(consumer string) {
			defer wg.Done()
			for {
				batch, err := l.Claim(ctx, "s", "g", consumer, 3, time.Hour)
				if err != nil {
					t.Errorf("Claim() error: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					if prev, dup := seen[e.ID]; dup {
						t.Errorf("entry %d delivered to %s and %s", e.ID, prev, consumer)
					}
					seen[e.ID] = consumer
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("c%d", c))
	}
	wg.Wait()

	if len(seen) != 40 {
		t.Errorf("delivered %d distinct entries, want 40", len(seen))
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	appendN(t, l, "s", 2)

	a, _ := l.Claim(ctx, "s", "a", "x", 10, time.Minute)
	b, _ := l.Claim(ctx, "s", "b", "y", 10, time.Minute)
	if len(a) != 2 || len(b) != 2 {
		t.Errorf("group a got %d, group b got %d; want 2 each", len(a), len(b))
	}
}

func TestCreateGroup_FromTail(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	appendN(t, l, "s", 3)

	if err := l.CreateGroup(ctx, "s", "late", false); err != nil {
		t.Fatalf("CreateGroup() error: %v", err)
	}
	if err := l.CreateGroup(ctx, "s", "late", true); err != nil {
		t.Fatalf("CreateGroup() repeat error: %v", err)
	}

	got, _ := l.Claim(ctx, "s", "late", "c", 10, time.Minute)
	if len(got) != 0 {
		t.Fatalf("tail group saw history: %+v", got)
	}
	l.Append(ctx, "s", []byte("new"))
	got, _ = l.Claim(ctx, "s", "late", "c", 10, time.Minute)
	if len(got) != 1 || string(got[0].Payload) != "new" {
		t.Errorf("Claim() = %+v, want only the new entry", got)
	}
}

func TestTrim(t *testing.T) {
	ctx := context.Background()
	l, clk := newTestLog(t)
	appendN(t, l, "s", 3)

	got, _ := l.Claim(ctx, "s", "g", "c", 10, time.Minute)
	l.Ack(ctx, "s", "g", got[0].ID, got[1].ID)

	clk.Advance(time.Hour)
	n, err := l.Trim(ctx, "s", clk.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Trim() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Trim() removed %d, want 2 (third entry still pending)", n)
	}

	pending, _ := l.PendingEntries(ctx, "s", "g")
	if len(pending) != 1 || pending[0].ID != got[2].ID {
		t.Errorf("pending = %+v", pending)
	}
}
