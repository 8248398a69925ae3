package queue

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/spectra/internal/errors"
)

func openTestQueue(t *testing.T, path string) *Queue {
	t.Helper()
	q, err := Open(path, "sealed-files", time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPutGetDelete(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	clock := &fakeClock{now: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)}
	q.now = clock.Now
	ctx := context.Background()

	msg, err := q.Get(ctx)
	if err != nil || msg != nil {
		t.Fatalf("Get on empty queue = %v, %v", msg, err)
	}

	for _, body := range []string{"first", "second"} {
		if _, err := q.Put(ctx, []byte(body)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		clock.Advance(time.Millisecond)
	}

	first, err := q.Get(ctx)
	if err != nil || first == nil {
		t.Fatalf("Get = %v, %v", first, err)
	}
	if string(first.Body) != "first" || first.DequeueCount != 1 {
		t.Errorf("first = %q (dequeued %d)", first.Body, first.DequeueCount)
	}

	second, err := q.Get(ctx)
	if err != nil || second == nil || string(second.Body) != "second" {
		t.Fatalf("second Get = %v, %v", second, err)
	}

	// Both are hidden now.
	if msg, _ := q.Get(ctx); msg != nil {
		t.Errorf("hidden message delivered: %q", msg.Body)
	}

	if err := q.Delete(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	// The undeleted message reappears after the visibility timeout.
	clock.Advance(2 * time.Minute)
	again, err := q.Get(ctx)
	if err != nil || again == nil {
		t.Fatalf("redelivery = %v, %v", again, err)
	}
	if again.ID != second.ID || again.DequeueCount != 2 {
		t.Errorf("redelivered %s (count %d), want %s (count 2)", again.ID, again.DequeueCount, second.ID)
	}

	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
	if st := q.Stats(); st.Puts != 2 || st.Gets != 3 || st.Deletes != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestMessageSizeLimit(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	if _, err := q.Put(ctx, bytes.Repeat([]byte("x"), MaxMessageSize)); err != nil {
		t.Errorf("message at the limit rejected: %v", err)
	}
	if _, err := q.Put(ctx, bytes.Repeat([]byte("x"), MaxMessageSize+1)); !errors.Is(err, errors.ErrMessageTooLarge) {
		t.Errorf("oversized message: err = %v, want ErrMessageTooLarge", err)
	}
}

func TestQueueIsDurableAndNamed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := Open(path, "sealed-files", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Put(ctx, []byte("/raw/2026-03-15T000000.bin.dfl")); err != nil {
		t.Fatal(err)
	}
	q.Close()

	other, err := Open(path, "other", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if msg, _ := other.Get(ctx); msg != nil {
		t.Error("queues must not share messages")
	}

	reopened := openTestQueue(t, path)
	msg, err := reopened.Get(ctx)
	if err != nil || msg == nil {
		t.Fatalf("message lost across reopen: %v", err)
	}
	if string(msg.Body) != "/raw/2026-03-15T000000.bin.dfl" {
		t.Errorf("body = %q", msg.Body)
	}
}

func TestOpenRequiresName(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "q.db"), "", time.Minute); !errors.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}
