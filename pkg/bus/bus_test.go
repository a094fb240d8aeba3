package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "test.subject", func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, "test.subject", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "hello" {
			t.Errorf("Expected 'hello', got %q", string(msg.Data))
		}
		if msg.Subject != "test.subject" {
			t.Errorf("Expected subject 'test.subject', got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32
	subjects := Subjects{}

	sub, err := bus.Subscribe(ctx, subjects.AllTaskSubmitted(), func(msg *Message) {
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish(ctx, subjects.TaskSubmitted("local"), []byte("1"))
	bus.Publish(ctx, subjects.TaskSubmitted("cloud"), []byte("2"))
	bus.Publish(ctx, subjects.TaskCompleted(), []byte("3"))

	waitFor(t, func() bool { return received.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if received.Load() != 2 {
		t.Errorf("Expected 2 messages, got %d", received.Load())
	}
}

func TestMemoryBus_QueueGroupDeliversOnce(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var a, b, plain atomic.Int32
	if _, err := bus.QueueSubscribe(ctx, "x.done", "workers", func(*Message) { a.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.QueueSubscribe(ctx, "x.done", "workers", func(*Message) { b.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Subscribe(ctx, "x.done", func(*Message) { plain.Add(1) }); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		bus.Publish(ctx, "x.done", []byte("m"))
	}

	waitFor(t, func() bool { return a.Load()+b.Load() == 10 && plain.Load() == 10 })
	if a.Load() != 5 || b.Load() != 5 {
		t.Errorf("expected round robin 5/5, got %d/%d", a.Load(), b.Load())
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, _ := bus.Subscribe(ctx, "test", func(msg *Message) {
		received.Add(1)
	})

	bus.Publish(ctx, "test", []byte("1"))
	waitFor(t, func() bool { return received.Load() == 1 })

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe should be a no-op: %v", err)
	}

	bus.Publish(ctx, "test", []byte("2"))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 message after unsubscribe, got %d", received.Load())
	}
}

func TestMemoryBus_ContextCancelUnsubscribes(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := bus.Subscribe(ctx, "test", func(*Message) {}); err != nil {
		t.Fatal(err)
	}
	cancel()

	waitFor(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs) == 0
	})
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b", true},
		{"a.>", "a.b.c.d", true},
		{"agentremote.task.submitted.*", "agentremote.task.submitted.cloud", true},
		{"agentremote.task.submitted.*", "agentremote.task.completed", false},
	}

	for _, tt := range tests {
		if got := matchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBus_ClosedOperations(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	ctx := context.Background()

	if err := bus.Publish(ctx, "test", nil); err != ErrClosed {
		t.Errorf("Expected ErrClosed on Publish, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "test", func(*Message) {}); err != ErrClosed {
		t.Errorf("Expected ErrClosed on Subscribe, got %v", err)
	}
	if err := bus.Close(); err != ErrClosed {
		t.Errorf("Expected ErrClosed on double Close, got %v", err)
	}
}

func TestOpenWithoutURLUsesMemory(t *testing.T) {
	b, err := Open(Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*MemoryBus); !ok {
		t.Fatalf("expected *MemoryBus, got %T", b)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
