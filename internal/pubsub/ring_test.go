package pubsub

import (
	"sync"
	"testing"
)

func TestRing_BasicSendReceive(t *testing.T) {
	r := NewRing[int](10)

	for i := 0; i < 5; i++ {
		if !r.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	if r.Len() != 5 {
		t.Errorf("Len() = %d, want 5", r.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := r.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}
}

func TestRing_DropOldest(t *testing.T) {
	const capacity = 10
	const extra = 7
	r := NewRing[int](capacity)

	// Overfill by extra items: the oldest extra should be evicted.
	for i := 0; i < capacity+extra; i++ {
		r.Send(i)
	}

	stats := r.Stats()
	if stats.TotalDropped != extra {
		t.Errorf("TotalDropped = %d, want %d", stats.TotalDropped, extra)
	}
	if stats.Count != capacity {
		t.Errorf("Count = %d, want %d", stats.Count, capacity)
	}

	// Survivors must be [extra .. capacity+extra-1] in order.
	for want := extra; want < capacity+extra; want++ {
		val, ok := r.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false, want %d", want)
		}
		if val != want {
			t.Errorf("received %d, want %d", val, want)
		}
	}
}

func TestRing_CloseDrainsRemaining(t *testing.T) {
	r := NewRing[int](4)
	r.Send(1)
	r.Send(2)
	r.Close()

	if r.Send(3) {
		t.Error("Send after Close returned true")
	}

	if v, ok := r.Receive(); !ok || v != 1 {
		t.Errorf("Receive = (%d, %v), want (1, true)", v, ok)
	}
	if v, ok := r.Receive(); !ok || v != 2 {
		t.Errorf("Receive = (%d, %v), want (2, true)", v, ok)
	}
	if _, ok := r.Receive(); ok {
		t.Error("Receive on drained closed ring returned true")
	}
}

func TestRing_ConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 1000
	r := NewRing[int](producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				r.Send(i)
			}
		}()
	}
	wg.Wait()

	stats := r.Stats()
	if stats.Count != producers*perProducer {
		t.Errorf("Count = %d, want %d", stats.Count, producers*perProducer)
	}
	if stats.TotalDropped != 0 {
		t.Errorf("TotalDropped = %d, want 0", stats.TotalDropped)
	}
}

func TestRing_DrainTo(t *testing.T) {
	r := NewRing[int](10)
	for i := 0; i < 6; i++ {
		r.Send(i)
	}

	batch := r.DrainTo(4)
	if len(batch) != 4 {
		t.Fatalf("DrainTo(4) returned %d items", len(batch))
	}
	for i, v := range batch {
		if v != i {
			t.Errorf("batch[%d] = %d, want %d", i, v, i)
		}
	}
	if r.Len() != 2 {
		t.Errorf("Len() after drain = %d, want 2", r.Len())
	}

	rest := r.DrainTo(0)
	if len(rest) != 2 {
		t.Errorf("DrainTo(0) returned %d items, want 2", len(rest))
	}
}
