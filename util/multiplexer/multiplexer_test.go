package multiplexer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestManyToOneOrderAndNoLoss(t *testing.T) {
	m := NewManyToOne[int]()
	const senders, perSender = 8, 500
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		s, err := m.Source(fmt.Sprintf("src-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(s *Sender[int], base int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if err := s.Send(base*perSender + j); err != nil {
					t.Errorf("Send failed: %s", err)
				}
			}
		}(s, i)
	}
	wg.Wait()
	m.Close()

	seen := map[int]bool{}
	lastPerSource := map[string]int{}
	var lastSeq uint64
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		env, err := m.Next(ctx)
		if err == ErrClosed {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if env.Seq != lastSeq+1 {
			t.Fatalf("Sequence gap: %d after %d", env.Seq, lastSeq)
		}
		lastSeq = env.Seq
		if seen[env.Value] {
			t.Fatalf("Value %d delivered twice", env.Value)
		}
		seen[env.Value] = true
		if prev, ok := lastPerSource[env.Source]; ok && env.Value <= prev {
			t.Fatalf("Source %s reordered: %d after %d", env.Source, env.Value, prev)
		}
		lastPerSource[env.Source] = env.Value
	}
	if len(seen) != senders*perSender {
		t.Errorf("Expected %d deliveries, got %d", senders*perSender, len(seen))
	}
}

func TestManyToOneClosedSources(t *testing.T) {
	m := NewManyToOne[string]()
	s, _ := m.Source("a")
	if _, err := m.Source("a"); err != ErrSourceExists {
		t.Errorf("Duplicate source returned %v", err)
	}
	_ = s.Send("before")
	s.Close()
	if err := s.Send("after"); err != ErrSourceClosed {
		t.Errorf("Send on closed source returned %v", err)
	}
	env, ok := m.TryNext()
	if !ok || env.Value != "before" {
		t.Errorf("Message sent before close lost: %+v", env)
	}
	if _, ok := m.TryNext(); ok {
		t.Error("Message accepted after close")
	}
	m.Close()
	if _, err := m.Source("b"); err != ErrClosed {
		t.Errorf("Source on closed plexer returned %v", err)
	}
}

func TestManyToOneNextWaits(t *testing.T) {
	m := NewManyToOne[int]()
	s, _ := m.Source("late")
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Send(42)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := m.Next(ctx)
	if err != nil || env.Value != 42 {
		t.Errorf("Next returned %+v, %v", env, err)
	}
}

func TestOneToMany(t *testing.T) {
	o := NewOneToMany[int](2)
	a, err := o.MakeReceiver("a")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := o.MakeReceiver("b")
	if _, err := o.MakeReceiver("a"); err == nil {
		t.Error("Duplicate receiver accepted")
	}
	o.Send(1)
	o.Send(2)
	// Full receivers drop instead of blocking
	o.Send(3)
	if v := <-a; v != 1 {
		t.Errorf("Receiver a got %d first", v)
	}
	if v := <-b; v != 1 {
		t.Errorf("Receiver b got %d first", v)
	}
	o.CloseReceiver("a")
	if o.Receivers() != 1 {
		t.Errorf("Expected one receiver left, got %d", o.Receivers())
	}
	o.Close()
	<-b
	if _, ok := <-b; ok {
		t.Error("Receiver not closed with the plexer")
	}
}
