package event

import (
	"context"
	"testing"
	"time"
)

func TestClockStrictlyIncreasing(t *testing.T) {
	c := NewClock()
	prev := c.Now()
	for i := 0; i < 10000; i++ {
		now := c.Now()
		if now <= prev {
			t.Fatalf("Timestamp %s not after %s", now, prev)
		}
		prev = now
	}
}

func TestMuxMergesBackendAndSession(t *testing.T) {
	mux := NewMux()
	backend, _ := mux.Source("backend")
	session, _ := mux.Source("session")
	sent := []Event{
		{Source: "backend", Kind: OutputAdded, Output: "HDMI-A-1"},
		{Source: "session", Kind: SessionSuspended},
		{Source: "backend", Kind: BackendSuspended},
		{Source: "session", Kind: SessionResumed},
	}
	_ = backend.Send(sent[0])
	_ = session.Send(sent[1])
	_ = backend.Send(sent[2])
	_ = session.Send(sent[3])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i, want := range sent {
		env, err := mux.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if env.Value.Kind != want.Kind || env.Value.Output != want.Output || env.Source != want.Source {
			t.Errorf("Event %d: got %s, want %s", i, env.Value, want)
		}
		if env.Seq != uint64(i+1) {
			t.Errorf("Event %d has sequence %d", i, env.Seq)
		}
	}
}

func TestTerminalKinds(t *testing.T) {
	for k := range kindNames {
		want := k == BackendLost || k == SessionLost
		if k.Terminal() != want {
			t.Errorf("%s terminal = %v", k, k.Terminal())
		}
	}
}
