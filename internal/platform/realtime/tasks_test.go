package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunPeriodic_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunPeriodic(ctx, zerolog.Nop(), "test", time.Millisecond, func(context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		})
	}()

	// Let a few iterations run, then cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPeriodic did not stop after cancel")
	}

	mu.Lock()
	if calls == 0 {
		t.Error("expected at least one iteration before cancel")
	}
	mu.Unlock()
}

func TestRunPeriodic_BacksOffOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := 10 * time.Millisecond
	var mu sync.Mutex
	var times []time.Time
	fired := make(chan struct{}, 16)

	go RunPeriodic(ctx, zerolog.Nop(), "test", interval, func(context.Context) error {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		fired <- struct{}{}
		return errors.New("dependency down")
	})

	for i := 0; i < 4; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d never fired", i)
		}
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	// After the first failure the delay doubles, so each gap must be at
	// least the doubled delay of the previous failure.
	if gap := times[2].Sub(times[1]); gap < 2*interval {
		t.Errorf("expected second gap >= %v, got %v", 2*interval, gap)
	}
	if gap := times[3].Sub(times[2]); gap < 4*interval {
		t.Errorf("expected third gap >= %v, got %v", 4*interval, gap)
	}
}

func TestRunPeriodic_RecoversAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	fired := make(chan struct{}, 16)

	go RunPeriodic(ctx, zerolog.Nop(), "test", time.Millisecond, func(context.Context) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		fired <- struct{}{}
		if n == 1 {
			return errors.New("transient")
		}
		return nil
	})

	// The loop keeps running after a failed iteration.
	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d never fired", i)
		}
	}
}

func TestStartHeartbeat_BroadcastsToConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := newTestRegistry()
	conn := &fakeConn{}
	reg.Connect(conn, 42, "Doctor", "")

	StartHeartbeat(ctx, NewDispatcher(reg), time.Millisecond, zerolog.Nop())

	deadline := time.After(2 * time.Second)
	for {
		for _, msgType := range conn.types(t) {
			if msgType == TypeHeartbeat {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no heartbeat delivered, got %v", conn.types(t))
		case <-time.After(time.Millisecond):
		}
	}
}

type staticHealthSource map[string]interface{}

func (s staticHealthSource) Snapshot(context.Context) (map[string]interface{}, error) {
	return s, nil
}

func TestStartHealthBroadcast_ReachesAdmins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := newTestRegistry()
	admin := &fakeConn{}
	user := &fakeConn{}
	reg.Connect(admin, 1, AdminRole, "")
	reg.Connect(user, 42, "Doctor", "")

	source := staticHealthSource{"database": "ok"}
	StartHealthBroadcast(ctx, NewDispatcher(reg), source, time.Millisecond, zerolog.Nop())

	deadline := time.After(2 * time.Second)
	for {
		for _, msgType := range admin.types(t) {
			if msgType == TypeSystemHealth {
				if types := user.types(t); len(types) > 1 {
					for _, mt := range types[1:] {
						if mt == TypeSystemHealth {
							t.Error("health broadcast should not reach non-admins")
						}
					}
				}
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no health broadcast delivered, got %v", admin.types(t))
		case <-time.After(time.Millisecond):
		}
	}
}
