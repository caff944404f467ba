package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupervisorRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	dial := func(ctx context.Context, addr string) (Handle, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, errors.New("connection refused")
		}
		return &fakeHandle{}, nil
	}

	var events []StatusEvent
	var mu sync.Mutex
	var connected Handle
	done := make(chan struct{})

	s := NewSupervisor("127.0.0.1:0", 10*time.Millisecond, dial,
		func(e StatusEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
		func(h Handle) {
			connected = h
			close(done)
		},
	)

	go s.Run(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never connected")
	}

	require.NotNil(t, connected)
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 3)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "initializing", events[0].Status)
	require.Equal(t, "established", events[len(events)-1].Status)
}

func TestSupervisorNoRetryReportsFailureOnce(t *testing.T) {
	var attempts int32
	dial := func(ctx context.Context, addr string) (Handle, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("connection refused")
	}

	var events []StatusEvent
	s := NewSupervisor("127.0.0.1:0", 0, dial,
		func(e StatusEvent) { events = append(events, e) },
		func(h Handle) { t.Fatal("must not connect") },
	)

	s.Run(context.Background())

	require.EqualValues(t, 1, attempts, "retry=0 must mean a single attempt")
	require.Equal(t, "disconnected", events[len(events)-1].Status)
}

// TestSupervisorReconnectsAfterLoss covers re-entering the dial loop
// after an established connection is later lost, not only before it's
// first gained.
func TestSupervisorReconnectsAfterLoss(t *testing.T) {
	var attempts int32
	dial := func(ctx context.Context, addr string) (Handle, error) {
		atomic.AddInt32(&attempts, 1)
		return &fakeHandle{}, nil
	}

	var mu sync.Mutex
	var connects int
	gotSecond := make(chan struct{})

	s := NewSupervisor("127.0.0.1:0", 10*time.Millisecond, dial, nil,
		func(h Handle) {
			mu.Lock()
			connects++
			n := connects
			mu.Unlock()
			if n == 2 {
				close(gotSecond)
			}
		},
	)

	go s.Run(context.Background())
	time.Sleep(20 * time.Millisecond) // let the first connect land
	s.Lost()

	select {
	case <-gotSecond:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never reconnected after Lost")
	}

	require.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 2)
	s.Stop()
}

func TestSupervisorStopEndsLoop(t *testing.T) {
	dial := func(ctx context.Context, addr string) (Handle, error) {
		return nil, errors.New("connection refused")
	}

	s := NewSupervisor("127.0.0.1:0", time.Hour, dial, nil, func(Handle) {})
	loopDone := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(loopDone)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
