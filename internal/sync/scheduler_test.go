package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSelfRescheduleFiresRepeatedlyAndStopsOnCancel(t *testing.T) {
	var fires int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 1)

	go selfReschedule(ctx, time.Millisecond, 2*time.Millisecond, func() {
		atomic.AddInt32(&fires, 1)
	}, done)

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	require.GreaterOrEqual(t, atomic.LoadInt32(&fires), int32(3))
}

func TestSelfRescheduleNeverOverlapsItself(t *testing.T) {
	var running int32
	var maxObserved int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 1)

	fire := func() {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxObserved)
			if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
	}

	go selfReschedule(ctx, time.Millisecond, time.Millisecond, fire, done)

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	require.Equal(t, int32(1), atomic.LoadInt32(&maxObserved))
}
