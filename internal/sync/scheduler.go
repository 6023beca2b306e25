package sync

import (
	"context"
	"time"
)

// SchedulerConfig holds the two independent pass periods. Old-history has no
// period: it runs once during FullSync and naturally stops doing anything
// once the store's minimum height reaches 1.
type SchedulerConfig struct {
	NewTipPeriod time.Duration // P_NEW
	GapPeriod    time.Duration // P_GAP
}

// RunScheduler runs the coordinator's full startup sync, then drives the
// new-tip and gap passes on independent self-rescheduling timers until ctx
// is cancelled. Each timer's handler awaits its pass to completion before
// scheduling the next fire, so a pass can never overlap with itself; a
// fixed-rate ticker is deliberately avoided since it would stack up overruns
// once a pass started running slower than its period.
func RunScheduler(ctx context.Context, c *Coordinator, cfg SchedulerConfig) {
	c.FullSync(ctx)

	done := make(chan struct{}, 2)

	go selfReschedule(ctx, 10*cfg.NewTipPeriod, cfg.NewTipPeriod, func() { _ = c.NewTip(ctx) }, done)
	go selfReschedule(ctx, cfg.GapPeriod, cfg.GapPeriod, func() { _ = c.Gap(ctx) }, done)

	<-ctx.Done()
	<-done
	<-done
}

// selfReschedule waits firstDelay, runs fire, then repeatedly sleeps period
// and runs fire again, until ctx is cancelled. It signals done exactly once
// on exit.
func selfReschedule(ctx context.Context, firstDelay, period time.Duration, fire func(), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	timer := time.NewTimer(firstDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fire()
			timer.Reset(period)
		}
	}
}
