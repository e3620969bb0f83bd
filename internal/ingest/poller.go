package ingest

import (
	"context"
	"sync"
	"time"
)

// Syncer runs one sync. *PollSync implements it.
type Syncer interface {
	Run(ctx context.Context) (SyncResult, error)
}

// Poller calls a Syncer on a fixed interval until stopped. Runs never
// overlap: a slow sync delays the next tick instead of stacking.
type Poller struct {
	syncer   Syncer
	interval time.Duration
	logger   Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPoller creates a poller. interval must be positive.
func NewPoller(syncer Syncer, interval time.Duration) *Poller {
	return &Poller{
		syncer:   syncer,
		interval: interval,
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for the poller.
func (p *Poller) SetLogger(logger Logger) {
	p.logger = logger
}

// Start runs one sync immediately and then one per interval, in the
// background, until ctx ends or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the loop and waits for an in-flight sync to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	res, err := p.syncer.Run(ctx)
	if err != nil {
		p.logger.Error("scheduled poll-sync failed", "error", err)
		return
	}
	p.logger.Debug("scheduled poll-sync finished",
		"outcome", res.Outcome, "changed", res.Applied.Changed, "failed", len(res.Failed))
}
