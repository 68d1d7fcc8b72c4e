package main

import (
	"context"
	"log/slog"
	"time"
)

type elector interface {
	Heartbeat() error
	ElectPrimary(timeout time.Duration) (bool, error)
}

// primaryLoop keeps the instance heartbeat fresh and runs serve only while
// this process holds the primary role. Everything that reads transcripts,
// sends to Telegram or writes a state file lives inside serve, so a standby
// instance stays silent until it takes over.
type primaryLoop struct {
	elect    elector
	interval time.Duration
	timeout  time.Duration

	// serve runs until its context is cancelled, which happens when the
	// role is lost or the process shuts down.
	serve func(ctx context.Context) error

	// housekeeping is called once per tick while primary.
	housekeeping func()
}

func (p *primaryLoop) Run(ctx context.Context) error {
	var (
		cancel context.CancelFunc
		done   chan error
	)
	stop := func() error {
		if cancel == nil {
			return nil
		}
		cancel()
		err := <-done
		cancel, done = nil, nil
		return err
	}
	defer stop()

	tick := time.NewTicker(p.interval)
	defer tick.Stop()
	for {
		if err := p.elect.Heartbeat(); err != nil {
			runLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
		}
		primary, err := p.elect.ElectPrimary(p.timeout)
		if err != nil {
			// keep the current role until the database answers again
			runLog.Warn("primary_election_failed", slog.String("error", err.Error()))
			primary = cancel != nil
		}

		switch {
		case primary && cancel == nil:
			sctx, c := context.WithCancel(ctx)
			cancel, done = c, make(chan error, 1)
			go func(ch chan<- error) { ch <- p.serve(sctx) }(done)
			runLog.Info("primary_acquired")
		case !primary && cancel != nil:
			runLog.Warn("primary_lost")
			if err := stop(); err != nil {
				runLog.Warn("serve_stopped", slog.String("error", err.Error()))
			}
		}
		if primary && p.housekeeping != nil {
			p.housekeeping()
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			cancel()
			cancel, done = nil, nil
			if err != nil {
				return err
			}
		case <-tick.C:
		}
	}
}
