package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/store"
)

// RetentionConfig bounds the persisted event log per project.
type RetentionConfig struct {
	// MaxAge is the oldest an event may be before the sweeper deletes it.
	MaxAge time.Duration
	// MaxPerProject caps how many events each project retains.
	MaxPerProject int
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration
}

// DefaultRetentionConfig returns the default retention bounds.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		MaxAge:        24 * time.Hour,
		MaxPerProject: 10000,
		SweepInterval: 10 * time.Minute,
	}
}

// Pruner enforces event-log retention in the background. Replay past the
// retention horizon degrades to a full-log replay, which clients already
// handle via event-id dedupe.
type Pruner struct {
	store  *store.Store
	config RetentionConfig
	log    *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPruner creates a retention pruner.
func NewPruner(s *store.Store, config RetentionConfig, log *zap.SugaredLogger) *Pruner {
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.MaxPerProject <= 0 {
		config.MaxPerProject = 10000
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 10 * time.Minute
	}
	return &Pruner{
		store:  s,
		config: config,
		log:    log.With("component", "events-retention"),
	}
}

// Start launches the sweep loop.
func (p *Pruner) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (p *Pruner) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Sweep applies both retention bounds once.
func (p *Pruner) Sweep(ctx context.Context) {
	deleted, err := p.store.DeleteOldProjectEvents(ctx, p.config.MaxAge)
	if err != nil {
		p.log.Errorw("failed to prune aged events", "error", err)
	} else if deleted > 0 {
		p.log.Debugw("pruned aged events", "deleted", deleted)
	}

	projectIDs, err := p.store.ListEventProjectIDs(ctx)
	if err != nil {
		p.log.Errorw("failed to list event projects", "error", err)
		return
	}
	for _, projectID := range projectIDs {
		capped, err := p.store.CapProjectEvents(ctx, projectID, p.config.MaxPerProject)
		if err != nil {
			p.log.Errorw("failed to cap project events", "project", projectID, "error", err)
			continue
		}
		if capped > 0 {
			p.log.Debugw("capped project events", "project", projectID, "deleted", capped)
		}
	}
}
