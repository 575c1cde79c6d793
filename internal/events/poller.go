package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/store"
)

// PollerConfig contains configuration for the event poller.
type PollerConfig struct {
	// PollInterval is how often to poll for new events when no publish
	// notification arrives first.
	PollInterval time.Duration
	// BatchSize is the maximum number of events fetched per poll.
	BatchSize int
	// QueueSize is the per-subscriber buffer. A subscriber that lets it
	// fill is dropped with a terminal lagged event.
	QueueSize int
}

// DefaultPollerConfig returns the default poller configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    100,
		QueueSize:    100,
	}
}

// Poller polls the database for new events and broadcasts them to
// subscribers. A single poller serves all projects; fan-out filters by
// project id. Publish latency never depends on subscribers: sends are
// non-blocking and slow subscribers are dropped.
type Poller struct {
	store  *store.Store
	config PollerConfig
	log    *zap.SugaredLogger

	lastSeq   int64
	lastSeqMu sync.Mutex

	subscribers   map[int64]*Subscriber
	subscribersMu sync.RWMutex
	nextSubID     int64

	notifyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a new event poller.
func NewPoller(s *store.Store, config PollerConfig, log *zap.SugaredLogger) *Poller {
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	return &Poller{
		store:       s,
		config:      config,
		log:         log.With("component", "events"),
		subscribers: make(map[int64]*Subscriber),
		notifyCh:    make(chan struct{}, 1),
	}
}

// Start begins polling for events. The seq cursor starts at the current
// maximum so restarts do not re-broadcast history; replay is the SSE
// handler's job.
func (p *Poller) Start(parentCtx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(parentCtx)

	maxSeq, err := p.store.GetMaxEventSeq(p.ctx)
	if err != nil {
		return err
	}
	p.lastSeq = maxSeq

	p.log.Infow("event poller starting", "lastSeq", p.lastSeq)

	p.wg.Add(1)
	go p.pollLoop()
	return nil
}

// Stop gracefully stops the poller and closes all subscriptions.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.log.Warn("timeout waiting for event poller to stop")
	}

	p.subscribersMu.Lock()
	for _, sub := range p.subscribers {
		sub.Close()
	}
	p.subscribers = make(map[int64]*Subscriber)
	p.subscribersMu.Unlock()
}

// NotifyNewEvent wakes the poll loop so a freshly persisted event is fanned
// out without waiting a full interval.
func (p *Poller) NotifyNewEvent() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
		// A wake-up is already pending.
	}
}

// Subscribe creates a new subscription for a project's events.
func (p *Poller) Subscribe(projectID string) *Subscriber {
	p.subscribersMu.Lock()
	defer p.subscribersMu.Unlock()

	p.nextSubID++
	sub := &Subscriber{
		ID:        p.nextSubID,
		ProjectID: projectID,
		Events:    make(chan *Event, p.config.QueueSize),
		done:      make(chan struct{}),
	}

	p.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes it.
func (p *Poller) Unsubscribe(sub *Subscriber) {
	p.subscribersMu.Lock()
	delete(p.subscribers, sub.ID)
	p.subscribersMu.Unlock()
	sub.Close()
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAndBroadcast()
		case <-p.notifyCh:
			p.pollAndBroadcast()
		}
	}
}

// pollAndBroadcast fetches events past the cursor and fans them out.
func (p *Poller) pollAndBroadcast() {
	p.lastSeqMu.Lock()
	afterSeq := p.lastSeq
	p.lastSeqMu.Unlock()

	dbEvents, err := p.store.ListEventsAfterSeq(p.ctx, afterSeq, p.config.BatchSize)
	if err != nil {
		if p.ctx.Err() == nil {
			p.log.Errorw("failed to poll events", "error", err)
		}
		return
	}
	if len(dbEvents) == 0 {
		return
	}

	lastSeq := dbEvents[len(dbEvents)-1].Seq
	p.lastSeqMu.Lock()
	p.lastSeq = lastSeq
	p.lastSeqMu.Unlock()

	var dropped []*Subscriber

	p.subscribersMu.RLock()
	for i := range dbEvents {
		event := FromModel(&dbEvents[i])

		for _, sub := range p.subscribers {
			if sub.ProjectID != dbEvents[i].ProjectID {
				continue
			}

			sub.mu.Lock()
			if sub.isClosed || sub.lagged {
				sub.mu.Unlock()
				continue
			}
			select {
			case sub.Events <- event:
			default:
				// Queue full. Evict one buffered event to guarantee room
				// for the terminal lagged notice, then drop the
				// subscriber. The publisher never blocks.
				select {
				case <-sub.Events:
				default:
				}
				select {
				case sub.Events <- newLaggedEvent(lastSeq):
				default:
				}
				sub.lagged = true
				dropped = append(dropped, sub)
			}
			sub.mu.Unlock()
		}
	}
	p.subscribersMu.RUnlock()

	for _, sub := range dropped {
		p.log.Warnw("dropping lagged subscriber", "subscriber", sub.ID, "project", sub.ProjectID)
		p.Unsubscribe(sub)
	}

	// A full batch means more rows are likely waiting.
	if len(dbEvents) == p.config.BatchSize {
		p.NotifyNewEvent()
	}
}

// LastSeq returns the last sequence number fanned out.
func (p *Poller) LastSeq() int64 {
	p.lastSeqMu.Lock()
	defer p.lastSeqMu.Unlock()
	return p.lastSeq
}
