// Package events provides the per-project event log: publish persists to the
// database, a poller fans out to live subscribers, and the historical slices
// back SSE replay. Events within a project are totally ordered by Seq.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/store"
)

// EventType represents the type of event being broadcast. The values are the
// SSE `event:` field seen by clients.
type EventType string

const (
	// EventTypeConnected is sent once per SSE handshake. It is synthetic:
	// never persisted, never replayed.
	EventTypeConnected EventType = "connected"
	// EventTypeSessionStatus indicates a session's lifecycle status changed.
	EventTypeSessionStatus EventType = "session.status"
	// EventTypeSandboxStatus indicates a provider-observed sandbox state change.
	EventTypeSandboxStatus EventType = "sandbox.status"
	// EventTypeCompletionStarted indicates a chat completion was accepted.
	EventTypeCompletionStarted EventType = "completion.started"
	// EventTypeCompletionFinished indicates a chat completion ended cleanly.
	EventTypeCompletionFinished EventType = "completion.finished"
	// EventTypeCompletionError indicates a chat completion failed or was cancelled.
	EventTypeCompletionError EventType = "completion.error"
	// EventTypeWorkspaceStatus indicates a workspace's status changed.
	EventTypeWorkspaceStatus EventType = "workspace.status"
	// EventTypeStartupTask indicates a startup task's state changed.
	EventTypeStartupTask EventType = "startup.task"
	// EventTypeLagged is the terminal event delivered to a subscriber that
	// could not keep up. The subscription is closed right after it.
	EventTypeLagged EventType = "lagged"
)

// Event represents a single event on a project's log.
type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// New creates an event with a fresh id and timestamp. Seq is assigned at
// persist time.
func New(eventType EventType, data json.RawMessage) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// FromModel converts a persisted model.ProjectEvent to an Event.
func FromModel(e *model.ProjectEvent) *Event {
	return &Event{
		ID:        e.ID,
		Seq:       e.Seq,
		Type:      EventType(e.Type),
		Timestamp: e.CreatedAt,
		Data:      e.Data,
	}
}

// SessionStatusData is the payload for session.status events.
type SessionStatusData struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	CommitStatus string `json:"commitStatus,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SandboxStatusData is the payload for sandbox.status events.
type SandboxStatusData struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// CompletionData is the payload for completion.started/finished/error events.
type CompletionData struct {
	SessionID    string `json:"sessionId"`
	CompletionID string `json:"completionId"`
	Error        string `json:"error,omitempty"`
}

// WorkspaceStatusData is the payload for workspace.status events.
type WorkspaceStatusData struct {
	WorkspaceID string `json:"workspaceId"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// ConnectedData is the payload for the SSE handshake event.
type ConnectedData struct {
	ProjectID string    `json:"projectId"`
	Time      time.Time `json:"time"`
}

// LaggedData is the payload for the terminal lagged event. LastSeq is the
// highest sequence the broker had fanned out when the subscriber was dropped;
// clients reconnect with ?after= their last seen event id.
type LaggedData struct {
	LastSeq int64 `json:"lastSeq"`
}

// NewConnectedEvent builds the synthetic handshake event.
func NewConnectedEvent(projectID string) *Event {
	data, _ := json.Marshal(ConnectedData{ProjectID: projectID, Time: time.Now()})
	return New(EventTypeConnected, data)
}

func newLaggedEvent(lastSeq int64) *Event {
	data, _ := json.Marshal(LaggedData{LastSeq: lastSeq})
	return New(EventTypeLagged, data)
}

// Subscriber is a live subscription to one project's events. Events is
// closed when the subscription ends; if Lagged reports true the last event
// delivered was the terminal lagged notice.
type Subscriber struct {
	ID        int64
	ProjectID string
	Events    chan *Event

	done     chan struct{}
	mu       sync.Mutex
	isClosed bool
	lagged   bool
}

// Close closes the subscriber's event channel. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isClosed {
		s.isClosed = true
		close(s.done)
		close(s.Events)
	}
}

// Done returns a channel that's closed when the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Lagged reports whether the subscription was dropped for falling behind.
func (s *Subscriber) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Broker manages event publishing and subscription through the database.
// Publish persists first; the poller picks the row up and broadcasts, so an
// event is never fanned out unless it is durable.
type Broker struct {
	store  *store.Store
	poller *Poller
}

// NewBroker creates a new event broker. The poller is started separately.
func NewBroker(s *store.Store, poller *Poller) *Broker {
	return &Broker{
		store:  s,
		poller: poller,
	}
}

// Subscribe creates a new subscription for a project's events. The stream is
// unrestartable: once closed (client side or lagged drop), callers subscribe
// again and replay with GetEventsAfterID.
func (b *Broker) Subscribe(projectID string) *Subscriber {
	return b.poller.Subscribe(projectID)
}

// Unsubscribe removes a subscription and closes it.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.poller.Unsubscribe(sub)
}

// Publish persists an event and wakes the poller. The event's Seq is filled
// in from the database on return.
func (b *Broker) Publish(ctx context.Context, projectID string, event *Event) error {
	modelEvent := &model.ProjectEvent{
		ID:        event.ID,
		ProjectID: projectID,
		Type:      string(event.Type),
		Data:      event.Data,
	}
	if err := b.store.CreateProjectEvent(ctx, modelEvent); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	event.ID = modelEvent.ID
	event.Seq = modelEvent.Seq

	b.poller.NotifyNewEvent()
	return nil
}

// PublishSessionStatus publishes a session.status event.
func (b *Broker) PublishSessionStatus(ctx context.Context, projectID, sessionID, status, commitStatus string, errMsg *string) error {
	data := SessionStatusData{
		SessionID:    sessionID,
		Status:       status,
		CommitStatus: commitStatus,
	}
	if errMsg != nil {
		data.Error = *errMsg
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return b.Publish(ctx, projectID, New(EventTypeSessionStatus, payload))
}

// PublishSandboxStatus publishes a sandbox.status event.
func (b *Broker) PublishSandboxStatus(ctx context.Context, projectID, sessionID, status, errMsg string) error {
	payload, err := json.Marshal(SandboxStatusData{
		SessionID: sessionID,
		Status:    status,
		Error:     errMsg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return b.Publish(ctx, projectID, New(EventTypeSandboxStatus, payload))
}

// PublishCompletionStarted publishes a completion.started event.
func (b *Broker) PublishCompletionStarted(ctx context.Context, projectID, sessionID, completionID string) error {
	return b.publishCompletion(ctx, projectID, EventTypeCompletionStarted, sessionID, completionID, "")
}

// PublishCompletionFinished publishes a completion.finished event.
func (b *Broker) PublishCompletionFinished(ctx context.Context, projectID, sessionID, completionID string) error {
	return b.publishCompletion(ctx, projectID, EventTypeCompletionFinished, sessionID, completionID, "")
}

// PublishCompletionError publishes a completion.error event.
func (b *Broker) PublishCompletionError(ctx context.Context, projectID, sessionID, completionID, errMsg string) error {
	return b.publishCompletion(ctx, projectID, EventTypeCompletionError, sessionID, completionID, errMsg)
}

func (b *Broker) publishCompletion(ctx context.Context, projectID string, eventType EventType, sessionID, completionID, errMsg string) error {
	payload, err := json.Marshal(CompletionData{
		SessionID:    sessionID,
		CompletionID: completionID,
		Error:        errMsg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return b.Publish(ctx, projectID, New(eventType, payload))
}

// PublishWorkspaceStatus publishes a workspace.status event.
func (b *Broker) PublishWorkspaceStatus(ctx context.Context, projectID, workspaceID, status string, errMsg *string) error {
	data := WorkspaceStatusData{
		WorkspaceID: workspaceID,
		Status:      status,
	}
	if errMsg != nil {
		data.Error = *errMsg
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return b.Publish(ctx, projectID, New(EventTypeWorkspaceStatus, payload))
}

// GetEventsSince returns persisted events for a project at or after the
// given time, ordered by Seq.
func (b *Broker) GetEventsSince(ctx context.Context, projectID string, since time.Time) ([]*Event, error) {
	modelEvents, err := b.store.ListProjectEventsSince(ctx, projectID, since)
	if err != nil {
		return nil, err
	}

	events := make([]*Event, len(modelEvents))
	for i := range modelEvents {
		events[i] = FromModel(&modelEvents[i])
	}
	return events, nil
}

// GetEventsAfterID returns persisted events for a project strictly after the
// given event id, ordered by Seq. An unknown id replays the whole retained
// log rather than silently skipping events.
func (b *Broker) GetEventsAfterID(ctx context.Context, projectID, afterID string) ([]*Event, error) {
	modelEvents, err := b.store.ListProjectEventsAfterID(ctx, projectID, afterID)
	if err != nil {
		return nil, err
	}

	events := make([]*Event, len(modelEvents))
	for i := range modelEvents {
		events[i] = FromModel(&modelEvents[i])
	}
	return events, nil
}
