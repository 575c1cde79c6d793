package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/store"
)

// finalWriteTimeout bounds the store/broker writes a completion relay makes
// after its own context is already cancelled.
const finalWriteTimeout = 10 * time.Second

// completion tracks one in-flight completion for a session.
type completion struct {
	id     string
	cancel context.CancelFunc
}

// ChatService dispatches completions: at most one per session, guarded by a
// status compare-and-swap, with the sandbox's SSE stream relayed into
// persisted message parts and completion events on the broker.
type ChatService struct {
	store   *store.Store
	sandbox *SandboxService
	broker  *events.Broker
	log     *zap.SugaredLogger

	gitUserName  string
	gitUserEmail string

	mu       sync.RWMutex
	inflight map[string]*completion

	wg sync.WaitGroup
}

// NewChatService creates the completion dispatcher.
func NewChatService(s *store.Store, sandboxSvc *SandboxService, broker *events.Broker, log *zap.SugaredLogger) *ChatService {
	return &ChatService{
		store:    s,
		sandbox:  sandboxSvc,
		broker:   broker,
		log:      log.With("component", "chat"),
		inflight: make(map[string]*completion),
	}
}

// SetGitIdentity sets the git author identity forwarded to sandboxes for
// commits made by the agent.
func (c *ChatService) SetGitIdentity(name, email string) {
	c.gitUserName = name
	c.gitUserEmail = email
}

// InFlightCompletionID returns the id of the session's running completion.
func (c *ChatService) InFlightCompletionID(sessionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if comp, ok := c.inflight[sessionID]; ok {
		return comp.id, true
	}
	return "", false
}

// SendMessage starts a completion for the session. The session must be
// ready; the transition ready→running is a compare-and-swap so two racing
// prompts cannot both win. Returns the sandbox-assigned completion id once
// the sandbox has accepted the prompt; the SSE relay then runs in the
// background until the stream finishes, errors, or is cancelled.
func (c *ChatService) SendMessage(ctx context.Context, projectID, sessionID string, messages json.RawMessage) (string, error) {
	sess, err := c.validateSession(ctx, projectID, sessionID)
	if err != nil {
		return "", err
	}

	// Persist the incoming user message before anything can fail; the
	// client-assigned id makes retries idempotent.
	if err := c.persistUserMessage(ctx, sessionID, messages); err != nil {
		return "", err
	}

	c.maybeDeriveSessionName(ctx, sess, messages)

	opts := c.requestOptions(ctx, sess)

	ok, err := c.store.CASSessionStatus(ctx, sessionID, model.SessionStatusReady, model.SessionStatusRunning, nil)
	if err != nil {
		return "", fmt.Errorf("failed to mark session running: %w", err)
	}
	if !ok {
		return "", c.rejectNotReady(ctx, sessionID)
	}

	// A new turn invalidates a previous commit outcome: the agent is about
	// to change the tree again.
	if sess.CommitStatus == model.CommitStatusCompleted {
		if err := c.store.UpdateSessionCommitStatus(ctx, sessionID, model.CommitStatusNone); err != nil {
			c.log.Warnw("failed to clear commit status", "session", sessionID, "error", err)
		}
	}

	c.publishSessionStatus(ctx, projectID, sessionID, model.SessionStatusRunning, nil)
	c.sandbox.RecordActivity(sessionID)

	// The relay must outlive this request: the route answers 202 and the
	// stream keeps flowing into the store and the broker.
	relayCtx, cancel := context.WithCancel(context.Background())

	client := c.sandbox.Client(sessionID)
	completionID, lines, err := client.SendMessages(relayCtx, messages, opts)
	if err != nil {
		cancel()
		// Roll the status back so the session is promptable again. The
		// request context may already be dead (client gone), so the
		// rollback runs detached.
		rbCtx, rbCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rbCancel()
		if _, casErr := c.store.CASSessionStatus(rbCtx, sessionID, model.SessionStatusRunning, model.SessionStatusReady, nil); casErr != nil {
			c.log.Errorw("failed to roll back session status", "session", sessionID, "error", casErr)
		}
		c.publishSessionStatus(rbCtx, projectID, sessionID, model.SessionStatusReady, nil)
		return "", err
	}

	comp := &completion{id: completionID, cancel: cancel}
	c.mu.Lock()
	c.inflight[sessionID] = comp
	c.mu.Unlock()

	if err := c.broker.PublishCompletionStarted(ctx, projectID, sessionID, completionID); err != nil {
		c.log.Warnw("failed to publish completion started", "session", sessionID, "error", err)
	}

	c.wg.Add(1)
	go c.relay(relayCtx, sess, comp, lines)

	return completionID, nil
}

// rejectNotReady classifies a failed ready→running CAS: a running session
// yields CompletionInProgress with the current completion id, anything else
// yields ErrSessionNotReady.
func (c *ChatService) rejectNotReady(ctx context.Context, sessionID string) error {
	sess, err := c.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == model.SessionStatusRunning {
		id, _ := c.InFlightCompletionID(sessionID)
		return &CompletionInProgressError{CompletionID: id}
	}
	return fmt.Errorf("%w: session is %s", ErrSessionNotReady, sess.Status)
}

// relay drains the completion's SSE stream, folding events into the
// assistant message and persisting at block boundaries. On termination it
// owns the session's transition back to ready and the terminal completion
// event.
func (c *ChatService) relay(ctx context.Context, sess *model.Session, comp *completion, lines <-chan SSELine) {
	defer c.wg.Done()

	asm := newMessageAssembler(uuid.New().String())

	persist := func() {
		if asm.empty() {
			return
		}
		parts, err := asm.snapshot()
		if err != nil {
			c.log.Errorw("failed to snapshot message parts", "session", sess.ID, "error", err)
			return
		}
		pctx, pcancel := context.WithTimeout(context.Background(), finalWriteTimeout)
		defer pcancel()
		msg := &model.Message{
			ID:        asm.messageID,
			SessionID: sess.ID,
			Role:      "assistant",
			Parts:     parts,
		}
		if err := c.store.UpsertMessage(pctx, msg); err != nil {
			c.log.Errorw("failed to persist assistant message", "session", sess.ID, "message", asm.messageID, "error", err)
		}
	}

	doneSeen := false
loop:
	for {
		select {
		case line, open := <-lines:
			if !open {
				break loop
			}
			if line.Done {
				doneSeen = true
				break loop
			}
			flush, err := asm.apply(line.Data)
			if err != nil {
				c.log.Warnw("dropping malformed stream event", "session", sess.ID, "error", err)
				continue
			}
			if flush {
				persist()
				c.sandbox.RecordActivity(sess.ID)
			}
		case <-ctx.Done():
			break loop
		}
	}

	persist()

	cancelled := ctx.Err() != nil
	comp.cancel()

	c.mu.Lock()
	if c.inflight[sess.ID] == comp {
		delete(c.inflight, sess.ID)
	}
	c.mu.Unlock()

	var errMsg string
	switch {
	case cancelled:
		errMsg = "completion cancelled"
	case asm.streamErr != "":
		errMsg = asm.streamErr
	case !doneSeen && !asm.finished:
		errMsg = "completion stream ended unexpectedly"
	}

	fctx, fcancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer fcancel()

	if errMsg != "" && !cancelled {
		// Tell the sandbox to stop generating. Best effort: a dead sandbox
		// cannot be cancelled and does not need to be.
		if _, err := c.sandbox.Client(sess.ID).CancelCompletion(fctx); err != nil && !errors.Is(err, ErrNoActiveCompletion) {
			c.log.Debugw("cancel after stream failure", "session", sess.ID, "error", err)
		}
	}

	// Back to ready, guarded on still being in running: if the sandbox died
	// the watcher has already moved the session to stopped or error, and
	// that verdict stands.
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	ok, err := c.store.CASSessionStatus(fctx, sess.ID, model.SessionStatusRunning, model.SessionStatusReady, errPtr)
	if err != nil {
		c.log.Errorw("failed to finish completion", "session", sess.ID, "error", err)
	}
	if ok {
		c.publishSessionStatus(fctx, sess.ProjectID, sess.ID, model.SessionStatusReady, errPtr)
	}

	c.sandbox.RecordActivity(sess.ID)

	if errMsg == "" {
		if err := c.broker.PublishCompletionFinished(fctx, sess.ProjectID, sess.ID, comp.id); err != nil {
			c.log.Warnw("failed to publish completion finished", "session", sess.ID, "error", err)
		}
		c.log.Infow("completion finished", "session", sess.ID, "completion", comp.id)
		return
	}

	if err := c.broker.PublishCompletionError(fctx, sess.ProjectID, sess.ID, comp.id, errMsg); err != nil {
		c.log.Warnw("failed to publish completion error", "session", sess.ID, "error", err)
	}
	c.log.Infow("completion ended", "session", sess.ID, "completion", comp.id, "error", errMsg)
}

// CancelCompletion aborts the session's in-flight completion. The sandbox
// is asked first so generation stops promptly; cancelling the relay context
// then unwinds the stream even if the sandbox is unreachable.
func (c *ChatService) CancelCompletion(ctx context.Context, projectID, sessionID string) (*CancelCompletionResponse, error) {
	if _, err := c.validateSession(ctx, projectID, sessionID); err != nil {
		return nil, err
	}

	c.mu.RLock()
	comp := c.inflight[sessionID]
	c.mu.RUnlock()
	if comp == nil {
		return nil, ErrNoActiveCompletion
	}

	if _, err := c.sandbox.Client(sessionID).CancelCompletion(ctx); err != nil && !errors.Is(err, ErrNoActiveCompletion) {
		c.log.Warnw("sandbox cancel failed, cancelling relay anyway", "session", sessionID, "error", err)
	}

	comp.cancel()

	return &CancelCompletionResponse{Success: true, Status: "cancelled"}, nil
}

// CancelForSession aborts any in-flight completion without touching the
// sandbox. Used when the sandbox is already gone (death watch, removal).
func (c *ChatService) CancelForSession(sessionID string) {
	c.mu.RLock()
	comp := c.inflight[sessionID]
	c.mu.RUnlock()
	if comp != nil {
		comp.cancel()
	}
}

// GetMessages returns the session's persisted messages in order.
func (c *ChatService) GetMessages(ctx context.Context, projectID, sessionID string) ([]*model.Message, error) {
	if _, err := c.validateSession(ctx, projectID, sessionID); err != nil {
		return nil, err
	}
	return c.store.ListMessagesBySession(ctx, sessionID)
}

// Close cancels all in-flight completions and waits for their relays to
// finish their terminal writes.
func (c *ChatService) Close() {
	c.mu.Lock()
	for _, comp := range c.inflight {
		comp.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(finalWriteTimeout):
		c.log.Warnw("completion relays did not drain before shutdown")
	}
}

// validateSession loads the session and checks project ownership.
func (c *ChatService) validateSession(ctx context.Context, projectID, sessionID string) (*model.Session, error) {
	sess, err := c.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ProjectID != projectID {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return sess, nil
}

// persistUserMessage stores the newest user message from the request body.
// The body is the full UIMessage history; only the trailing user message is
// new. Upsert keeps client retries idempotent.
func (c *ChatService) persistUserMessage(ctx context.Context, sessionID string, messages json.RawMessage) error {
	var msgs []struct {
		ID    string          `json:"id"`
		Role  string          `json:"role"`
		Parts json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(messages, &msgs); err != nil {
		return fmt.Errorf("invalid messages payload: %w", err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("messages payload is empty")
	}

	last := msgs[len(msgs)-1]
	if last.Role != "user" {
		return nil
	}

	id := last.ID
	if id == "" {
		id = uuid.New().String()
	}
	parts := last.Parts
	if len(parts) == 0 {
		parts = json.RawMessage("[]")
	}

	msg := &model.Message{
		ID:        id,
		SessionID: sessionID,
		Role:      "user",
		Parts:     parts,
	}
	if err := c.store.UpsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}
	return nil
}

// maybeDeriveSessionName names a fresh session after its first prompt.
func (c *ChatService) maybeDeriveSessionName(ctx context.Context, sess *model.Session, messages json.RawMessage) {
	if sess.Name != "" && sess.Name != "New Session" {
		return
	}
	name := deriveSessionName(messages)
	if name == "New Session" || name == sess.Name {
		return
	}
	sess.Name = name
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		c.log.Warnw("failed to rename session", "session", sess.ID, "error", err)
	}
}

// requestOptions assembles the per-request options: the agent's model and
// the configured git identity.
func (c *ChatService) requestOptions(ctx context.Context, sess *model.Session) *RequestOptions {
	opts := &RequestOptions{
		GitUserName:  c.gitUserName,
		GitUserEmail: c.gitUserEmail,
	}
	if sess.AgentID != nil {
		if agent, err := c.store.GetAgentByID(ctx, *sess.AgentID); err == nil {
			opts.Model = agent.Model
		}
	}
	return opts
}

// publishSessionStatus publishes a session.status event, logging failures.
func (c *ChatService) publishSessionStatus(ctx context.Context, projectID, sessionID, status string, errMsg *string) {
	if err := c.broker.PublishSessionStatus(ctx, projectID, sessionID, status, "", errMsg); err != nil {
		c.log.Warnw("failed to publish session status", "session", sessionID, "status", status, "error", err)
	}
}

// deriveSessionName extracts a display name from the first user message
// with non-blank text content.
func deriveSessionName(messages json.RawMessage) string {
	if len(messages) == 0 {
		return "New Session"
	}

	type minimalPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	type minimalMessage struct {
		Role  string        `json:"role"`
		Parts []minimalPart `json:"parts"`
	}

	var msgs []minimalMessage
	if err := json.Unmarshal(messages, &msgs); err != nil {
		return "New Session"
	}

	for _, msg := range msgs {
		if msg.Role != "user" {
			continue
		}
		for _, part := range msg.Parts {
			if part.Type != "text" {
				continue
			}
			if name := strings.TrimSpace(part.Text); name != "" {
				return name
			}
		}
	}

	return "New Session"
}
