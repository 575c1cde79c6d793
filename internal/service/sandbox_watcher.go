package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/store"
)

// SandboxWatcher subscribes to provider state events and keeps session rows
// faithful to sandbox reality: containers die, get OOM-killed, or are
// removed with the docker CLI, and none of that goes through the engine.
// Every observed transition is published as a sandbox.status event; session
// repairs additionally publish session.status.
type SandboxWatcher struct {
	provider  sandbox.Provider
	store     *store.Store
	broker    *events.Broker
	canceller CompletionCanceller
	log       *zap.SugaredLogger
}

// NewSandboxWatcher creates a sandbox watcher. canceller may be nil.
func NewSandboxWatcher(provider sandbox.Provider, s *store.Store, broker *events.Broker, canceller CompletionCanceller, log *zap.SugaredLogger) *SandboxWatcher {
	return &SandboxWatcher{
		provider:  provider,
		store:     s,
		broker:    broker,
		canceller: canceller,
		log:       log.With("component", "sandbox-watcher"),
	}
}

// Start consumes provider events until ctx is cancelled. The provider's
// Watch reconnects internally; a closed channel means the event source is
// gone for good.
func (w *SandboxWatcher) Start(ctx context.Context) error {
	eventCh, err := w.provider.Watch(ctx)
	if err != nil {
		return err
	}

	w.log.Infow("watching sandbox events")

	for {
		select {
		case <-ctx.Done():
			w.log.Infow("stopped")
			return ctx.Err()

		case event, ok := <-eventCh:
			if !ok {
				w.log.Warnw("sandbox event stream closed")
				return nil
			}
			w.handleEvent(ctx, event)
		}
	}
}

// handleEvent maps one sandbox transition onto the session state machine.
func (w *SandboxWatcher) handleEvent(ctx context.Context, event sandbox.StateEvent) {
	sess, err := w.store.GetSessionByID(ctx, event.SessionID)
	if err != nil {
		// Orphaned sandbox: its session is gone. The boot reconciler removes
		// these; mid-flight we only note it.
		w.log.Debugw("sandbox event for unknown session", "session", event.SessionID, "status", event.Status)
		return
	}

	if err := w.broker.PublishSandboxStatus(ctx, sess.ProjectID, event.SessionID, string(event.Status), event.Error); err != nil {
		w.log.Warnw("failed to publish sandbox status", "session", event.SessionID, "error", err)
	}

	var newStatus string
	var errMsg *string
	cancelCompletion := false

	switch event.Status {
	case sandbox.StatusRunning:
		// The startup pipeline owns intermediate→ready; the watcher only
		// picks up sandboxes revived out-of-band.
		if sess.Status == model.SessionStatusStopped || sess.Status == model.SessionStatusError {
			newStatus = model.SessionStatusReady
		}

	case sandbox.StatusStopped:
		if sess.Status == model.SessionStatusReady || sess.Status == model.SessionStatusRunning {
			newStatus = model.SessionStatusStopped
			cancelCompletion = sess.Status == model.SessionStatusRunning
		}

	case sandbox.StatusFailed:
		if sess.Status != model.SessionStatusError {
			newStatus = model.SessionStatusError
			if event.Error != "" {
				msg := "sandbox failed: " + event.Error
				errMsg = &msg
			}
			cancelCompletion = sess.Status == model.SessionStatusRunning
		}

	case sandbox.StatusRemoved:
		// Our own removal flow already has the session in removing; an
		// external docker rm leaves it ready or running.
		if sess.Status == model.SessionStatusReady || sess.Status == model.SessionStatusRunning {
			newStatus = model.SessionStatusStopped
			msg := "sandbox_missing"
			errMsg = &msg
			cancelCompletion = sess.Status == model.SessionStatusRunning
		}

	case sandbox.StatusCreated:
		// Intermediate; the pipeline is about to start it.

	default:
		w.log.Warnw("unknown sandbox status", "session", event.SessionID, "status", event.Status)
		return
	}

	if newStatus == "" {
		return
	}

	w.log.Infow("sandbox transition, updating session",
		"session", event.SessionID, "sandbox", event.Status, "from", sess.Status, "to", newStatus)

	if err := w.store.UpdateSessionStatus(ctx, event.SessionID, newStatus, errMsg); err != nil {
		w.log.Errorw("failed to update session status", "session", event.SessionID, "error", err)
		return
	}

	// Cancel after the status write so the relay's running→ready CAS loses.
	if cancelCompletion && w.canceller != nil {
		w.canceller.CancelForSession(event.SessionID)
	}

	if err := w.broker.PublishSessionStatus(ctx, sess.ProjectID, event.SessionID, newStatus, sess.CommitStatus, errMsg); err != nil {
		w.log.Warnw("failed to publish session status", "session", event.SessionID, "error", err)
	}
}
