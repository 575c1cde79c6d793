package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/store"
)

// Reconciler repairs divergence between persisted session state and sandbox
// reality at process start: the server may have died mid-pipeline, sandboxes
// may have been removed out-of-band, and the sandbox image may have changed
// since the sandboxes were built.
type Reconciler struct {
	store    *store.Store
	provider sandbox.Provider
	sandbox  *SandboxService
	broker   *events.Broker
	log      *zap.SugaredLogger
}

// NewReconciler creates a boot reconciler.
func NewReconciler(s *store.Store, provider sandbox.Provider, sandboxSvc *SandboxService, broker *events.Broker, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		store:    s,
		provider: provider,
		sandbox:  sandboxSvc,
		broker:   broker,
		log:      log.With("component", "reconciler"),
	}
}

// Run reconciles sandboxes against the configured image, then session rows
// against sandbox reality. Individual repair failures are logged and
// skipped; boot proceeds.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.reconcileImages(ctx); err != nil {
		return err
	}
	return r.reconcileSessions(ctx)
}

// reconcileImages removes sandboxes built from an image other than the
// configured one. Volumes are preserved; the next EnsureReady rebuilds the
// sandbox on the current image. Sandboxes whose session row is gone are
// orphans and removed outright.
func (r *Reconciler) reconcileImages(ctx context.Context) error {
	expected := r.provider.Image()
	if expected == "" {
		r.log.Infow("no sandbox image configured, skipping image reconciliation")
		return nil
	}

	sandboxes, err := r.provider.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sandboxes: %w", err)
	}

	r.log.Infow("reconciling sandboxes", "count", len(sandboxes), "image", expected)

	for _, sb := range sandboxes {
		if _, err := r.store.GetSessionByID(ctx, sb.SessionID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				r.log.Warnw("failed to look up session for sandbox", "session", sb.SessionID, "error", err)
				continue
			}
			r.log.Infow("removing orphaned sandbox", "session", sb.SessionID)
			if err := r.provider.Remove(ctx, sb.SessionID, sandbox.WithRemoveVolumes()); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
				r.log.Warnw("failed to remove orphaned sandbox", "session", sb.SessionID, "error", err)
			}
			continue
		}

		if sb.Image == expected {
			continue
		}

		r.log.Infow("removing sandbox on outdated image", "session", sb.SessionID, "image", sb.Image)
		if err := r.provider.Remove(ctx, sb.SessionID); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			r.log.Warnw("failed to remove outdated sandbox", "session", sb.SessionID, "error", err)
		}
	}

	return nil
}

// reconcileSessions compares every session the store considers live or
// mid-pipeline against the provider and repairs the row:
//
//   - sandbox missing            → stopped, lastError=sandbox_missing
//   - sandbox failed             → error
//   - sandbox stopped or created → stopped
//   - sandbox running            → ready, unless a completion really is
//     still running inside the sandbox
func (r *Reconciler) reconcileSessions(ctx context.Context) error {
	states := []string{
		model.SessionStatusReady,
		model.SessionStatusRunning,
		model.SessionStatusInitializing,
		model.SessionStatusReinitializing,
		model.SessionStatusCloning,
		model.SessionStatusPullingImage,
		model.SessionStatusCreatingSandbox,
	}

	sessions, err := r.store.ListSessionsByStatuses(ctx, states)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	r.log.Infow("reconciling sessions", "count", len(sessions))

	for _, sess := range sessions {
		sb, err := r.provider.Get(ctx, sess.ID)
		if errors.Is(err, sandbox.ErrNotFound) {
			r.log.Infow("session has no sandbox, marking stopped", "session", sess.ID, "was", sess.Status)
			errMsg := "sandbox_missing"
			r.repair(ctx, sess, model.SessionStatusStopped, &errMsg)
			if sess.Status == model.SessionStatusRunning {
				// The completion the old process was relaying is gone with it.
				if pubErr := r.broker.PublishCompletionError(ctx, sess.ProjectID, sess.ID, "", "sandbox missing"); pubErr != nil {
					r.log.Warnw("failed to publish completion error", "session", sess.ID, "error", pubErr)
				}
			}
			continue
		}
		if err != nil {
			r.log.Warnw("failed to inspect sandbox", "session", sess.ID, "error", err)
			continue
		}

		switch sb.Status {
		case sandbox.StatusFailed:
			errMsg := fmt.Sprintf("sandbox failed: %s", sb.Error)
			r.log.Infow("session has failed sandbox, marking error", "session", sess.ID, "error", sb.Error)
			r.repair(ctx, sess, model.SessionStatusError, &errMsg)

		case sandbox.StatusStopped, sandbox.StatusCreated:
			r.log.Infow("session sandbox not running, marking stopped", "session", sess.ID, "sandbox", sb.Status)
			r.repair(ctx, sess, model.SessionStatusStopped, nil)

		case sandbox.StatusRunning:
			if sess.Status == model.SessionStatusRunning && r.completionStillRunning(ctx, sess.ID) {
				r.log.Infow("session completion still running in sandbox", "session", sess.ID)
				continue
			}
			if sess.Status != model.SessionStatusReady {
				r.log.Infow("session sandbox running, marking ready", "session", sess.ID, "was", sess.Status)
				r.repair(ctx, sess, model.SessionStatusReady, nil)
			}
		}
	}

	return nil
}

// completionStillRunning asks the sandbox whether a completion is in flight.
// An unreachable agent counts as not running; the session then returns to
// ready and the next prompt sorts out reality.
func (r *Reconciler) completionStillRunning(ctx context.Context, sessionID string) bool {
	status, err := r.sandbox.ChatClient().GetChatStatus(ctx, sessionID)
	if err != nil {
		r.log.Infow("chat status unavailable, assuming idle", "session", sessionID, "error", err)
		return false
	}
	return status.IsRunning
}

func (r *Reconciler) repair(ctx context.Context, sess *model.Session, status string, errMsg *string) {
	if err := r.store.UpdateSessionStatus(ctx, sess.ID, status, errMsg); err != nil {
		r.log.Warnw("failed to update session status", "session", sess.ID, "status", status, "error", err)
		return
	}
	if err := r.broker.PublishSessionStatus(ctx, sess.ProjectID, sess.ID, status, sess.CommitStatus, errMsg); err != nil {
		r.log.Warnw("failed to publish session status", "session", sess.ID, "error", err)
	}
}
