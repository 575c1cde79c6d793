package integration

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/service"
)

// An idle session is stopped by the reaper with its volume intact, and
// the next EnsureReady revives it.
func TestIdleSessionIsReaped(t *testing.T) {
	ts := NewTestServer(t)
	ctx := context.Background()

	repo := InitGitRepo(t)
	ws := ts.CreateWorkspace(t, repo)
	sess := ts.CreateSession(t, ws.ID, map[string]string{"name": "idler"})
	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)

	// Stamp activity, then let it go stale against a tiny timeout.
	ts.Sandboxes.RecordActivity(sess.ID)
	time.Sleep(50 * time.Millisecond)

	monitor := service.NewSandboxIdleMonitor(
		ts.Store, ts.Sandboxes, ts.Sessions, ts.Chat, zap.NewNop().Sugar(),
		20*time.Millisecond, 10*time.Millisecond)
	monitor.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = monitor.Shutdown(sctx)
	}()

	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusStopped)

	sb, err := ts.Sandbox.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("sandbox gone after idle stop: %v", err)
	}
	if sb.Status != sandbox.StatusStopped {
		t.Errorf("sandbox status = %q, want stopped", sb.Status)
	}
	if !ts.Sandbox.HasVolume(sess.ID) {
		t.Error("idle stop removed the data volume")
	}

	// Raising the timeout stops the reaping so the revived session stays up.
	monitor.SetIdleTimeout(time.Hour)

	if err := ts.Sessions.EnsureReady(ctx, sess.ID); err != nil {
		t.Fatalf("EnsureReady after idle stop: %v", err)
	}
	revived := ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)
	if revived.Status != model.SessionStatusReady {
		t.Fatalf("status = %q", revived.Status)
	}

	sb, err = ts.Sandbox.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("sandbox missing after revival: %v", err)
	}
	if sb.Status != sandbox.StatusRunning {
		t.Errorf("revived sandbox status = %q, want running", sb.Status)
	}
}

// A zero idle timeout disables reaping entirely.
func TestIdleReaperDisabledByZeroTimeout(t *testing.T) {
	ts := NewTestServer(t)
	ctx := context.Background()

	repo := InitGitRepo(t)
	ws := ts.CreateWorkspace(t, repo)
	sess := ts.CreateSession(t, ws.ID, map[string]string{"name": "immortal"})
	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)

	monitor := service.NewSandboxIdleMonitor(
		ts.Store, ts.Sandboxes, ts.Sessions, ts.Chat, zap.NewNop().Sugar(),
		0, 10*time.Millisecond)
	monitor.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = monitor.Shutdown(sctx)
	}()

	time.Sleep(100 * time.Millisecond)

	row, err := ts.Store.GetSessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if row.Status != model.SessionStatusReady {
		t.Errorf("status = %q, want ready with reaping disabled", row.Status)
	}
}
