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

// runReconciler runs the boot reconciliation pass over the test server's
// store and provider, the way main does before serving.
func runReconciler(t *testing.T, ts *TestServer) {
	t.Helper()
	rec := service.NewReconciler(ts.Store, ts.Sandbox, ts.Sandboxes, ts.Broker, zap.NewNop().Sugar())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

// A session whose sandbox vanished while the server was down comes back
// as stopped, and restarts on the next prompt.
func TestBootReconcileMissingSandbox(t *testing.T) {
	ts := NewTestServer(t)

	repo := InitGitRepo(t)
	ws := ts.CreateWorkspace(t, repo)
	sess := ts.CreateSession(t, ws.ID, map[string]string{"name": "orphaned"})
	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)

	// Simulate `docker rm` during downtime: the sandbox is gone but the
	// row still says ready.
	if err := ts.Sandbox.Remove(context.Background(), sess.ID); err != nil {
		t.Fatalf("remove sandbox: %v", err)
	}

	runReconciler(t, ts)

	row := ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusStopped)
	if row.ErrorMessage == nil || *row.ErrorMessage != "sandbox_missing" {
		t.Errorf("error message = %v, want sandbox_missing", row.ErrorMessage)
	}

	// EnsureReady rebuilds the sandbox from the stopped state.
	if err := ts.Sessions.EnsureReady(context.Background(), sess.ID); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)
}

// A session caught mid-startup by a crash is rolled back to stopped so a
// later prompt can retry from a clean state.
func TestBootReconcileInterruptedStartup(t *testing.T) {
	ts := NewTestServer(t)

	repo := InitGitRepo(t)
	ws := ts.CreateWorkspace(t, repo)

	sess := &model.Session{
		ProjectID:    model.DefaultProjectID,
		WorkspaceID:  ws.ID,
		Name:         "interrupted",
		Status:       model.SessionStatusCreatingSandbox,
		CommitStatus: model.CommitStatusNone,
	}
	if err := ts.Store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	runReconciler(t, ts)

	row, err := ts.Store.GetSessionByID(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if row.Status != model.SessionStatusStopped {
		t.Errorf("status = %q, want stopped after interrupted startup", row.Status)
	}
}

// Sandboxes built from a previous image are replaced on boot; the next
// startup builds a fresh one from the configured image.
func TestBootReconcileStaleImage(t *testing.T) {
	ts := NewTestServer(t)

	repo := InitGitRepo(t)
	ws := ts.CreateWorkspace(t, repo)
	sess := ts.CreateSession(t, ws.ID, map[string]string{"name": "stale-image"})
	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)

	ts.Sandbox.SetSandboxImage(sess.ID, "octobot-sandbox:previous")

	runReconciler(t, ts)

	// The stale sandbox is gone but its volume survived.
	if _, err := ts.Sandbox.Get(context.Background(), sess.ID); err == nil {
		t.Fatal("stale-image sandbox survived reconciliation")
	}
	if !ts.Sandbox.HasVolume(sess.ID) {
		t.Error("data volume lost during image reconciliation")
	}

	if err := ts.Sessions.EnsureReady(context.Background(), sess.ID); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)

	sb, err := ts.Sandbox.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("sandbox missing after rebuild: %v", err)
	}
	if sb.Image != ts.Config.SandboxImage {
		t.Errorf("rebuilt image = %q, want %q", sb.Image, ts.Config.SandboxImage)
	}
	if sb.Status != sandbox.StatusRunning {
		t.Errorf("rebuilt sandbox status = %q, want running", sb.Status)
	}
}
