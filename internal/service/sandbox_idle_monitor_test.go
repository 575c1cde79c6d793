package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/sandbox/sandboxapi"
)

func newIdleMonitor(env *testEnv, idleTimeout time.Duration) *SandboxIdleMonitor {
	return NewSandboxIdleMonitor(env.store, env.sandboxSvc, env.sessionSvc, env.chatSvc, testLogger(), idleTimeout, time.Hour)
}

// rewindSessionClock backdates the row timestamp so the monitor's fallback
// clock sees the session as long idle.
func (e *testEnv) rewindSessionClock(t *testing.T, sessionID string, d time.Duration) {
	t.Helper()
	err := e.store.DB().Model(&model.Session{}).
		Where("id = ?", sessionID).
		UpdateColumn("updated_at", time.Now().Add(-d)).Error
	if err != nil {
		t.Fatalf("failed to rewind session clock: %v", err)
	}
}

func TestIdleMonitor_StopsIdleSession(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)
	env.startTestSandbox(t, project.ID, sess.ID)

	monitor := newIdleMonitor(env, 50*time.Millisecond)

	env.sandboxSvc.RecordActivity(sess.ID)
	time.Sleep(80 * time.Millisecond)

	if err := monitor.checkIdleSessions(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	row, err := env.store.GetSessionByID(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if row.Status != model.SessionStatusStopped {
		t.Errorf("status = %q, want stopped", row.Status)
	}
	sb, err := env.sandbox.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("sandbox gone after idle stop: %v", err)
	}
	if sb.Status != sandbox.StatusStopped {
		t.Errorf("sandbox status = %q, want stopped", sb.Status)
	}
}

func TestIdleMonitor_KeepsActiveSession(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)
	env.startTestSandbox(t, project.ID, sess.ID)

	monitor := newIdleMonitor(env, time.Hour)
	env.sandboxSvc.RecordActivity(sess.ID)

	if err := monitor.checkIdleSessions(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	row, err := env.store.GetSessionByID(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if row.Status != model.SessionStatusReady {
		t.Errorf("status = %q, want ready", row.Status)
	}
}

func TestIdleMonitor_FallsBackToRowTimestamp(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)
	env.startTestSandbox(t, project.ID, sess.ID)

	// No activity recorded this process lifetime.
	env.rewindSessionClock(t, sess.ID, 2*time.Hour)

	monitor := newIdleMonitor(env, time.Hour)
	if err := monitor.checkIdleSessions(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	row, err := env.store.GetSessionByID(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if row.Status != model.SessionStatusStopped {
		t.Errorf("status = %q, want stopped via row timestamp fallback", row.Status)
	}
}

// A session stuck in running with no local relay is double-checked against
// the sandbox: reaped only once the sandbox reports no completion running.
func TestIdleMonitor_VerifiesRunningSessionAgainstSandbox(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)
	env.startTestSandbox(t, project.ID, sess.ID)

	var busy atomic.Bool
	busy.Store(true)
	env.sandbox.HTTPHandler = &trackingHandler{
		onStatus: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(sandboxapi.ChatStatusResponse{IsRunning: busy.Load()})
		},
	}

	ctx := context.Background()
	if err := env.store.UpdateSessionStatus(ctx, sess.ID, model.SessionStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark session running: %v", err)
	}
	env.rewindSessionClock(t, sess.ID, 2*time.Hour)

	monitor := newIdleMonitor(env, time.Hour)

	// Sandbox says a completion is running: keep the session.
	if err := monitor.checkIdleSessions(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	row, err := env.store.GetSessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if row.Status != model.SessionStatusRunning {
		t.Fatalf("status = %q, want running while sandbox is busy", row.Status)
	}

	// Sandbox went quiet: the next sweep reaps it.
	busy.Store(false)
	if err := monitor.checkIdleSessions(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	row, err = env.store.GetSessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if row.Status != model.SessionStatusStopped {
		t.Errorf("status = %q, want stopped once sandbox is quiet", row.Status)
	}
}

func TestIdleMonitor_SkipsSessionWithLocalRelay(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)
	env.startTestSandbox(t, project.ID, sess.ID)

	ctx := context.Background()
	if err := env.store.UpdateSessionStatus(ctx, sess.ID, model.SessionStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark session running: %v", err)
	}
	env.rewindSessionClock(t, sess.ID, 2*time.Hour)

	// A relay registered in this process outranks any sandbox answer.
	env.chatSvc.mu.Lock()
	env.chatSvc.inflight[sess.ID] = &completion{id: "c1", cancel: func() {}}
	env.chatSvc.mu.Unlock()

	monitor := newIdleMonitor(env, time.Hour)
	if err := monitor.checkIdleSessions(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	row, err := env.store.GetSessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if row.Status != model.SessionStatusRunning {
		t.Errorf("status = %q, want running while a relay is in flight", row.Status)
	}
}

func TestIdleMonitor_ZeroTimeoutDisablesReaping(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)
	env.startTestSandbox(t, project.ID, sess.ID)

	env.rewindSessionClock(t, sess.ID, 24*time.Hour)

	monitor := newIdleMonitor(env, 0)
	ctx := context.Background()
	if err := monitor.checkIdleSessions(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	row, err := env.store.GetSessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if row.Status != model.SessionStatusReady {
		t.Fatalf("status = %q, want ready with reaping disabled", row.Status)
	}

	// Raising the timeout live turns reaping back on.
	monitor.SetIdleTimeout(time.Hour)
	if err := monitor.checkIdleSessions(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	row, err = env.store.GetSessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if row.Status != model.SessionStatusStopped {
		t.Errorf("status = %q, want stopped after enabling timeout", row.Status)
	}
}

func TestIdleMonitor_StartAndShutdown(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)
	env.startTestSandbox(t, project.ID, sess.ID)

	env.rewindSessionClock(t, sess.ID, 2*time.Hour)

	monitor := NewSandboxIdleMonitor(env.store, env.sandboxSvc, env.sessionSvc, env.chatSvc, testLogger(), time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)
	monitor.Start(ctx) // second start is a no-op

	env.waitForSessionStatus(t, sess.ID, model.SessionStatusStopped)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := monitor.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := monitor.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}
}
