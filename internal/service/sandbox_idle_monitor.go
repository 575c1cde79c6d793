package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/store"
)

// SandboxIdleMonitor stops sandboxes whose sessions have seen no activity
// for the configured timeout. Stopped sessions restart on the next prompt;
// their volumes are untouched.
type SandboxIdleMonitor struct {
	store         *store.Store
	sandboxSvc    *SandboxService
	sessionSvc    *SessionService
	chatSvc       *ChatService
	log           *zap.SugaredLogger
	checkInterval time.Duration

	mu          sync.RWMutex
	idleTimeout time.Duration

	running      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewSandboxIdleMonitor creates an idle monitor. An idleTimeout of zero
// disables reaping; the loop still runs so the timeout can be raised live.
func NewSandboxIdleMonitor(
	s *store.Store,
	sandboxSvc *SandboxService,
	sessionSvc *SessionService,
	chatSvc *ChatService,
	log *zap.SugaredLogger,
	idleTimeout time.Duration,
	checkInterval time.Duration,
) *SandboxIdleMonitor {
	return &SandboxIdleMonitor{
		store:         s,
		sandboxSvc:    sandboxSvc,
		sessionSvc:    sessionSvc,
		chatSvc:       chatSvc,
		log:           log.With("component", "idle-monitor"),
		idleTimeout:   idleTimeout,
		checkInterval: checkInterval,
		stopChan:      make(chan struct{}),
	}
}

// SetIdleTimeout retunes the timeout while the monitor runs. Zero disables.
func (m *SandboxIdleMonitor) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	m.idleTimeout = d
	m.mu.Unlock()
	m.log.Infow("idle timeout updated", "timeout", d)
}

func (m *SandboxIdleMonitor) timeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idleTimeout
}

// Start begins the idle monitoring loop.
func (m *SandboxIdleMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.monitorLoop(ctx)

	m.log.Infow("sandbox idle monitor started",
		"idle_timeout", m.timeout(),
		"check_interval", m.checkInterval)
}

// Shutdown stops the monitor, waiting for an in-progress sweep.
func (m *SandboxIdleMonitor) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		close(m.stopChan)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("idle monitor shutdown timeout exceeded")
		}
	})
	return err
}

func (m *SandboxIdleMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			if err := m.checkIdleSessions(ctx); err != nil {
				m.log.Errorw("idle sweep failed", "error", err)
			}
		}
	}
}

// checkIdleSessions stops every live session idle beyond the timeout.
func (m *SandboxIdleMonitor) checkIdleSessions(ctx context.Context) error {
	idleTimeout := m.timeout()
	if idleTimeout <= 0 {
		return nil
	}

	sessions, err := m.store.ListSessionsByStatuses(ctx, []string{model.SessionStatusReady, model.SessionStatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}

	stopped := 0
	for _, sess := range sessions {
		lastActivity, ok := m.sandboxSvc.LastActivity(sess.ID)
		if !ok {
			// Nothing observed since process start; the row's timestamp is
			// the best clock we have.
			lastActivity = sess.UpdatedAt
		}

		if time.Since(lastActivity) <= idleTimeout {
			continue
		}

		if m.stopIfIdle(ctx, sess, lastActivity) {
			stopped++
		}
	}

	if stopped > 0 {
		m.log.Infow("stopped idle sessions", "count", stopped)
	}

	return nil
}

// stopIfIdle stops one idle session unless a completion is actually in
// flight. A session stuck in running with no local relay is double-checked
// against the sandbox before it is reaped.
func (m *SandboxIdleMonitor) stopIfIdle(ctx context.Context, sess *model.Session, lastActivity time.Time) bool {
	if sess.Status == model.SessionStatusRunning {
		if _, ok := m.chatSvc.InFlightCompletionID(sess.ID); ok {
			return false
		}

		chatStatus, err := m.sandboxSvc.ChatClient().GetChatStatus(ctx, sess.ID)
		if err == nil && chatStatus.IsRunning {
			return false
		}
	}

	m.log.Infow("stopping idle session",
		"session", sess.ID,
		"last_activity", lastActivity,
		"idle", time.Since(lastActivity).Round(time.Second))

	if err := m.sessionSvc.Stop(ctx, sess.ID); err != nil {
		m.log.Errorw("failed to stop idle session", "session", sess.ID, "error", err)
		return false
	}

	return true
}
