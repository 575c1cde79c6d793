package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/database"
	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/git"
	"github.com/anthropics/octobot/internal/handler"
	"github.com/anthropics/octobot/internal/logfile"
	"github.com/anthropics/octobot/internal/logger"
	"github.com/anthropics/octobot/internal/middleware"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/sandbox/docker"
	"github.com/anthropics/octobot/internal/sandbox/local"
	"github.com/anthropics/octobot/internal/sandbox/vm"
	"github.com/anthropics/octobot/internal/sandbox/vz"
	"github.com/anthropics/octobot/internal/service"
	"github.com/anthropics/octobot/internal/ssh"
	"github.com/anthropics/octobot/internal/startup"
	"github.com/anthropics/octobot/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Redirect before the logger grabs the descriptors, so everything
	// (including panics and subprocess output) lands in the file.
	if cfg.LogFile != "" {
		if err := logfile.Truncate(cfg.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to truncate log file: %v\n", err)
		}
		if err := logfile.RedirectStdoutStderr(cfg.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to redirect to log file: %v\n", err)
			os.Exit(1)
		}
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatalw("server exited", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if err := db.Seed(); err != nil {
		return fmt.Errorf("seed database: %w", err)
	}

	if cfg.AuthEnabled {
		log.Infow("bearer authentication enabled")
	} else {
		log.Warnw("bearer authentication disabled; API is open")
	}

	s := store.New(db.DB)

	// Event plumbing: the poller pushes persisted events to subscribers,
	// the pruner keeps the event table bounded.
	poller := events.NewPoller(s, events.DefaultPollerConfig(), log)
	if err := poller.Start(rootCtx); err != nil {
		return fmt.Errorf("start event poller: %w", err)
	}
	defer poller.Stop()
	broker := events.NewBroker(s, poller)

	pruner := events.NewPruner(s, events.DefaultRetentionConfig(), log)
	pruner.Start(rootCtx)
	defer pruner.Stop()

	system := startup.NewSystemManager(broker, model.DefaultProjectID)

	gitProvider, err := git.NewLocalProvider(cfg.WorkspacesDir(),
		git.WithWorkspaceSource(git.NewStoreWorkspaceSource(s)),
		git.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("init git provider: %w", err)
	}

	resolveProject := func(ctx context.Context, sessionID string) (string, error) {
		sess, err := s.GetSessionByID(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return sess.ProjectID, nil
	}

	manager := sandbox.NewManager(log)
	providerName, err := registerSandboxProvider(cfg, log, manager, resolveProject, system)
	if err != nil {
		return err
	}
	manager.SetDefault(providerName)
	log.Infow("sandbox provider ready", "provider", providerName)

	// All session-scoped calls go through the proxy so a deployment could
	// mix backends later without touching the services.
	provider := sandbox.NewProviderProxy(manager, func(context.Context, string) (string, error) {
		return providerName, nil
	})
	defer closeProviders(manager, log)

	credSvc, err := service.NewCredentialService(s, cfg.EncryptionKey, log)
	if err != nil {
		return fmt.Errorf("init credential service: %w", err)
	}
	sandboxSvc := service.NewSandboxService(s, provider, credSvc, log)
	sessionSvc := service.NewSessionService(s, gitProvider, provider, broker, log)
	chatSvc := service.NewChatService(s, sandboxSvc, broker, log)
	workspaceSvc := service.NewWorkspaceService(s, gitProvider, sandboxSvc, broker, log)
	projectSvc := service.NewProjectService(s, log)
	agentSvc := service.NewAgentService(s, log)

	// Cross-service wiring that would otherwise be construction cycles.
	sessionSvc.SetCompletionCanceller(chatSvc)
	sessionSvc.SetCredentialSource(credSvc)
	sandboxSvc.SetInitializer(sessionSvc)

	// Reconcile persisted session state against what actually survived
	// the restart before accepting traffic.
	reconciler := service.NewReconciler(s, provider, sandboxSvc, broker, log)
	reconcileCtx, cancelReconcile := context.WithTimeout(rootCtx, 2*time.Minute)
	if err := reconciler.Run(reconcileCtx); err != nil {
		log.Warnw("boot reconciliation incomplete", "error", err)
	}
	cancelReconcile()

	watcher := service.NewSandboxWatcher(provider, s, broker, chatSvc, log)
	if err := watcher.Start(rootCtx); err != nil {
		log.Warnw("sandbox watcher unavailable", "error", err)
	}

	idleMonitor := service.NewSandboxIdleMonitor(s, sandboxSvc, sessionSvc, chatSvc, log, cfg.IdleTimeout, time.Minute)
	idleMonitor.Start(rootCtx)

	h := handler.New(s, cfg, handler.Services{
		Projects:    projectSvc,
		Agents:      agentSvc,
		Workspaces:  workspaceSvc,
		Sessions:    sessionSvc,
		Chat:        chatSvc,
		Sandboxes:   sandboxSvc,
		Credentials: credSvc,
	}, broker, system, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	// Host-routed sandbox service traffic bypasses the management API.
	r.Use(middleware.ServiceProxy(provider, log))
	r.Mount("/", h.Routes())

	if cfg.SSHAddr != "" {
		sshSrv, err := ssh.New(&ssh.Config{
			Addr:        cfg.SSHAddr,
			HostKeyPath: filepath.Join(cfg.SessionBaseDir, "ssh_host_key"),
			Provider:    provider,
			Users:       sandboxSvc,
		}, log)
		if err != nil {
			return fmt.Errorf("init ssh server: %w", err)
		}
		go func() {
			if err := sshSrv.Start(); err != nil {
				log.Errorw("ssh server stopped", "error", err)
			}
		}()
		defer sshSrv.Stop()
		log.Infow("ssh server listening", "addr", cfg.SSHAddr)
	}

	if cfg.DebugDockerPort > 0 {
		dd, err := handler.NewDebugDockerServer(manager, model.DefaultProjectID, cfg.DebugDockerPort, log)
		if err != nil {
			log.Warnw("debug docker proxy unavailable", "error", err)
		} else {
			dd.Start()
			defer dd.Stop()
			log.Infow("debug docker proxy listening", "port", cfg.DebugDockerPort)
		}
	}

	if cfg.ConfigFile != "" {
		err := config.Watch(rootCtx, cfg.ConfigFile, log, func(next *config.Config) {
			idleMonitor.SetIdleTimeout(next.IdleTimeout)
		})
		if err != nil {
			log.Warnw("config watch unavailable", "path", cfg.ConfigFile, "error", err)
		}
	}

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No write timeout: the events endpoint holds its response open.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Infow("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	rootCancel()
	log.Infow("server stopped")
	return nil
}

// registerSandboxProvider builds the backend named by cfg.SandboxProvider
// and registers it. "auto" picks the VM backend for the platform and
// falls back to plain Docker when it cannot come up.
func registerSandboxProvider(
	cfg *config.Config,
	log *zap.SugaredLogger,
	manager *sandbox.Manager,
	resolveProject func(ctx context.Context, sessionID string) (string, error),
	system *startup.SystemManager,
) (string, error) {
	name := cfg.SandboxProvider
	auto := name == "" || name == "auto"
	if auto {
		name = "vm"
	}

	switch name {
	case "vm":
		prov, err := newVMProvider(cfg, log, resolveProject, system)
		if err == nil {
			manager.RegisterProvider("vm", prov)
			return "vm", nil
		}
		if !auto {
			return "", fmt.Errorf("init vm provider: %w", err)
		}
		log.Warnw("vm provider unavailable, falling back to docker", "error", err)
		fallthrough

	case "docker":
		prov, err := docker.NewProvider(cfg, log, resolveProject, docker.WithSystemManager(system))
		if err != nil {
			return "", fmt.Errorf("init docker provider: %w", err)
		}
		manager.RegisterProvider("docker", prov)
		return "docker", nil

	case "local":
		prov, err := local.NewProvider(cfg, log)
		if err != nil {
			return "", fmt.Errorf("init local provider: %w", err)
		}
		manager.RegisterProvider("local", prov)
		return "local", nil

	default:
		return "", fmt.Errorf("unknown sandbox provider %q", name)
	}
}

// newVMProvider returns the platform's VM backend: Virtualization
// framework micro VMs on macOS, docker-in-docker daemons elsewhere.
func newVMProvider(
	cfg *config.Config,
	log *zap.SugaredLogger,
	resolveProject func(ctx context.Context, sessionID string) (string, error),
	system *startup.SystemManager,
) (*vm.Provider, error) {
	if runtime.GOOS == "darwin" {
		return vz.NewProvider(cfg, log, resolveProject, system)
	}
	return vm.NewDinDProvider(cfg, log, resolveProject, system)
}

func closeProviders(manager *sandbox.Manager, log *zap.SugaredLogger) {
	for _, name := range manager.ListProviders() {
		prov, err := manager.GetProvider(name)
		if err != nil {
			continue
		}
		if closer, ok := prov.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.Warnw("provider close failed", "provider", name, "error", err)
			}
		}
	}
}
