package handler

import (
	"fmt"
	"net/http"
	"net/http/httputil"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/sandbox"
)

// DebugDockerServer proxies Docker API requests from a localhost TCP
// port to the Docker daemon inside a project's VM, so the standard CLI
// works against it:
//
//	DOCKER_HOST=tcp://localhost:2375 docker ps
type DebugDockerServer struct {
	server    *http.Server
	projectID string
	log       *zap.SugaredLogger
}

// NewDebugDockerServer wires the proxy against the first registered
// provider that can expose a per-project Docker transport.
func NewDebugDockerServer(manager *sandbox.Manager, projectID string, port int, log *zap.SugaredLogger) (*DebugDockerServer, error) {
	var proxyProvider sandbox.DockerProxyProvider
	for _, name := range manager.ListProviders() {
		provider, err := manager.GetProvider(name)
		if err != nil {
			continue
		}
		if dp, ok := provider.(sandbox.DockerProxyProvider); ok {
			proxyProvider = dp
			break
		}
	}
	if proxyProvider == nil {
		return nil, fmt.Errorf("no provider exposes a docker transport")
	}

	log = log.With("component", "debug-docker")

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = "localhost"
			req.Host = "localhost"
		},
		// The transport resolves per request so the proxy can come up
		// while the VM is still booting or its image downloading.
		Transport: &debugDockerTransport{provider: proxyProvider, projectID: projectID},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warnw("docker proxy request failed", "path", r.URL.Path, "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
		},
	}

	return &DebugDockerServer{
		projectID: projectID,
		log:       log,
		server: &http.Server{
			Addr:    fmt.Sprintf("localhost:%d", port),
			Handler: proxy,
		},
	}, nil
}

// Start serves in the background until Stop.
func (s *DebugDockerServer) Start() {
	go func() {
		s.log.Infow("debug docker proxy listening", "addr", s.server.Addr, "project_id", s.projectID)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("debug docker proxy failed", "error", err)
		}
	}()
}

// Stop closes the listener and any proxied connections.
func (s *DebugDockerServer) Stop() {
	_ = s.server.Close()
}

// debugDockerTransport resolves the project's Docker transport on each
// request instead of at construction.
type debugDockerTransport struct {
	provider  sandbox.DockerProxyProvider
	projectID string
}

func (t *debugDockerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	transport, err := t.provider.DockerTransport(t.projectID)
	if err != nil {
		return nil, fmt.Errorf("project vm not available: %w", err)
	}
	return transport.RoundTrip(req)
}
