package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager registers sandbox providers by name and routes requests to the
// appropriate one. Registration happens once at startup; lookups are
// read-only after that.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	log             *zap.SugaredLogger
}

// NewManager creates a new sandbox provider manager.
func NewManager(log *zap.SugaredLogger) *Manager {
	return &Manager{
		providers:       make(map[string]Provider),
		defaultProvider: "docker",
		log:             log,
	}
}

// RegisterProvider registers a provider with the given name.
func (m *Manager) RegisterProvider(name string, provider Provider) {
	m.providers[name] = provider
}

// SetDefault sets the default provider name.
func (m *Manager) SetDefault(name string) {
	m.defaultProvider = name
}

// GetProvider returns the provider with the given name.
// An empty name resolves to the default provider.
func (m *Manager) GetProvider(name string) (Provider, error) {
	if name == "" {
		name = m.defaultProvider
	}

	provider, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not found", name)
	}

	return provider, nil
}

// GetDefault returns the default provider, or nil if none is registered.
func (m *Manager) GetDefault() Provider {
	provider, _ := m.GetProvider(m.defaultProvider)
	return provider
}

// ListProviders returns the names of all registered providers.
func (m *Manager) ListProviders() []string {
	var names []string
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// ProviderProxy implements Provider and routes each call to the provider
// selected by a sessionID → provider-name resolver. It is the seam that lets
// a deployment mix backends (and lets tests substitute a mock).
type ProviderProxy struct {
	manager        *Manager
	providerGetter func(ctx context.Context, sessionID string) (string, error)
}

// NewProviderProxy creates a provider proxy that uses providerGetter to
// determine which provider handles each session.
func NewProviderProxy(manager *Manager, providerGetter func(ctx context.Context, sessionID string) (string, error)) *ProviderProxy {
	return &ProviderProxy{
		manager:        manager,
		providerGetter: providerGetter,
	}
}

// resolve maps a session to its concrete provider.
func (p *ProviderProxy) resolve(ctx context.Context, sessionID string) (Provider, error) {
	name, err := p.providerGetter(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get provider for session: %w", err)
	}
	return p.manager.GetProvider(name)
}

// ImageExists checks if the image exists in the default provider.
func (p *ProviderProxy) ImageExists(ctx context.Context) bool {
	provider := p.manager.GetDefault()
	if provider == nil {
		return false
	}
	return provider.ImageExists(ctx)
}

// Image returns the image name from the default provider.
func (p *ProviderProxy) Image() string {
	provider := p.manager.GetDefault()
	if provider == nil {
		return ""
	}
	return provider.Image()
}

func (p *ProviderProxy) Create(ctx context.Context, sessionID string, opts CreateOptions) (*Sandbox, error) {
	provider, err := p.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return provider.Create(ctx, sessionID, opts)
}

func (p *ProviderProxy) Start(ctx context.Context, sessionID string) error {
	provider, err := p.resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	return provider.Start(ctx, sessionID)
}

func (p *ProviderProxy) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	provider, err := p.resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	return provider.Stop(ctx, sessionID, timeout)
}

func (p *ProviderProxy) Remove(ctx context.Context, sessionID string, opts ...RemoveOption) error {
	provider, err := p.resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	return provider.Remove(ctx, sessionID, opts...)
}

func (p *ProviderProxy) Get(ctx context.Context, sessionID string) (*Sandbox, error) {
	provider, err := p.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return provider.Get(ctx, sessionID)
}

func (p *ProviderProxy) GetSecret(ctx context.Context, sessionID string) (string, error) {
	provider, err := p.resolve(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return provider.GetSecret(ctx, sessionID)
}

// List concatenates sandboxes across all registered providers. A provider
// that fails to list is logged and skipped so one broken backend does not
// hide the others.
func (p *ProviderProxy) List(ctx context.Context) ([]*Sandbox, error) {
	var all []*Sandbox

	for name, provider := range p.manager.providers {
		sandboxes, err := provider.List(ctx)
		if err != nil {
			p.manager.log.Warnw("provider list failed", "provider", name, "error", err)
			continue
		}
		all = append(all, sandboxes...)
	}

	return all, nil
}

func (p *ProviderProxy) Exec(ctx context.Context, sessionID string, cmd []string, opts ExecOptions) (*ExecResult, error) {
	provider, err := p.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return provider.Exec(ctx, sessionID, cmd, opts)
}

func (p *ProviderProxy) Attach(ctx context.Context, sessionID string, opts AttachOptions) (PTY, error) {
	provider, err := p.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return provider.Attach(ctx, sessionID, opts)
}

func (p *ProviderProxy) ExecStream(ctx context.Context, sessionID string, cmd []string, opts ExecStreamOptions) (Stream, error) {
	provider, err := p.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return provider.ExecStream(ctx, sessionID, cmd, opts)
}

func (p *ProviderProxy) HTTPClient(ctx context.Context, sessionID string) (*http.Client, error) {
	provider, err := p.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return provider.HTTPClient(ctx, sessionID)
}

// Watch fans in state events from every registered provider. The merged
// channel closes once all provider streams have drained or ctx is done.
func (p *ProviderProxy) Watch(ctx context.Context) (<-chan StateEvent, error) {
	merged := make(chan StateEvent, 100)

	var channels []<-chan StateEvent
	for name, provider := range p.manager.providers {
		ch, err := provider.Watch(ctx)
		if err != nil {
			p.manager.log.Warnw("provider watch failed", "provider", name, "error", err)
			continue
		}
		channels = append(channels, ch)
	}

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(c <-chan StateEvent) {
			defer wg.Done()
			for event := range c {
				select {
				case merged <- event:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	return merged, nil
}
