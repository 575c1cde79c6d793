package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/store"
)

// ProjectService handles project CRUD. Projects are the multi-tenant root:
// they own workspaces, agents, credentials and the event log.
type ProjectService struct {
	store *store.Store
	log   *zap.SugaredLogger
}

// NewProjectService creates the project service.
func NewProjectService(s *store.Store, log *zap.SugaredLogger) *ProjectService {
	return &ProjectService{store: s, log: log.With("component", "project")}
}

// List returns all projects, oldest first.
func (s *ProjectService) List(ctx context.Context) ([]*model.Project, error) {
	return s.store.ListProjects(ctx)
}

// Get returns a project by id.
func (s *ProjectService) Get(ctx context.Context, projectID string) (*model.Project, error) {
	return s.store.GetProjectByID(ctx, projectID)
}

// Create creates a project with a slug derived from its name.
func (s *ProjectService) Create(ctx context.Context, name string) (*model.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	project := &model.Project{
		Name: name,
		Slug: generateSlug(name),
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return project, nil
}

// Rename updates the project name. The slug is immutable; it may be baked
// into service-proxy subdomains.
func (s *ProjectService) Rename(ctx context.Context, projectID, name string) (*model.Project, error) {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	project.Name = name
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return project, nil
}

// Delete removes a project and everything it owns. The default project and
// projects with live sessions are refused; sessions must be removed first so
// their sandboxes are not orphaned.
func (s *ProjectService) Delete(ctx context.Context, projectID string) error {
	if projectID == model.DefaultProjectID {
		return fmt.Errorf("the default project cannot be deleted")
	}

	if _, err := s.store.GetProjectByID(ctx, projectID); err != nil {
		return err
	}

	sessions, err := s.store.ListSessionsByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) > 0 {
		return fmt.Errorf("%w: %d remaining", ErrHasSessions, len(sessions))
	}

	return s.store.DeleteProject(ctx, projectID)
}

// EnsureDefault seeds the default project on first boot.
func (s *ProjectService) EnsureDefault(ctx context.Context) error {
	_, err := s.store.GetProjectByID(ctx, model.DefaultProjectID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	s.log.Infow("seeding default project", "project", model.DefaultProjectID)
	return s.store.CreateProject(ctx, model.NewDefaultProject())
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// generateSlug turns a display name into a URL-safe slug with a random
// suffix for uniqueness.
func generateSlug(name string) string {
	slug := strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(name), "-"), "-")

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	if slug == "" {
		return hex.EncodeToString(suffix)
	}
	return fmt.Sprintf("%s-%s", slug, hex.EncodeToString(suffix))
}
