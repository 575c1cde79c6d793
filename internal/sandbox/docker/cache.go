package docker

import (
	"context"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/filters"
	volumeTypes "github.com/docker/docker/api/types/volume"
)

const (
	// cacheVolumePrefix is the prefix for project-scoped cache volume names.
	cacheVolumePrefix = "octobot-cache-"

	// labelType distinguishes cache volumes from session data volumes.
	labelType = "octobot.type"
)

// cacheVolumeName generates a cache volume name from project ID.
func cacheVolumeName(projectID string) string {
	return fmt.Sprintf("%s%s", cacheVolumePrefix, projectID)
}

// ensureCacheVolume creates the project-scoped cache volume if it doesn't exist and returns its name.
func (p *Provider) ensureCacheVolume(ctx context.Context, projectID string) (string, error) {
	volName := cacheVolumeName(projectID)

	_, err := p.client.VolumeInspect(ctx, volName)
	if err == nil {
		return volName, nil
	}

	_, err = p.client.VolumeCreate(ctx, volumeTypes.CreateOptions{
		Name: volName,
		Labels: map[string]string{
			labelProjectID: projectID,
			labelManaged:   "true",
			labelType:      "cache",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create cache volume: %w", err)
	}

	return volName, nil
}

// RemoveCacheVolume removes the project-scoped cache volume.
// Called when a project is deleted; tolerates the volume already being gone.
func (p *Provider) RemoveCacheVolume(ctx context.Context, projectID string) error {
	volName := cacheVolumeName(projectID)

	// Force removal even if volume is in use
	if err := p.client.VolumeRemove(ctx, volName, true); err != nil {
		if !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove cache volume: %w", err)
		}
	}

	return nil
}

// ListCacheVolumes returns all cache volumes, optionally filtered by project ID.
func (p *Provider) ListCacheVolumes(ctx context.Context, projectID string) ([]*volumeTypes.Volume, error) {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")
	args.Add("label", labelType+"=cache")

	if projectID != "" {
		args.Add("label", fmt.Sprintf("%s=%s", labelProjectID, projectID))
	}

	resp, err := p.client.VolumeList(ctx, volumeTypes.ListOptions{
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cache volumes: %w", err)
	}

	return resp.Volumes, nil
}
