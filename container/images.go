package container

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
)

// ListImages returns the names of locally tagged ":latest" images with the
// tag stripped, sorted and de-duplicated.
func (m *Manager) ListImages(ctx context.Context) ([]string, error) {
	if !m.available {
		return nil, ErrDockerUnavailable
	}

	images, err := m.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == "<none>:<none>" {
				continue
			}
			name, ok := strings.CutSuffix(tag, ":latest")
			if !ok || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ImageExists reports whether an image tagged name is present locally.
func (m *Manager) ImageExists(ctx context.Context, name string) (bool, error) {
	if !m.available {
		return false, ErrDockerUnavailable
	}

	images, err := m.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", name)),
	})
	if err != nil {
		return false, fmt.Errorf("inspect image %s: %w", name, err)
	}
	return len(images) > 0, nil
}

// RemoveImage deletes the image tagged name.
func (m *Manager) RemoveImage(ctx context.Context, name string) error {
	if !m.available {
		return ErrDockerUnavailable
	}
	if _, err := m.client.ImageRemove(ctx, name, image.RemoveOptions{PruneChildren: true}); err != nil {
		return fmt.Errorf("remove image %s: %w", name, err)
	}
	return nil
}
