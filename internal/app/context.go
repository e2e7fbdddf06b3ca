package app

import (
	"context"
	"errors"
	"fmt"

	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/repo"
)

// ResolveConfig loads cadence.yml from the workspace, falling back to the
// defaults when the file is absent.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// ResolveUser picks the acting user. It prefers the override (an id, email
// or exact name), then the only user in a single-user workspace.
func ResolveUser(ctx context.Context, r repo.Repo, userOverride string) (domain.User, error) {
	if userOverride == "" {
		u, err := r.SingleUser(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, fmt.Errorf("no users yet; create one with cad user create")
		}
		return u, err
	}
	if u, err := r.GetUser(ctx, userOverride); err == nil {
		return u, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	users, err := r.ListUsers(ctx)
	if err != nil {
		return domain.User{}, err
	}
	var match []domain.User
	for _, u := range users {
		if u.Email == userOverride || u.Name == userOverride {
			match = append(match, u)
		}
	}
	switch len(match) {
	case 0:
		return domain.User{}, fmt.Errorf("user %s: %w", userOverride, repo.ErrNotFound)
	case 1:
		return match[0], nil
	}
	return domain.User{}, fmt.Errorf("user %q is ambiguous; use the id", userOverride)
}

// ResolveUserAndConfig combines ResolveConfig and ResolveUser.
func ResolveUserAndConfig(ctx context.Context, workspace, userOverride string, r repo.Repo) (domain.User, *config.Config, error) {
	cfg, err := ResolveConfig(workspace)
	if err != nil {
		return domain.User{}, nil, err
	}
	u, err := ResolveUser(ctx, r, userOverride)
	if err != nil {
		return domain.User{}, nil, err
	}
	return u, cfg, nil
}
