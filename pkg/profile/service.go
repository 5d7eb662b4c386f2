package profile

import (
	"context"
	"fmt"

	"github.com/meetsync/meetsync/pkg/user"
)

type Service interface {
	CurrentProfile(ctx context.Context) (*Profile, error)
	UpdateProfile(ctx context.Context, profile Profile) (*Profile, error)
}

type ServiceImpl struct {
	client      Client
	userService user.Service
}

func NewService(client Client, userService user.Service) *ServiceImpl {
	return &ServiceImpl{client: client, userService: userService}
}

func (s *ServiceImpl) CurrentProfile(ctx context.Context) (*Profile, error) {
	currentUser, err := s.userService.GetCurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return s.client.GetProfile(ctx, currentUser.Uid)
}

// UpdateProfile stores the profile remotely and mirrors the fields the
// engine relies on (display name, email, timezone) into the local user row.
func (s *ServiceImpl) UpdateProfile(ctx context.Context, profile Profile) (*Profile, error) {
	currentUser, err := s.userService.GetCurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}

	if err := s.client.PutProfile(ctx, currentUser.Uid, profile); err != nil {
		return nil, fmt.Errorf("failed to store profile: %w", err)
	}

	currentUser.DisplayName = profile.DisplayName
	currentUser.Email = profile.Email
	if profile.Timezone != "" {
		currentUser.Settings.Timezone = profile.Timezone
	}
	if _, err := s.userService.UpdateUser(ctx, currentUser); err != nil {
		return nil, fmt.Errorf("failed to mirror profile into user: %w", err)
	}

	return &profile, nil
}
