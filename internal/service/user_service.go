package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"parley/internal/models"
	"parley/internal/repository"
)

const maxDisplayNameLen = 64

// UserService provides profile and settings logic.
type UserService struct {
	userRepo repository.UserRepository
}

// ProfilePatch carries optional profile changes.
type ProfilePatch struct {
	DisplayName      *string
	AvatarURL        *string
	ShowOnlineStatus *bool
}

// NewUserService returns a new UserService.
func NewUserService(userRepo repository.UserRepository) *UserService {
	return &UserService{userRepo: userRepo}
}

// EnsureUser returns the user for an authenticated id, provisioning it on first sight.
func (s *UserService) EnsureUser(ctx context.Context, userID string) (*models.User, error) {
	if userID == "" || len(userID) > maxUserIDLen {
		return nil, models.NewUnauthorizedError("Invalid user id")
	}
	user, err := s.userRepo.Ensure(ctx, userID)
	if err != nil {
		return nil, storageErr("load user", "User", userID, err)
	}
	return user, nil
}

// GetUser returns the user with userID.
func (s *UserService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, storageErr("load user", "User", userID, err)
	}
	return user, nil
}

// UpdateProfile applies patch to userID's profile. It also reports whether
// the online-status visibility changed.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (*models.User, bool, error) {
	user, err := s.EnsureUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	if patch.DisplayName != nil {
		name := strings.TrimSpace(*patch.DisplayName)
		if name == "" {
			return nil, false, models.NewValidationError("Display name is required")
		}
		if utf8.RuneCountInString(name) > maxDisplayNameLen {
			return nil, false, models.NewValidationError("Display name too long (max 64 characters)")
		}
		user.DisplayName = name
	}
	if patch.AvatarURL != nil {
		user.AvatarURL = strings.TrimSpace(*patch.AvatarURL)
	}
	visibilityChanged := false
	if patch.ShowOnlineStatus != nil && *patch.ShowOnlineStatus != user.Settings.ShowOnlineStatus {
		user.Settings.ShowOnlineStatus = *patch.ShowOnlineStatus
		visibilityChanged = true
	}

	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, false, storageErr("update user", "User", userID, err)
	}
	return user, visibilityChanged, nil
}
