package server

import (
	"parley/internal/models"
	"parley/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetMyProfile handles GET /api/users/me
func (s *Server) GetMyProfile(c *fiber.Ctx) error {
	user, err := s.userService.GetUser(c.UserContext(), currentUserID(c))
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(user)
}

// UpdateMyProfile handles PUT /api/users/me
func (s *Server) UpdateMyProfile(c *fiber.Ctx) error {
	var req struct {
		DisplayName *string `json:"displayName"`
		AvatarURL   *string `json:"avatarUrl"`
		Settings    *struct {
			ShowOnlineStatus *bool `json:"showOnlineStatus"`
		} `json:"settings"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	patch := service.ProfilePatch{DisplayName: req.DisplayName, AvatarURL: req.AvatarURL}
	if req.Settings != nil {
		patch.ShowOnlineStatus = req.Settings.ShowOnlineStatus
	}
	user, err := s.realtime.UpdateProfile(c.UserContext(), currentUserID(c), patch)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(user)
}

// UpdatePresence handles PUT /api/presence. The caller must hold a live connection.
func (s *Server) UpdatePresence(c *fiber.Ctx) error {
	var req struct {
		Status models.PresenceStatus `json:"status"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	rec, err := s.realtime.SetPresence(c.UserContext(), currentUserID(c), req.Status)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(rec)
}

// GetPresence handles GET /api/presence/:userId
func (s *Server) GetPresence(c *fiber.Ctx) error {
	userID, err := parseParam(c, "userId")
	if err != nil {
		return nil
	}
	rec, err := s.realtime.GetPresence(c.UserContext(), currentUserID(c), userID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(rec)
}
