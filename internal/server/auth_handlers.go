package server

import (
	"errors"
	"strings"
	"time"

	"parley/internal/middleware"
	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const wsTicketTTL = 30 * time.Second

func wsTicketKey(ticket string) string {
	return "ws_ticket:" + ticket
}

// AuthRequired resolves the caller's identity from a single-use WebSocket
// ticket or a bearer token and provisions the user on first sight.
func (s *Server) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		isWSPath := strings.HasPrefix(c.Path(), "/api/ws") && c.Path() != "/api/ws/ticket"

		var userID string

		// 1. WebSocket ticket (short-lived, single-use)
		if ticket := c.Query("ticket"); ticket != "" && s.redis != nil {
			uid, err := s.redis.GetDel(c.UserContext(), wsTicketKey(ticket)).Result()
			switch {
			case err == nil:
				userID = uid
			case errors.Is(err, redis.Nil):
				if isWSPath {
					return models.RespondWithError(c, fiber.StatusUnauthorized,
						models.NewUnauthorizedError("Invalid or expired WebSocket ticket"))
				}
			default:
				return models.RespondWithAppError(c, models.NewUnavailableError("ticket lookup", err))
			}
		}

		// 2. Bearer token. Browsers cannot set headers on WebSocket upgrades,
		// so the token query parameter is accepted there when no ticket store exists.
		if userID == "" {
			token, ok := middleware.BearerToken(c.Get(fiber.HeaderAuthorization))
			if !ok && isWSPath && s.redis == nil {
				token = c.Query("token")
			}
			uid, err := middleware.ParseUserToken(s.config.JWTSecret, token)
			if err != nil {
				return models.RespondWithError(c, fiber.StatusUnauthorized,
					models.NewUnauthorizedError(tokenErrorMessage(err)))
			}
			userID = uid
		}

		if _, err := s.userService.EnsureUser(c.UserContext(), userID); err != nil {
			return models.RespondWithAppError(c, err)
		}

		c.Locals("userID", userID)
		c.SetUserContext(middleware.WithUserID(c.UserContext(), userID))
		return c.Next()
	}
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, middleware.ErrMissingToken):
		return "Authorization required"
	case errors.Is(err, middleware.ErrInvalidSubject):
		return "Invalid subject claim"
	default:
		return "Invalid or expired token"
	}
}

// IssueWSTicket handles POST /api/ws/ticket. The ticket authenticates exactly
// one WebSocket upgrade within wsTicketTTL.
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	if s.redis == nil {
		return models.RespondWithAppError(c,
			models.NewUnavailableError("issue ticket", errors.New("ticket store not configured")))
	}
	userID := currentUserID(c)
	ticket := uuid.NewString()
	if err := s.redis.Set(c.UserContext(), wsTicketKey(ticket), userID, wsTicketTTL).Err(); err != nil {
		return models.RespondWithAppError(c, models.NewUnavailableError("issue ticket", err))
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"ticket":     ticket,
		"expires_in": int(wsTicketTTL.Seconds()),
	})
}
