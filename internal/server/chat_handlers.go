package server

import (
	"parley/internal/models"
	"parley/internal/service"

	"github.com/gofiber/fiber/v2"
)

type createChatRequest struct {
	Type         models.ChatType `json:"type"`
	Name         string          `json:"name"`
	Participants []string        `json:"participants"`
}

type updateChatRequest struct {
	Name   *string   `json:"name"`
	Labels *[]string `json:"labels"`
}

type sendMessageRequest struct {
	ID          string              `json:"id"`
	Content     string              `json:"content"`
	Type        models.MessageType  `json:"type"`
	Attachments []models.Attachment `json:"attachments"`
	ReplyTo     *string             `json:"replyTo"`
}

type receiptRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// GetChats handles GET /api/chats
func (s *Server) GetChats(c *fiber.Ctx) error {
	chats, err := s.realtime.ListChats(c.UserContext(), currentUserID(c))
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(chats)
}

// CreateChat handles POST /api/chats. Creating an existing direct chat
// returns it with 200 instead of 201.
func (s *Server) CreateChat(c *fiber.Ctx) error {
	var req createChatRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	chat, created, err := s.realtime.CreateChat(c.UserContext(), service.CreateChatInput{
		CreatorID:      currentUserID(c),
		ParticipantIDs: req.Participants,
		Type:           req.Type,
		Name:           req.Name,
	})
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(chat)
}

// GetChat handles GET /api/chats/:id
func (s *Server) GetChat(c *fiber.Ctx) error {
	chatID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	chat, err := s.realtime.GetChat(c.UserContext(), currentUserID(c), chatID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(chat)
}

// UpdateChat handles PATCH /api/chats/:id
func (s *Server) UpdateChat(c *fiber.Ctx) error {
	chatID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	var req updateChatRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	chat, err := s.realtime.UpdateChat(c.UserContext(), currentUserID(c), chatID, service.ChatPatch{
		Name:   req.Name,
		Labels: req.Labels,
	})
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(chat)
}

// DeleteChat handles DELETE /api/chats/:id
func (s *Server) DeleteChat(c *fiber.Ctx) error {
	return s.setChatStatus(c, models.ChatStatusDeleted)
}

// ArchiveChat handles POST /api/chats/:id/archive
func (s *Server) ArchiveChat(c *fiber.Ctx) error {
	return s.setChatStatus(c, models.ChatStatusArchived)
}

// UnarchiveChat handles POST /api/chats/:id/unarchive
func (s *Server) UnarchiveChat(c *fiber.Ctx) error {
	return s.setChatStatus(c, models.ChatStatusActive)
}

func (s *Server) setChatStatus(c *fiber.Ctx, status models.ChatStatus) error {
	chatID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	chat, err := s.realtime.SetChatStatus(c.UserContext(), currentUserID(c), chatID, status)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(chat)
}

// AddParticipant handles POST /api/chats/:id/participants
func (s *Server) AddParticipant(c *fiber.Ctx) error {
	chatID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	chat, err := s.realtime.AddParticipant(c.UserContext(), currentUserID(c), chatID, req.UserID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(chat)
}

// RemoveParticipant handles DELETE /api/chats/:id/participants/:userId.
// Removing yourself leaves the chat.
func (s *Server) RemoveParticipant(c *fiber.Ctx) error {
	chatID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	userID, err := parseParam(c, "userId")
	if err != nil {
		return nil
	}
	chat, err := s.realtime.RemoveParticipant(c.UserContext(), currentUserID(c), chatID, userID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(chat)
}

// GetMessages handles GET /api/chats/:id/messages?before=&limit=
func (s *Server) GetMessages(c *fiber.Ctx) error {
	chatID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	messages, err := s.realtime.LoadMessages(c.UserContext(), currentUserID(c), chatID, parsePage(c))
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(messages)
}

// SendMessage handles POST /api/chats/:id/messages. A retry with the same
// client id returns the stored message.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	chatID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	var req sendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	msg, err := s.realtime.SendMessage(c.UserContext(), service.AppendInput{
		ID:          req.ID,
		ChatID:      chatID,
		SenderID:    currentUserID(c),
		Content:     req.Content,
		Type:        req.Type,
		Attachments: req.Attachments,
		ReplyTo:     req.ReplyTo,
	})
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// MarkChatRead handles POST /api/chats/:id/read. Without messageIds every
// message of the chat is marked.
func (s *Server) MarkChatRead(c *fiber.Ctx) error {
	return s.markChat(c, models.MessageStatusRead)
}

// MarkChatDelivered handles POST /api/chats/:id/delivered
func (s *Server) MarkChatDelivered(c *fiber.Ctx) error {
	return s.markChat(c, models.MessageStatusDelivered)
}

func (s *Server) markChat(c *fiber.Ctx, status models.MessageStatus) error {
	chatID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	var req receiptRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return nil
		}
	}

	var changes []service.StatusChange
	if status == models.MessageStatusRead {
		changes, err = s.realtime.MarkRead(c.UserContext(), currentUserID(c), chatID, req.MessageIDs)
	} else {
		changes, err = s.realtime.MarkDelivered(c.UserContext(), currentUserID(c), chatID, req.MessageIDs)
	}
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	if changes == nil {
		changes = []service.StatusChange{}
	}
	return c.JSON(fiber.Map{"updated": changes})
}

// SetTyping handles POST /api/chats/:id/typing
func (s *Server) SetTyping(c *fiber.Ctx) error {
	chatID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		IsTyping bool `json:"isTyping"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if err := s.realtime.SetTyping(c.UserContext(), currentUserID(c), chatID, req.IsTyping); err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// EditMessage handles PATCH /api/messages/:id
func (s *Server) EditMessage(c *fiber.Ctx) error {
	messageID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	msg, err := s.realtime.EditMessage(c.UserContext(), currentUserID(c), messageID, req.Content)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(msg)
}

// DeleteMessage handles DELETE /api/messages/:id
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	messageID, err := parseParam(c, "id")
	if err != nil {
		return nil
	}
	msg, err := s.realtime.DeleteMessage(c.UserContext(), currentUserID(c), messageID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(msg)
}
