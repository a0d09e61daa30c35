package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/notifications"
	"parley/internal/observability"
	"parley/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// inboundFrame is the union of every client-to-server WebSocket frame.
type inboundFrame struct {
	Type string `json:"type"`
	// Ref is echoed back in acks and errors so the client can correlate them.
	Ref string `json:"ref,omitempty"`

	ChatID      string                `json:"chatId"`
	ID          string                `json:"id"`
	Content     string                `json:"content"`
	MessageType models.MessageType    `json:"messageType"`
	Attachments []models.Attachment   `json:"attachments"`
	ReplyTo     *string               `json:"replyTo"`
	IsTyping    bool                  `json:"isTyping"`
	MessageIDs  []string              `json:"messageIds"`
	Status      models.PresenceStatus `json:"status"`
}

type outboundFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type ackPayload struct {
	Ref    string      `json:"ref,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type errorPayload struct {
	Ref       string `json:"ref,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// failedMessagePayload tells the sender that its message was not stored.
type failedMessagePayload struct {
	ID        string               `json:"id,omitempty"`
	ChatID    string               `json:"chatId"`
	Status    models.MessageStatus `json:"status"`
	Code      string               `json:"code,omitempty"`
	Error     string               `json:"error"`
	Retryable bool                 `json:"retryable"`
}

// WebSocketHandler serves the live event stream. Every envelope for the user
// is written here; inbound frames drive the same operations as the HTTP API.
func (s *Server) WebSocketHandler() fiber.Handler {
	upgrade := websocket.New(func(conn *websocket.Conn) {
		userID, _ := conn.Locals("userID").(string)
		if userID == "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"error":"unauthorized"}}`))
			_ = conn.Close()
			return
		}
		ctx := middleware.WithUserID(context.Background(), userID)

		client := notifications.NewClient(conn, userID)
		sessionID, err := s.realtime.Connect(userID, client)
		if err != nil {
			middleware.Logger.WarnContext(ctx, "websocket register rejected", slog.String("error", err.Error()))
			_ = conn.WriteMessage(websocket.TextMessage, encodeFrame("error", errorPayload{Error: clientMessage(err)}))
			_ = conn.Close()
			return
		}
		client.SessionID = sessionID

		client.IncomingHandler = func(c *notifications.Client, message []byte) {
			if reply := s.handleInbound(ctx, userID, c.SessionID, message); reply != nil {
				c.TrySend(reply)
			}
		}
		client.OnClose = func(c *notifications.Client) {
			s.realtime.Disconnect(c.SessionID)
		}

		client.TrySend(encodeFrame("connected", fiber.Map{"userId": userID, "sessionId": sessionID}))

		go client.WritePump()
		client.ReadPump()
	})

	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return upgrade(c)
	}
}

// handleInbound applies one client frame and returns the reply to write back
// to the originating session, or nil when there is nothing to say.
func (s *Server) handleInbound(ctx context.Context, userID, sessionID string, raw []byte) []byte {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		observability.WebSocketEventsTotal.WithLabelValues("invalid").Inc()
		return encodeFrame("error", errorPayload{Code: models.CodeValidation, Error: "invalid frame"})
	}
	observability.WebSocketEventsTotal.WithLabelValues(in.Type).Inc()

	switch in.Type {
	case "view":
		if err := s.realtime.View(ctx, sessionID, in.ChatID); err != nil {
			return errorFrame(in.Ref, err)
		}
		return ackFrame(in.Ref, nil)

	case "unview":
		s.realtime.Unview(sessionID, in.ChatID)
		return nil

	case "activity":
		s.realtime.Touch(userID)
		return nil

	case "message":
		// A missing limiter store fails open like the HTTP routes.
		if d, err := middleware.Allow(ctx, s.redis, "send_message", "user:"+userID, 60, time.Minute); err == nil && !d.Allowed {
			return encodeFrame("message_failed", failedMessagePayload{
				ID: in.ID, ChatID: in.ChatID, Status: models.MessageStatusFailed,
				Error: "Rate limit exceeded. Please wait a moment.", Retryable: true,
			})
		}
		s.realtime.Touch(userID)
		msg, err := s.realtime.SendMessage(ctx, service.AppendInput{
			ID:          in.ID,
			ChatID:      in.ChatID,
			SenderID:    userID,
			Content:     in.Content,
			Type:        in.MessageType,
			Attachments: in.Attachments,
			ReplyTo:     in.ReplyTo,
		})
		if err != nil {
			return encodeFrame("message_failed", failedMessagePayload{
				ID:        in.ID,
				ChatID:    in.ChatID,
				Status:    models.MessageStatusFailed,
				Code:      models.ErrorCode(err),
				Error:     clientMessage(err),
				Retryable: models.IsRetryable(err),
			})
		}
		return ackFrame(in.Ref, fiber.Map{"id": msg.ID, "seq": msg.Seq})

	case "typing":
		// Typing floods are dropped silently.
		if d, err := middleware.Allow(ctx, s.redis, "typing", "user:"+userID, 20, 10*time.Second); err == nil && !d.Allowed {
			return nil
		}
		if err := s.realtime.SetTyping(ctx, userID, in.ChatID, in.IsTyping); err != nil {
			return errorFrame(in.Ref, err)
		}
		return nil

	case "read", "delivered":
		var err error
		if in.Type == "read" {
			_, err = s.realtime.MarkRead(ctx, userID, in.ChatID, in.MessageIDs)
		} else {
			_, err = s.realtime.MarkDelivered(ctx, userID, in.ChatID, in.MessageIDs)
		}
		if err != nil {
			return errorFrame(in.Ref, err)
		}
		return nil

	case "presence":
		rec, err := s.realtime.SetPresence(ctx, userID, in.Status)
		if err != nil {
			return errorFrame(in.Ref, err)
		}
		return ackFrame(in.Ref, rec)

	default:
		return encodeFrame("error", errorPayload{Ref: in.Ref, Code: models.CodeValidation, Error: "unknown frame type: " + in.Type})
	}
}

func ackFrame(ref string, result interface{}) []byte {
	return encodeFrame("ack", ackPayload{Ref: ref, Result: result})
}

func errorFrame(ref string, err error) []byte {
	return encodeFrame("error", errorPayload{
		Ref:       ref,
		Code:      models.ErrorCode(err),
		Error:     clientMessage(err),
		Retryable: models.IsRetryable(err),
	})
}

// clientMessage is the error text safe to put on the wire. Wrapped causes stay
// in the server logs.
func clientMessage(err error) string {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	middleware.Logger.Error("unclassified websocket error", slog.String("error", err.Error()))
	return "Internal server error"
}

func encodeFrame(typ string, payload interface{}) []byte {
	b, err := json.Marshal(outboundFrame{Type: typ, Payload: payload})
	if err != nil {
		middleware.Logger.Error("encode websocket frame", slog.String("type", typ), slog.String("error", err.Error()))
		return []byte(`{"type":"error","payload":{"error":"internal"}}`)
	}
	return b
}
