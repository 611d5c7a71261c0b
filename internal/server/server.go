package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/zylos/lark-router/feishu"
	"github.com/zylos/lark-router/internal/cursor"
	"github.com/zylos/lark-router/internal/dedup"
)

const maxBodyBytes = "1M"

// Server is the router's HTTP face: the platform webhook, the health
// probe and the internal record-outgoing endpoint for the send utility.
type Server struct {
	echo          *echo.Echo
	handler       *Handler
	dedup         *dedup.Deduplicator
	cursors       *cursor.Store
	internalToken string
	log           *slog.Logger

	dispatcher *dispatcher.EventDispatcher
}

// New builds the server. verificationToken and encryptKey come from the
// bot config; internalToken authenticates the sibling send process.
func New(h *Handler, d *dedup.Deduplicator, cursors *cursor.Store, verificationToken, encryptKey, internalToken string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		handler:       h,
		dedup:         d,
		cursors:       cursors,
		internalToken: internalToken,
		log:           log,
	}

	// The SDK dispatcher verifies the token, decrypts when an encrypt key
	// is set and answers the url_verification challenge. The callback
	// returns immediately so the platform gets its acknowledgment before
	// processing starts.
	s.dispatcher = dispatcher.NewEventDispatcher(verificationToken, encryptKey).
		OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			s.receive(event)
			return nil
		})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxBodyBytes))

	e.POST("/webhook", s.handleWebhook)
	e.GET("/health", s.handleHealth)
	e.POST("/internal/record-outgoing", s.handleRecordOutgoing)

	s.echo = e
	return s
}

// Start listens on the given port, blocking until shutdown.
func (s *Server) Start(port int) error {
	return s.echo.Start(fmt.Sprintf(":%d", port))
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}

	resp := s.dispatcher.Handle(c.Request().Context(), &larkevent.EventReq{
		Header:     c.Request().Header,
		Body:       body,
		RequestURI: c.Request().RequestURI,
	})
	if resp == nil {
		return c.JSON(http.StatusOK, map[string]int{"code": 0})
	}
	for key, values := range resp.Header {
		for _, value := range values {
			c.Response().Header().Add(key, value)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err = c.Response().Write(resp.Body)
	return err
}

// receive lifts the SDK event into an Inbound, deduplicates and hands it
// to the pipeline on its own goroutine.
func (s *Server) receive(event *larkim.P2MessageReceiveV1) {
	msg, ok := inboundFromEvent(event)
	if !ok {
		return
	}
	if s.dedup.Seen(msg.MessageID) {
		s.log.Info("duplicate delivery skipped", slog.String("message_id", msg.MessageID))
		return
	}
	go s.handler.Handle(context.Background(), msg)
}

func inboundFromEvent(event *larkim.P2MessageReceiveV1) (Inbound, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return Inbound{}, false
	}
	raw := event.Event.Message
	if raw.MessageId == nil || raw.ChatId == nil || raw.MessageType == nil {
		return Inbound{}, false
	}

	msg := Inbound{
		ChatID:    *raw.ChatId,
		MessageID: *raw.MessageId,
		MsgType:   *raw.MessageType,
	}
	if raw.ChatType != nil {
		msg.ChatType = *raw.ChatType
	}
	if raw.RootId != nil {
		msg.RootID = *raw.RootId
	}
	if raw.ParentId != nil {
		msg.ParentID = *raw.ParentId
	}
	if raw.ThreadId != nil {
		msg.ThreadID = *raw.ThreadId
	}
	if raw.Content != nil {
		msg.RawContent = *raw.Content
	}
	if raw.CreateTime != nil {
		msg.CreateTime = *raw.CreateTime
	}

	if sender := event.Event.Sender; sender != nil {
		// Messages the bot sends itself come back as app-sender events.
		if sender.SenderType != nil && *sender.SenderType == "app" {
			return Inbound{}, false
		}
		if sender.SenderId != nil {
			if sender.SenderId.UserId != nil {
				msg.SenderUserID = *sender.SenderId.UserId
			}
			if sender.SenderId.OpenId != nil {
				msg.SenderOpenID = *sender.SenderId.OpenId
			}
		}
	}

	for _, m := range raw.Mentions {
		if m == nil {
			continue
		}
		mention := feishu.Mention{}
		if m.Key != nil {
			mention.Key = *m.Key
			mention.AtAll = *m.Key == "@_all"
		}
		if m.Name != nil {
			mention.Name = *m.Name
		}
		if m.Id != nil {
			if m.Id.OpenId != nil {
				mention.OpenID = *m.Id.OpenId
			}
			if m.Id.UserId != nil {
				mention.UserID = *m.Id.UserId
			}
		}
		msg.Mentions = append(msg.Mentions, mention)
	}
	return msg, true
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "lark-router",
		"cursors": s.cursors.Count(),
	})
}

type recordOutgoingRequest struct {
	ChatID    string `json:"chatId"`
	ThreadID  string `json:"threadId"`
	Text      string `json:"text"`
	MessageID string `json:"messageId"`
}

func (s *Server) handleRecordOutgoing(c echo.Context) error {
	token := c.Request().Header.Get("X-Internal-Token")
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.internalToken)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid internal token")
	}

	var req recordOutgoingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing text")
	}

	s.handler.RecordOutgoing(req.ChatID, req.ThreadID, req.Text, req.MessageID)
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
