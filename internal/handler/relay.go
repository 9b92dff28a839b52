package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"relay-backend/internal/model"
	"relay-backend/internal/parser"
	"relay-backend/internal/service"
	"relay-backend/internal/storage"
	"relay-backend/internal/utils"
	"relay-backend/pkg/logger"
)

const defaultHeartbeat = 30 * time.Second

// Relay is the part of the relay service the HTTP API drives.
type Relay interface {
	Submit(key, text string) (service.SubmitStatus, error)
	Reset(key string) error
	Pending() (buffered, active int)
}

// Subscriber streams the outbound events of one conversation.
type Subscriber interface {
	Subscribe(key string) (<-chan model.RelayEvent, func())
}

type RelayHandler struct {
	relay     Relay
	store     storage.Store
	events    Subscriber
	heartbeat time.Duration
}

// NewRelayHandler wires the API. events may be nil when the web transport is
// disabled; the stream endpoint then answers 404.
func NewRelayHandler(relay Relay, store storage.Store, events Subscriber) *RelayHandler {
	return &RelayHandler{
		relay:     relay,
		store:     store,
		events:    events,
		heartbeat: defaultHeartbeat,
	}
}

// Register mounts the relay routes under group.
func (h *RelayHandler) Register(group *gin.RouterGroup) {
	relay := group.Group("/relay")
	{
		relay.POST("/messages", h.PostMessage)
		relay.GET("/stream/:conversation_id", h.Stream)
		relay.GET("/sessions", h.ListSessions)
		relay.GET("/sessions/:session_id/messages", h.GetMessages)
		relay.DELETE("/sessions/:session_id", h.DeleteSession)
		relay.POST("/parse", h.Parse)
	}
}

func (h *RelayHandler) PostMessage(c *gin.Context) {
	var req model.InboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := h.relay.Submit(req.ConversationID, req.Text)
	switch {
	case errors.Is(err, service.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, service.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, model.InboundResponse{
		ConversationID: req.ConversationID,
		Status:         string(status),
	})
}

// Stream relays the web transport events of one conversation as SSE until
// the client goes away.
func (h *RelayHandler) Stream(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "web transport is disabled"})
		return
	}

	key := c.Param("conversation_id")
	events, cancel := h.events.Subscribe(key)
	defer cancel()

	log := logger.Conversation(key)
	sseWriter := utils.NewSSEWriter(c.Writer)
	c.Status(http.StatusOK)

	if err := sseWriter.WriteJSON("status", gin.H{
		"type":      "subscribed",
		"timestamp": time.Now().Unix(),
	}); err != nil {
		log.Warnf("Failed to write SSE: %v", err)
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				sseWriter.Close()
				return
			}
			if err := sseWriter.WriteJSON("message", event); err != nil {
				log.Warnf("Failed to write SSE: %v", err)
				return
			}

		case <-ticker.C:
			if err := sseWriter.WriteJSON("heartbeat", gin.H{
				"type":      "heartbeat",
				"timestamp": time.Now().Unix(),
			}); err != nil {
				log.Debugf("heartbeat failed, client gone: %v", err)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (h *RelayHandler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]model.SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		messages, err := h.store.Messages(session.ID, 0)
		if err != nil {
			logger.Warnf("count messages of %s: %v", session.ID, err)
		}
		out = append(out, model.SessionResponse{
			SessionID:    session.ID,
			HasToken:     session.SessionToken != "",
			CreatedAt:    session.CreatedAt,
			UpdatedAt:    session.UpdatedAt,
			MessageCount: len(messages),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": out,
	})
}

func (h *RelayHandler) GetMessages(c *gin.Context) {
	sessionID := c.Param("session_id")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	messages, err := h.store.Messages(sessionID, limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func (h *RelayHandler) DeleteSession(c *gin.Context) {
	if err := h.relay.Reset(c.Param("session_id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
}

// Parse classifies raw model output; used to debug prompts.
func (h *RelayHandler) Parse(c *gin.Context) {
	var req model.ParseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, parser.Parse(req.Raw))
}

func (h *RelayHandler) Health(c *gin.Context) {
	buffered, active := h.relay.Pending()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"buffered":  buffered,
		"active":    active,
		"timestamp": time.Now().Unix(),
	})
}
