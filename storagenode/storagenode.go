// Package storagenode serves the storage backend HTTP API that gateways
// replicate messages to and clients retrieve them from.
package storagenode

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kuno/logging"
	"kuno/models"
	"kuno/storage"
)

// MessageStore is the persistence a storage node needs.
type MessageStore interface {
	SaveMessage(message models.RoutedMessage) (models.RoutedMessage, error)
	GetMessagesForRecipient(accountID string, now time.Time) ([]models.RoutedMessage, error)
	DeleteMessage(id string) error
	PruneExpired(now time.Time) (int64, error)
}

// Handler implements the storage node routes.
type Handler struct {
	store  MessageStore
	nodeID string
	log    *zap.Logger
	now    func() time.Time
}

// NewHandler builds a Handler for the node identified by nodeID.
func NewHandler(store MessageStore, nodeID string, logger *zap.Logger) *Handler {
	return &Handler{
		store:  store,
		nodeID: nodeID,
		log:    logging.OrNop(logger).Named("storagenode"),
		now:    time.Now,
	}
}

// Register mounts the storage node routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.health)
	r.POST("/messages", h.storeMessage)
	r.GET("/messages/:accountId", h.listMessages)
	r.DELETE("/messages/:id", h.deleteMessage)
}

// NewEngine returns a gin engine with recovery, request logging, and the
// storage node routes.
func NewEngine(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestLogger(h.log))
	h.Register(engine)
	return engine
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"node_id":   h.nodeID,
		"timestamp": h.now().UTC(),
	})
}

func (h *Handler) storeMessage(c *gin.Context) {
	var message models.RoutedMessage
	if err := c.ShouldBindJSON(&message); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message format"})
		return
	}
	if message.ID == "" || message.SenderID == "" || message.RecipientID == "" || message.EncryptedPayload == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message format"})
		return
	}

	stored, err := h.store.SaveMessage(message)
	if err != nil {
		h.log.Error("store message failed", zap.String("message_id", message.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store message"})
		return
	}

	c.JSON(http.StatusCreated, stored)
}

func (h *Handler) listMessages(c *gin.Context) {
	accountID := c.Param("accountId")
	now := h.now()

	if pruned, err := h.store.PruneExpired(now); err != nil {
		h.log.Warn("prune expired messages failed", zap.Error(err))
	} else if pruned > 0 {
		h.log.Debug("pruned expired messages", zap.Int64("count", pruned))
	}

	messages, err := h.store.GetMessagesForRecipient(accountID, now)
	if err != nil {
		h.log.Error("query messages failed", zap.String("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"count":    len(messages),
	})
}

func (h *Handler) deleteMessage(c *gin.Context) {
	id := c.Param("id")

	err := h.store.DeleteMessage(id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
		return
	}
	if err != nil {
		h.log.Error("delete message failed", zap.String("message_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete message"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Message deleted"})
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request", fields...)
			return
		}
		logger.Debug("request", fields...)
	}
}
