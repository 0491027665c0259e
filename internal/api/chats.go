package api

import (
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"synapdocs/internal/service/ledger"
)

const maxThreadIDRunes = 100

func (h *Handler) createChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	threadID := c.Query("thread_id")
	if n := utf8.RuneCountInString(threadID); n == 0 || n > maxThreadIDRunes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread_id"})
		return
	}
	docs := c.QueryArray("document_names")

	ctx := c.Request.Context()
	owned, err := h.ledger.OwnedDocuments(ctx, userID, docs)
	if err != nil {
		h.internalError(c, "check documents", err)
		return
	}
	if !owned {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}
	chat, err := h.ledger.CreateChat(ctx, userID, threadID, c.Query("chat_name"), docs, h.now())
	if err != nil {
		if errors.Is(err, ledger.ErrThreadExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "chat already exists"})
			return
		}
		h.internalError(c, "create chat", err)
		return
	}
	if chat.Documents == nil {
		chat.Documents = []string{}
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *Handler) deleteChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	threadID := c.Query("thread_id")
	if threadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "thread_id is required"})
		return
	}
	ctx := c.Request.Context()
	own, err := h.ledger.UserOwnsThread(ctx, userID, threadID)
	if err != nil {
		h.internalError(c, "check thread ownership", err)
		return
	}
	if own != ledger.Owned {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}
	if err := h.upstream.DeleteThreadState(ctx, threadID); err != nil {
		h.upstreamFailed(c, "delete thread state", err)
		return
	}
	if err := h.ledger.DeleteChat(ctx, userID, threadID); err != nil {
		if errors.Is(err, ledger.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		h.internalError(c, "delete chat", err)
		return
	}
	h.logger.Info("chat deleted", zap.String("user_id", userID), zap.String("thread_id", threadID))
	c.Status(http.StatusNoContent)
}
