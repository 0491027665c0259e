package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"synapdocs/internal/service/ledger"
)

const (
	maxUploadBytes  = 25 << 20 // 25 MB
	maxDocNameRunes = 100
	sniffLen        = 512
)

func (h *Handler) uploadDocument(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is empty"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds 25MB limit"})
		return
	}
	filename := filepath.Base(strings.TrimSpace(file.Filename))
	// The AI service indexes documents by source, so the ledger does too.
	name := strings.TrimSpace(c.PostForm("source"))
	if name == "" {
		name = filename
	}
	if name == "" || name == "." || utf8.RuneCountInString(name) > maxDocNameRunes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document name"})
		return
	}

	ctx := c.Request.Context()
	exists, err := h.ledger.OwnsDocument(ctx, userID, name)
	if err != nil {
		h.internalError(c, "check document", err)
		return
	}
	if exists {
		c.JSON(http.StatusConflict, gin.H{"error": "document already exists"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}
	defer src.Close()
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}
	head = head[:n]
	if http.DetectContentType(head) != "application/pdf" {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only PDF files are supported"})
		return
	}

	body := io.MultiReader(bytes.NewReader(head), src)
	if err := h.upstream.UploadPDF(ctx, userID, name, filename, body); err != nil {
		h.upstreamFailed(c, "upload pdf", err)
		return
	}
	if err := h.ledger.AddDocument(ctx, userID, name, h.now()); err != nil {
		if errors.Is(err, ledger.ErrDocumentExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "document already exists"})
			return
		}
		h.internalError(c, "add document", err)
		return
	}
	h.logger.Info("document uploaded", zap.String("user_id", userID), zap.String("document", name), zap.Int64("bytes", file.Size))
	c.JSON(http.StatusCreated, gin.H{"documentName": name})
}

func (h *Handler) deleteDocument(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	name := c.Query("doc_name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "doc_name is required"})
		return
	}
	ctx := c.Request.Context()
	owned, err := h.ledger.OwnsDocument(ctx, userID, name)
	if err != nil {
		h.internalError(c, "check document", err)
		return
	}
	if !owned {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}
	if err := h.upstream.DeleteDocument(ctx, userID, name); err != nil {
		h.upstreamFailed(c, "delete document", err)
		return
	}
	if err := h.ledger.DeleteDocument(ctx, userID, name); err != nil {
		if errors.Is(err, ledger.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		h.internalError(c, "delete document", err)
		return
	}
	c.Status(http.StatusNoContent)
}
