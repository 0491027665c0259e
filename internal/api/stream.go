package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"synapdocs/internal/auth"
	"synapdocs/internal/relay"
)

// maxAskBodyBytes fits a 10000 character query and 100 document names.
const maxAskBodyBytes = 1 << 20

var errStreamingUnsupported = errors.New("streaming not supported")

// sseSink writes event stream frames to a gin response.
type sseSink struct {
	c       *gin.Context
	flusher http.Flusher
}

func (s *sseSink) Open() error {
	flusher, ok := s.c.Writer.(http.Flusher)
	if !ok {
		return errStreamingUnsupported
	}
	s.flusher = flusher
	header := s.c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	s.c.Status(http.StatusOK)
	s.c.Writer.WriteHeaderNow()
	flusher.Flush()
	return nil
}

func (s *sseSink) Send(frame []byte) error {
	if _, err := s.c.Writer.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *Handler) askStream(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAskBodyBytes)
	var req relay.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	_, err := h.relay.Run(c.Request.Context(), userID, req, &sseSink{c: c})
	if err == nil {
		return
	}
	var rerr *relay.Error
	if !errors.As(err, &rerr) {
		h.internalError(c, "ask stream", err)
		return
	}
	if rerr.Err != nil {
		h.logger.Error("[stream] "+rerr.Message, zap.Error(rerr.Err))
	}
	c.JSON(statusFor(rerr.Kind), gin.H{"error": rerr.Message})
}

func statusFor(k relay.Kind) int {
	switch k {
	case relay.Unauthenticated:
		return http.StatusUnauthorized
	case relay.BadRequest:
		return http.StatusBadRequest
	case relay.Forbidden:
		return http.StatusForbidden
	case relay.CapacityExceeded:
		return http.StatusServiceUnavailable
	case relay.RateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
