package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"synapdocs/internal/auth"
	"synapdocs/internal/logging"
	"synapdocs/internal/models"
	"synapdocs/internal/observability"
	"synapdocs/internal/relay"
	"synapdocs/internal/service/ledger"
	"synapdocs/internal/upstream"
)

// Deps are the components the HTTP layer routes to.
type Deps struct {
	Ledger            *ledger.Ledger
	Relay             *relay.Relay
	Auth              *auth.Service
	Upstream          *upstream.Client
	Metrics           *observability.Metrics
	Logger            *zap.Logger
	StaticDir         string
	LogoutRedirectURL string
}

// Handler wires HTTP routes to the ledger, the relay and the upstream AI service.
type Handler struct {
	ledger    *ledger.Ledger
	relay     *relay.Relay
	auth      *auth.Service
	upstream  *upstream.Client
	metrics   *observability.Metrics
	logger    *zap.Logger
	staticDir string
	logoutURL string
	now       func() time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	return &Handler{
		ledger:    d.Ledger,
		relay:     d.Relay,
		auth:      d.Auth,
		upstream:  d.Upstream,
		metrics:   d.Metrics,
		logger:    logging.OrNop(d.Logger),
		staticDir: d.StaticDir,
		logoutURL: d.LogoutRedirectURL,
		now:       time.Now,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	page := router.Group("/chat-page")
	page.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	page.GET("/session-init", h.sessionInit)
	page.POST("/documents", h.uploadDocument)
	page.DELETE("/documents", h.deleteDocument)
	page.POST("/chats", h.createChat)
	page.DELETE("/chats", h.deleteChat)
	page.GET("/messages", h.getMessages)
	page.POST("/ask-stream", h.askStream)
	page.GET("/logout", h.logout)

	h.registerStatic(router)
}

func (h *Handler) registerStatic(router *gin.Engine) {
	redirect := func(c *gin.Context) { c.Redirect(http.StatusFound, "/chat-page") }
	router.GET("/login", redirect)
	router.GET("/signup", redirect)
	if h.staticDir == "" {
		return
	}
	index := filepath.Join(h.staticDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		h.logger.Warn("static dir has no index.html", zap.String("dir", h.staticDir))
		return
	}
	router.Static("/static", h.staticDir)
	serveIndex := func(c *gin.Context) { c.File(index) }
	router.GET("/", serveIndex)
	router.GET("/chat-page", serveIndex)
}

func (h *Handler) sessionInit(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	docs, err := h.ledger.ListDocuments(ctx, userID)
	if err != nil {
		h.internalError(c, "list documents", err)
		return
	}
	chats, err := h.ledger.ListChats(ctx, userID)
	if err != nil {
		h.internalError(c, "list chats", err)
		return
	}
	if _, err := h.auth.IssueCSRFCookie(c); err != nil {
		h.internalError(c, "issue csrf token", err)
		return
	}
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.Name)
	}
	if chats == nil {
		chats = make([]models.ChatThread, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"documents": names,
		"chats":     chats,
		"isGuest":   auth.IsGuest(c),
	})
}

func (h *Handler) getMessages(c *gin.Context) {
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
	type message struct {
		Sender  models.Sender `json:"sender"`
		Message string        `json:"message"`
	}
	switch own {
	case ledger.Forbidden:
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	case ledger.NotFound:
		c.JSON(http.StatusOK, gin.H{"messages": []message{}, "chatDocs": []string{}})
		return
	}
	history, err := h.ledger.FetchHistory(ctx, threadID)
	if err != nil {
		h.internalError(c, "fetch history", err)
		return
	}
	docs, err := h.ledger.ChatDocuments(ctx, threadID)
	if err != nil {
		h.internalError(c, "fetch chat documents", err)
		return
	}
	out := make([]message, 0, len(history))
	for _, m := range history {
		out = append(out, message{Sender: m.Sender, Message: m.Message})
	}
	if docs == nil {
		docs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": out, "chatDocs": docs})
}

func (h *Handler) logout(c *gin.Context) {
	if token, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
			h.logger.Warn("revoke token", zap.Error(err))
		}
	}
	h.auth.ClearCookies(c)
	if h.logoutURL != "" {
		c.Redirect(http.StatusFound, h.logoutURL)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) internalError(c *gin.Context, what string, err error) {
	h.logger.Error(what, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func (h *Handler) upstreamFailed(c *gin.Context, what string, err error) {
	status := 0
	var se *upstream.StatusError
	if errors.As(err, &se) {
		status = se.StatusCode
	}
	h.logger.Warn(what, zap.Int("upstream_status", status), zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": "AI service request failed"})
}
