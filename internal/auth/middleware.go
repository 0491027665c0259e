package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"synapdocs/internal/models"
)

const (
	userIDContextKey    = "auth_user_id"
	authTokenContextKey = "auth_token"
	guestContextKey     = "auth_guest"
)

// Middleware resolves the caller's identity. A valid bearer or identity
// header token wins; otherwise the caller is a guest, carried by a signed
// cookie that is minted on first contact.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if authToken := s.extractToken(c); authToken != "" {
			userID, err := s.ValidateToken(c.Request.Context(), authToken)
			if err == nil {
				c.Set(userIDContextKey, userID)
				c.Set(authTokenContextKey, authToken)
				c.Next()
				return
			}
			if !s.guestsEnabled {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			s.logger.Debug("token rejected, falling back to guest", zap.Error(err))
		}
		if !s.guestsEnabled {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		sess, err := s.guestFromCookie(c)
		if err != nil {
			s.logger.Error("mint guest session", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		s.registry.Add(sess.ID, sess.CreatedAt)
		c.Set(userIDContextKey, sess.ID)
		c.Set(guestContextKey, true)
		c.Next()
	}
}

func (s *Service) guestFromCookie(c *gin.Context) (sess models.GuestSession, err error) {
	if value, cerr := c.Cookie(s.guestCookieName); cerr == nil && value != "" {
		if sess, err = s.ParseGuest(value); err == nil {
			return sess, nil
		}
	}
	sess, value, err := s.NewGuest()
	if err != nil {
		return sess, err
	}
	s.setCookie(c, s.guestCookieName, value, int(s.guestTTL.Seconds()), true)
	s.logger.Info("guest session created", zap.String("guest_id", sess.ID))
	return sess, nil
}

// ClearCookies expires the guest and CSRF cookies.
func (s *Service) ClearCookies(c *gin.Context) {
	s.setCookie(c, s.guestCookieName, "", -1, true)
	s.setCookie(c, s.csrfCookieName, "", -1, false)
}

// IssueCSRFCookie sets a fresh double-submit token readable by the page.
func (s *Service) IssueCSRFCookie(c *gin.Context) (string, error) {
	token, err := s.NewCSRFToken()
	if err != nil {
		return "", err
	}
	s.setCookie(c, s.csrfCookieName, token, int(s.guestTTL.Seconds()), false)
	return token, nil
}

func (s *Service) setCookie(c *gin.Context, name, value string, maxAge int, httpOnly bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, maxAge, "/", "", c.Request.TLS != nil, httpOnly)
}

// UserIDFromContext retrieves the resolved user id from the gin context.
func UserIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	userID, ok := val.(string)
	return userID, ok && userID != ""
}

// IsGuest reports whether the request is served under a guest identity.
func IsGuest(c *gin.Context) bool {
	return c.GetBool(guestContextKey)
}

// AuthTokenFromContext retrieves the token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if s.identityHeader != "" {
		return strings.TrimSpace(c.GetHeader(s.identityHeader))
	}
	return ""
}
