// internal/web/auth.go
package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"maremma/internal/database"
)

// SessionCookie is the cookie the OIDC login flow sets.
const SessionCookie = "maremma_session"

// requireSession gates mutating routes behind a valid session row. Session
// issuance (the OIDC dance) lives in the front-end layer; the core only
// validates.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(SessionCookie)
		if err != nil || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		session, err := s.store.SessionByID(c.Request.Context(), token)
		if errors.Is(err, database.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}
		if err != nil {
			logrus.WithError(err).Error("Session lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.Set("user_id", session.UserID.String())
		c.Next()
	}
}
