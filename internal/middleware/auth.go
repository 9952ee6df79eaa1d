package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/dto"
	"bridge-agent/internal/handlers"
)

// AuthMiddleware JWT
type AuthMiddleware struct {
	tokens *handlers.TokenIssuer
	logger *logrus.Logger
}

func NewAuthMiddleware(tokens *handlers.TokenIssuer, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, logger: logger}
}

// bearer reads the token from the Authorization header, or from the
// token query parameter for WebSocket upgrades.
func bearer(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if t := c.Query("token"); t != "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			return t, ""
		}
		return "", "MISSING_AUTH_HEADER"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "INVALID_AUTH_FORMAT"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "EMPTY_TOKEN"
	}
	return token, ""
}

func (a *AuthMiddleware) reject(c *gin.Context, status int, code, message string) {
	a.logger.WithFields(logrus.Fields{
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
		"code":   code,
	}).Warn("⚠️ Authentication failed")
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   "Authentication required",
		"message": message,
		"code":    code,
	})
}

// authenticate validates the token and stores its claims on the context.
func (a *AuthMiddleware) authenticate(c *gin.Context) (*dto.JWTClaims, bool) {
	token, code := bearer(c)
	if code != "" {
		a.reject(c, http.StatusUnauthorized, code, "Authorization header must be in format: Bearer <token>")
		return nil, false
	}
	claims, err := a.tokens.Validate(token)
	if err != nil {
		a.reject(c, http.StatusUnauthorized, "INVALID_TOKEN", err.Error())
		return nil, false
	}
	c.Set(handlers.CtxRole, claims.Role)
	if claims.Address != "" {
		c.Set(handlers.CtxAddress, claims.Address)
	}
	if claims.Username != "" {
		c.Set(handlers.CtxUsername, claims.Username)
	}
	return claims, true
}

// RequireAuth accepts wallet and admin tokens.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := a.authenticate(c); !ok {
			return
		}
		c.Next()
	}
}

// RequireWallet accepts only wallet tokens; bridge operations need a
// proven caller address.
func (a *AuthMiddleware) RequireWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := a.authenticate(c)
		if !ok {
			return
		}
		if claims.Role != dto.RoleUser || claims.Address == "" {
			a.reject(c, http.StatusForbidden, "WALLET_REQUIRED", "a wallet token is required")
			return
		}
		c.Next()
	}
}

// RequireAdmin accepts only admin tokens.
func (a *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := a.authenticate(c)
		if !ok {
			return
		}
		if claims.Role != dto.RoleAdmin {
			a.reject(c, http.StatusForbidden, "ADMIN_REQUIRED", "admin privileges required")
			return
		}
		c.Next()
	}
}
