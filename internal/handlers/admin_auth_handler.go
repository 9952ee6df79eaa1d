package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"bridge-agent/internal/config"
	"bridge-agent/internal/dto"
)

// AdminAuthHandler operator login: bcrypt password plus TOTP.
type AdminAuthHandler struct {
	cfg    config.AdminConfig
	tokens *TokenIssuer
	log    *logrus.Logger
	now    func() time.Time
}

func NewAdminAuthHandler(cfg config.AdminConfig, tokens *TokenIssuer, log *logrus.Logger) *AdminAuthHandler {
	if cfg.Username == "" || cfg.TOTPSecret == "" {
		log.Warn("⚠️ Admin username or TOTP secret not configured, admin login is disabled")
	}
	return &AdminAuthHandler{cfg: cfg, tokens: tokens, log: log, now: time.Now}
}

// AdminLoginHandler POST /api/admin/login
func (h *AdminAuthHandler) AdminLoginHandler(c *gin.Context) {
	if h.cfg.Username == "" || h.cfg.TOTPSecret == "" {
		c.JSON(http.StatusServiceUnavailable, dto.AuthResponse{Success: false, Message: "admin login is not configured"})
		return
	}

	var req dto.AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.AuthResponse{Success: false, Message: err.Error()})
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(h.cfg.PasswordHash), []byte(req.Password)) == nil
	if !userOK || !passOK {
		h.log.WithField("ip", c.ClientIP()).Warn("⚠️ Admin login rejected")
		c.JSON(http.StatusUnauthorized, dto.AuthResponse{Success: false, Message: "Invalid credentials"})
		return
	}

	valid, err := totp.ValidateCustom(req.TOTPCode, h.cfg.TOTPSecret, h.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		h.log.WithField("ip", c.ClientIP()).Warn("⚠️ Admin TOTP rejected")
		c.JSON(http.StatusUnauthorized, dto.AuthResponse{Success: false, Message: "Invalid TOTP code"})
		return
	}

	token, err := h.tokens.IssueAdminToken(req.Username)
	if err != nil {
		h.log.WithError(err).Error("❌ Failed to issue admin token")
		c.JSON(http.StatusInternalServerError, dto.AuthResponse{Success: false, Message: "Failed to generate token"})
		return
	}

	h.log.WithField("username", req.Username).Info("✅ Admin logged in")
	c.JSON(http.StatusOK, dto.AuthResponse{Success: true, Token: token, Message: "success"})
}
