package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler liveness and readiness
type HealthHandler struct {
	db   *gorm.DB
	role string
}

func NewHealthHandler(db *gorm.DB, role string) *HealthHandler {
	return &HealthHandler{db: db, role: role}
}

// HealthCheckHandler GET /health
func (h *HealthHandler) HealthCheckHandler(c *gin.Context) {
	status := http.StatusOK
	dbStatus := "ok"
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			status = http.StatusServiceUnavailable
			dbStatus = err.Error()
		}
	}
	c.JSON(status, gin.H{
		"status":   http.StatusText(status),
		"service":  "bridge-agent",
		"role":     h.role,
		"database": dbStatus,
	})
}
