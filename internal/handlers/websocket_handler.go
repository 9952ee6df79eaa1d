package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/dto"
	"bridge-agent/internal/repository"
	"bridge-agent/internal/services"
)

// EventHandler serves the audit trail over REST and WebSocket.
type EventHandler struct {
	events repository.EventRepository
	push   *services.EventPushService
	log    *logrus.Logger
}

func NewEventHandler(events repository.EventRepository, push *services.EventPushService, log *logrus.Logger) *EventHandler {
	return &EventHandler{events: events, push: push, log: log}
}

// ListEventsHandler GET /api/events (own account) and /api/admin/events.
// Query: kind, role, chain_id, nonce, account (admin only).
func (h *EventHandler) ListEventsHandler(c *gin.Context) {
	page, limit := pagination(c)
	filter := repository.EventFilter{Kind: c.Query("kind"), Role: c.Query("role")}
	if v := c.Query("chain_id"); v != "" {
		chain, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			badRequest(c, err)
			return
		}
		filter.ChainID = uint16(chain)
	}
	if v := c.Query("nonce"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			badRequest(c, err)
			return
		}
		nonce := uint32(n)
		filter.Nonce = &nonce
	}

	if c.GetString(CtxRole) == dto.RoleAdmin {
		filter.Account = c.Query("account")
	} else {
		account, ok := caller(c)
		if !ok {
			return
		}
		filter.Account = account.Hex()
	}

	rows, total, err := h.events.ListEvents(c.Request.Context(), filter, page, limit)
	if err != nil {
		h.log.WithError(err).Error("❌ Failed to list events")
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListResponse{Success: true, Data: rows, Total: total, Page: page, Limit: limit})
}

// WebSocketHandler GET /api/ws streams live events. Admins receive every
// event, wallets only those naming their address.
func (h *EventHandler) WebSocketHandler(c *gin.Context) {
	account := ""
	if c.GetString(CtxRole) != dto.RoleAdmin {
		addr, ok := caller(c)
		if !ok {
			return
		}
		account = addr.Hex()
	}
	h.push.HandleWebSocket(c.Writer, c.Request, account)
}
