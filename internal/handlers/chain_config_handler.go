// Chain Config Handlers - Admin-only operations
// Onboards branch chains on the root agent under the manager account.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/dto"
	"bridge-agent/internal/utils"
)

// ChainConfigHandler handles branch onboarding. Admin requests act as the
// root's configured manager.
type ChainConfigHandler struct {
	root *agent.RootAgent
	log  *logrus.Logger
}

func NewChainConfigHandler(root *agent.RootAgent, log *logrus.Logger) *ChainConfigHandler {
	return &ChainConfigHandler{root: root, log: log}
}

// ApproveBranchHandler POST /api/admin/branches/approve
func (h *ChainConfigHandler) ApproveBranchHandler(c *gin.Context) {
	var req dto.BranchApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	manager := h.root.Config().Manager
	if err := h.root.ApproveBranch(c.Request.Context(), manager, req.ChainID); err != nil {
		respondWithError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"chain": req.ChainID,
		"admin": c.GetString(CtxUsername),
	}).Info("✅ Branch chain approved")
	c.JSON(http.StatusOK, gin.H{"success": true, "chain_id": req.ChainID, "message": "branch approved"})
}

// SyncBranchHandler POST /api/admin/branches/sync
func (h *ChainConfigHandler) SyncBranchHandler(c *gin.Context) {
	var req dto.BranchSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	branch, err := utils.ParseAddress(req.Address)
	if err != nil {
		badRequest(c, err)
		return
	}
	manager := h.root.Config().Manager
	if err := h.root.SyncBranch(c.Request.Context(), manager, req.ChainID, branch); err != nil {
		respondWithError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"chain":  req.ChainID,
		"branch": branch.Hex(),
		"admin":  c.GetString(CtxUsername),
	}).Info("🔗 Branch agent synced")
	c.JSON(http.StatusOK, gin.H{"success": true, "chain_id": req.ChainID, "agent": branch.Hex(), "message": "branch synced"})
}
