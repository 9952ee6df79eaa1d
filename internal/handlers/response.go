package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/clients"
	"bridge-agent/internal/custody"
	"bridge-agent/internal/dto"
	"bridge-agent/internal/repository"
	"bridge-agent/internal/utils"
)

// Context keys set by the auth middleware.
const (
	CtxAddress  = "address"
	CtxUsername = "admin_username"
	CtxRole     = "role"
)

var errBadRequest = errors.New("bad request")

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, utils.ErrInvalidAddress),
		errors.Is(err, utils.ErrInvalidAmount),
		errors.Is(err, utils.ErrInvalidHash):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, custody.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"
	case errors.Is(err, custody.ErrInvalidAmount):
		return http.StatusBadRequest, "INVALID_ASSETS"
	case errors.Is(err, clients.ErrRouterRejected):
		return http.StatusUnprocessableEntity, "ROUTER_REJECTED"
	}

	code := agent.ErrorCode(err)
	switch code {
	case "NOT_OWNER", "CONTRACT_OWNER", "UNAUTHORIZED_CALLER", "UNAUTHORIZED_ENDPOINT":
		return http.StatusForbidden, code
	case "RECORD_NOT_FOUND":
		return http.StatusNotFound, code
	case "RETRY_UNAVAILABLE", "REDEEM_UNAVAILABLE", "RETRIEVE_UNAVAILABLE",
		"ALREADY_EXECUTED", "ALREADY_REGISTERED", "REENTRANT_CALL":
		return http.StatusConflict, code
	case "INVALID_ASSETS", "UNKNOWN_CHAIN", "UNKNOWN_TOKEN", "UNKNOWN_FLAG", "MALFORMED_PAYLOAD":
		return http.StatusBadRequest, code
	case "EXECUTION_FAILED":
		return http.StatusBadGateway, code
	}
	return http.StatusInternalServerError, code
}

// respondWithError unified error response function
func respondWithError(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.JSON(status, dto.ErrorResponse{Success: false, Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Success: false, Error: err.Error(), Code: "INVALID_REQUEST"})
}

// pagination reads page and limit query parameters.
func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	return page, limit
}

func nonceParam(c *gin.Context) (uint32, bool) {
	n, err := strconv.ParseUint(c.Param("nonce"), 10, 32)
	if err != nil {
		badRequest(c, errors.New("nonce must be a uint32"))
		return 0, false
	}
	return uint32(n), true
}

func chainParam(c *gin.Context, name string) (uint16, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 16)
	if err != nil {
		badRequest(c, errors.New(name+" must be a uint16"))
		return 0, false
	}
	return uint16(v), true
}

// caller is the wallet address proven at login.
func caller(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(CtxAddress)
	if !ok {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Success: false, Error: "wallet login required", Code: "UNAUTHORIZED"})
		return common.Address{}, false
	}
	addr, ok := v.(string)
	if !ok || !common.IsHexAddress(addr) {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Success: false, Error: "invalid token subject", Code: "UNAUTHORIZED"})
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}
