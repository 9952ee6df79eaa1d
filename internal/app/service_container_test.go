package app

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"bridge-agent/internal/config"
	"bridge-agent/internal/dto"
	"bridge-agent/internal/wire"
)

const (
	rootChain   uint16 = 1
	branchChain uint16 = 2
	totpSecret         = "JBSWY3DPEHPK3PXP"
)

var (
	hToken     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	underlying = common.HexToAddress("0x2000000000000000000000000000000000000001")
	global     = common.HexToAddress("0x3000000000000000000000000000000000000001")
	bob        = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
)

func init() {
	gin.SetMode(gin.TestMode)
}

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "agent.db")},
		Agent: config.AgentConfig{
			Role: config.RoleLocal,
			Root: config.RootAgentConfig{
				ChainID:  rootChain,
				Address:  "0x00000000000000000000000000000000000000a0",
				Endpoint: "0x00000000000000000000000000000000000000e1",
				Router:   "0x00000000000000000000000000000000000000c1",
				Manager:  "0x00000000000000000000000000000000000000d1",
				Branches: map[uint16]string{branchChain: "0x00000000000000000000000000000000000000b0"},
			},
			Branch: config.BranchAgentConfig{
				ChainID:     branchChain,
				Address:     "0x00000000000000000000000000000000000000b0",
				Endpoint:    "0x00000000000000000000000000000000000000e2",
				Router:      "0x00000000000000000000000000000000000000c2",
				Escrow:      "0x00000000000000000000000000000000000000f2",
				RootChainID: rootChain,
				RootAgent:   "0x00000000000000000000000000000000000000a0",
			},
			Tokens: []config.TokenConfig{{
				ChainID:     branchChain,
				HToken:      hToken.Hex(),
				GlobalToken: global.Hex(),
				Underlying:  underlying.Hex(),
			}},
		},
		Auth:  config.AuthConfig{JWTSecret: "test-secret", TokenTTLHours: 1},
		Admin: config.AdminConfig{Username: "ops", PasswordHash: string(hash), TOTPSecret: totpSecret},
		Log:   config.LogConfig{Level: "panic"},
	}
}

type harness struct {
	t *testing.T
	c *ServiceContainer
	h http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	c, err := NewContainer(context.Background(), localConfig(t), log)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return &harness{t: t, c: c, h: c.Server.Handler}
}

func (h *harness) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:40000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.h.ServeHTTP(w, req)
	return w
}

// flush delivers every queued cross-chain message.
func (h *harness) flush() {
	h.t.Helper()
	for _, rc := range h.c.Hub.Flush(context.Background()) {
		require.NoError(h.t, rc.Err)
	}
}

// login runs the wallet challenge flow for key.
func (h *harness) login(key *ecdsa.PrivateKey) string {
	h.t.Helper()
	w := h.do(http.MethodGet, "/api/auth/nonce", "", nil)
	require.Equal(h.t, http.StatusOK, w.Code)
	var challenge dto.NonceResponse
	require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &challenge))

	sig, err := crypto.Sign(accounts.TextHash([]byte(challenge.Message)), key)
	require.NoError(h.t, err)
	sig[crypto.RecoveryIDOffset] += 27

	w = h.do(http.MethodPost, "/api/auth/login", "", dto.AuthRequest{
		Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Message:   challenge.Message,
		Signature: hexutil.Encode(sig),
	})
	require.Equal(h.t, http.StatusOK, w.Code, w.Body.String())
	var resp dto.AuthResponse
	require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(h.t, resp.Token)
	return resp.Token
}

func (h *harness) adminToken() string {
	h.t.Helper()
	code, err := totp.GenerateCode(totpSecret, time.Now())
	require.NoError(h.t, err)
	w := h.do(http.MethodPost, "/api/admin/login", "", dto.AdminLoginRequest{Username: "ops", Password: "s3cret", TOTPCode: code})
	require.Equal(h.t, http.StatusOK, w.Code, w.Body.String())
	var resp dto.AuthResponse
	require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token
}

func itoa(n uint32) string { return strconv.FormatUint(uint64(n), 10) }

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestWalletLoginRejectsReplayAndForgery(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	w := h.do(http.MethodGet, "/api/auth/nonce", "", nil)
	var challenge dto.NonceResponse
	decode(t, w, &challenge)
	sig, err := crypto.Sign(accounts.TextHash([]byte(challenge.Message)), key)
	require.NoError(t, err)

	// signed by key but claimed for bob
	w = h.do(http.MethodPost, "/api/auth/login", "", dto.AuthRequest{Address: bob.Hex(), Message: challenge.Message, Signature: hexutil.Encode(sig)})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// the nonce was consumed by the failed attempt
	w = h.do(http.MethodPost, "/api/auth/login", "", dto.AuthRequest{
		Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Message:   challenge.Message,
		Signature: hexutil.Encode(sig),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.NotEmpty(t, h.login(key))
}

func TestCallOutRequiresWallet(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/branch/call-outs", "", dto.CallOutRequest{Signed: true})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodPost, "/api/branch/call-outs", "not-a-token", dto.CallOutRequest{Signed: true})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// admin tokens carry no wallet
	w = h.do(http.MethodPost, "/api/branch/call-outs", h.adminToken(), dto.CallOutRequest{Signed: true})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSignedDepositLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	alice := crypto.PubkeyToAddress(key.PublicKey)
	h.c.Ledger.Mint(branchChain, underlying, alice, big.NewInt(100))
	token := h.login(key)

	// unsigned call-outs are reserved for the branch router
	w := h.do(http.MethodPost, "/api/branch/call-outs", token, dto.CallOutRequest{Params: "0x01"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	var errResp dto.ErrorResponse
	decode(t, w, &errResp)
	assert.Equal(t, "UNAUTHORIZED_CALLER", errResp.Code)

	w = h.do(http.MethodPost, "/api/branch/call-outs", token, dto.CallOutRequest{
		Params:   "0xdeadbeef",
		Signed:   true,
		Fallback: true,
		Assets:   []dto.AssetRequest{{HToken: hToken.Hex(), Token: underlying.Hex(), Amount: "40", Deposit: "40"}},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var op dto.OperationResponse
	decode(t, w, &op)
	assert.True(t, op.Success)
	n := op.Nonce
	assert.Equal(t, int64(60), h.c.Ledger.Balance(branchChain, underlying, alice).Int64())

	h.flush()

	w = h.do(http.MethodGet, "/api/root/executions/2/"+itoa(n), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state struct {
		Data dto.ExecutionStateResponse `json:"data"`
	}
	decode(t, w, &state)
	assert.Equal(t, "done", state.Data.State)

	w = h.do(http.MethodGet, "/api/branch/deposits?owner="+alice.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data  []dto.DepositResponse `json:"data"`
		Total int64                 `json:"total"`
	}
	decode(t, w, &list)
	require.Equal(t, int64(1), list.Total)
	assert.Equal(t, n, list.Data[0].Nonce)
	assert.Equal(t, "success", list.Data[0].Status)
	assert.True(t, list.Data[0].IsSigned)
	assert.Equal(t, "0xdeadbeef", list.Data[0].Params)

	// only failed deposits redeem
	w = h.do(http.MethodPost, "/api/branch/deposits/"+itoa(n)+"/redeem", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = h.do(http.MethodPost, "/api/branch/deposits/999/redeem", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	w = h.do(http.MethodPost, "/api/branch/deposits/"+itoa(n)+"/redeem", h.login(other), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/api/branch/deposits/abc/redeem", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// the owner sees their own audit trail
	w = h.do(http.MethodGet, "/api/events?chain_id=2", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events dto.ListResponse
	decode(t, w, &events)
	assert.Positive(t, events.Total)
}

func TestAdminBranchOnboarding(t *testing.T) {
	h := newHarness(t)
	admin := h.adminToken()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w := h.do(http.MethodPost, "/api/admin/branches/approve", h.login(key), dto.BranchApprovalRequest{ChainID: 7})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/api/admin/branches/approve", admin, dto.BranchApprovalRequest{ChainID: 7})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	type branchList struct {
		Data []struct {
			ChainID uint16 `json:"chain_id"`
			Agent   string `json:"agent"`
			Pending bool   `json:"pending"`
		} `json:"data"`
	}
	var branches branchList
	decode(t, h.do(http.MethodGet, "/api/root/branches", "", nil), &branches)
	require.Len(t, branches.Data, 2)
	assert.Equal(t, branchChain, branches.Data[0].ChainID)
	assert.False(t, branches.Data[0].Pending)
	assert.Equal(t, uint16(7), branches.Data[1].ChainID)
	assert.True(t, branches.Data[1].Pending)

	agent7 := "0x0000000000000000000000000000000000000Bb7"
	w = h.do(http.MethodPost, "/api/admin/branches/sync", admin, dto.BranchSyncRequest{ChainID: 7, Address: agent7})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = h.do(http.MethodPost, "/api/admin/branches/sync", admin, dto.BranchSyncRequest{ChainID: 7, Address: agent7})
	assert.Equal(t, http.StatusConflict, w.Code)

	branches = branchList{}
	decode(t, h.do(http.MethodGet, "/api/root/branches", "", nil), &branches)
	require.Len(t, branches.Data, 2)
	assert.False(t, branches.Data[1].Pending)
	assert.Equal(t, common.HexToAddress(agent7).Hex(), branches.Data[1].Agent)
}

func TestAdminLoginChecksSecondFactor(t *testing.T) {
	h := newHarness(t)
	stale, err := totp.GenerateCode(totpSecret, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	w := h.do(http.MethodPost, "/api/admin/login", "", dto.AdminLoginRequest{Username: "ops", Password: "s3cret", TOTPCode: stale})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	current, err := totp.GenerateCode(totpSecret, time.Now())
	require.NoError(t, err)
	w = h.do(http.MethodPost, "/api/admin/login", "", dto.AdminLoginRequest{Username: "ops", Password: "wrong", TOTPCode: current})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRejectRemoteClients(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	w := httptest.NewRecorder()
	h.h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "IP_NOT_ALLOWED")
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var status map[string]interface{}
	decode(t, h.do(http.MethodGet, "/api/branch/status", "", nil), &status)
	assert.EqualValues(t, branchChain, status["chain_id"])
	assert.EqualValues(t, rootChain, status["root_chain_id"])

	w = h.do(http.MethodGet, "/api/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestContainerRestoresFromDatabase(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cfg := localConfig(t)

	first, err := NewContainer(context.Background(), cfg, log)
	require.NoError(t, err)
	alice := common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	first.Ledger.Mint(branchChain, underlying, alice, big.NewInt(5))
	n, err := first.Branch.CallOutSigned(context.Background(), alice, []byte{0x01}, wire.GasParams{})
	require.NoError(t, err)
	for _, rc := range first.Hub.Flush(context.Background()) {
		require.NoError(t, rc.Err)
	}
	first.Close()

	second, err := NewContainer(context.Background(), cfg, log)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, n+1, second.Branch.NextNonce())
	assert.Equal(t, first.Root.ExecutionState(branchChain, n), second.Root.ExecutionState(branchChain, n))
}
