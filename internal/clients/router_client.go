package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/models"
	"bridge-agent/internal/utils"
	"bridge-agent/internal/wire"
)

// ErrRouterRejected is returned when the router service answers with
// success=false. It fails the execution like any other router error.
var ErrRouterRejected = errors.New("router: execution rejected")

// Router methods, also the last token of the request subject.
const (
	MethodExecute                      = "execute"
	MethodExecuteDeposit               = "execute_deposit"
	MethodExecuteDepositMultiple       = "execute_deposit_multiple"
	MethodExecuteSigned                = "execute_signed"
	MethodExecuteSignedDeposit         = "execute_signed_deposit"
	MethodExecuteSignedDepositMultiple = "execute_signed_deposit_multiple"
	MethodExecuteNoSettlement          = "execute_no_settlement"
	MethodExecuteSettlement            = "execute_settlement"
	MethodExecuteSettlementMultiple    = "execute_settlement_multiple"
)

// Requester is the part of NATSClient the router client needs.
type Requester interface {
	Request(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// RouterRequest is the JSON body sent to the router service.
type RouterRequest struct {
	Method     string             `json:"method"`
	ChainID    uint16             `json:"chain_id"`
	SrcChainID uint16             `json:"src_chain_id"`
	Params     hexutil.Bytes      `json:"params"`
	Nonce      uint32             `json:"nonce,omitempty"`
	Account    string             `json:"account,omitempty"`
	Recipient  string             `json:"recipient,omitempty"`
	Assets     []models.AssetJSON `json:"assets,omitempty"`
}

// RouterReply is the router service answer. A root router may ask for
// settlements to be sent back as part of the same execution.
type RouterReply struct {
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
	CallOuts []CallOutRequest `json:"call_outs,omitempty"`
}

// CallOutRequest is one settlement the root router wants sent.
type CallOutRequest struct {
	DstChainID uint16            `json:"dst_chain_id"`
	Refundee   string            `json:"refundee"`
	Recipient  string            `json:"recipient,omitempty"`
	Params     hexutil.Bytes     `json:"params,omitempty"`
	Assets     []TokenAmountJSON `json:"assets,omitempty"`
	GasLimit   string            `json:"gas_limit,omitempty"`
	RemoteGas  string            `json:"remote_gas,omitempty"`
	Fallback   bool              `json:"fallback,omitempty"`
}

type TokenAmountJSON struct {
	GlobalToken string `json:"global_token"`
	Amount      string `json:"amount"`
	Deposit     string `json:"deposit"`
}

// RootCaller is the part of the root agent call-outs are made through.
type RootCaller interface {
	CallOut(ctx context.Context, caller, refundee common.Address, dstChainID uint16, params []byte, gas wire.GasParams) (uint32, error)
	CallOutAndBridgeMultiple(ctx context.Context, caller, refundee, recipient common.Address, dstChainID uint16,
		params []byte, assets []agent.TokenAmount, gas wire.GasParams, fallback bool) (uint32, error)
}

// RouterClient forwards executions to an external router service over
// NATS request-reply on <subject>.<method>.
type RouterClient struct {
	req     Requester
	subject string
	chainID uint16
	timeout time.Duration
	log     *logrus.Logger
}

func NewRouterClient(req Requester, subject string, chainID uint16, timeout time.Duration, log *logrus.Logger) *RouterClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RouterClient{req: req, subject: subject, chainID: chainID, timeout: timeout, log: log}
}

// Call sends one request and decodes the reply. A rejected execution is
// returned as ErrRouterRejected together with the decoded reply.
func (c *RouterClient) Call(ctx context.Context, r RouterRequest) (*RouterReply, error) {
	r.ChainID = c.chainID
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode router request: %w", err)
	}
	msg := nats.NewMsg(c.subject + "." + r.Method)
	msg.Data = data

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.req.Request(ctx, msg)
	if err != nil {
		c.log.WithError(err).WithField("method", r.Method).Error("❌ Router request failed")
		return nil, err
	}
	var reply RouterReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode router reply: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"method":   r.Method,
		"src":      r.SrcChainID,
		"nonce":    r.Nonce,
		"success":  reply.Success,
		"duration": time.Since(start).String(),
	}).Debug("🔀 Router replied")
	if !reply.Success {
		return &reply, fmt.Errorf("%w: %s", ErrRouterRejected, reply.Error)
	}
	return &reply, nil
}

// ============================================
// Root router
// ============================================

// RootRouter implements agent.RootRouter on top of a RouterClient.
// Call-outs in the reply are sent through the root agent with the router
// address as caller, inside the execution that requested them.
type RootRouter struct {
	client *RouterClient
	root   RootCaller
	self   common.Address
}

func NewRootRouter(client *RouterClient, root RootCaller, routerAddr common.Address) *RootRouter {
	return &RootRouter{client: client, root: root, self: routerAddr}
}

func (r *RootRouter) Execute(ctx context.Context, params []byte, srcChainID uint16) error {
	return r.call(ctx, RouterRequest{Method: MethodExecute, SrcChainID: srcChainID, Params: params})
}

func (r *RootRouter) ExecuteDeposit(ctx context.Context, params []byte, dp agent.DepositParams, srcChainID uint16) error {
	return r.call(ctx, depositRequest(MethodExecuteDeposit, params, dp, common.Address{}, srcChainID))
}

func (r *RootRouter) ExecuteDepositMultiple(ctx context.Context, params []byte, dp agent.DepositParams, srcChainID uint16) error {
	return r.call(ctx, depositRequest(MethodExecuteDepositMultiple, params, dp, common.Address{}, srcChainID))
}

func (r *RootRouter) ExecuteSigned(ctx context.Context, params []byte, account common.Address, srcChainID uint16) error {
	return r.call(ctx, RouterRequest{Method: MethodExecuteSigned, SrcChainID: srcChainID, Params: params, Account: account.Hex()})
}

func (r *RootRouter) ExecuteSignedDeposit(ctx context.Context, params []byte, dp agent.DepositParams, account common.Address, srcChainID uint16) error {
	return r.call(ctx, depositRequest(MethodExecuteSignedDeposit, params, dp, account, srcChainID))
}

func (r *RootRouter) ExecuteSignedDepositMultiple(ctx context.Context, params []byte, dp agent.DepositParams, account common.Address, srcChainID uint16) error {
	return r.call(ctx, depositRequest(MethodExecuteSignedDepositMultiple, params, dp, account, srcChainID))
}

func depositRequest(method string, params []byte, dp agent.DepositParams, account common.Address, src uint16) RouterRequest {
	req := RouterRequest{
		Method:     method,
		SrcChainID: src,
		Params:     params,
		Nonce:      dp.Nonce,
		Assets:     models.AssetsToJSON(dp.Assets),
	}
	if account != (common.Address{}) {
		req.Account = account.Hex()
	}
	return req
}

func (r *RootRouter) call(ctx context.Context, req RouterRequest) error {
	reply, err := r.client.Call(ctx, req)
	if err != nil {
		return err
	}
	for i, co := range reply.CallOuts {
		if err := r.callOut(ctx, co); err != nil {
			return fmt.Errorf("call-out %d: %w", i, err)
		}
	}
	return nil
}

func (r *RootRouter) callOut(ctx context.Context, co CallOutRequest) error {
	refundee, err := utils.ParseAddress(co.Refundee)
	if err != nil {
		return fmt.Errorf("refundee: %w", err)
	}
	gas, err := co.gas()
	if err != nil {
		return err
	}
	if len(co.Assets) == 0 {
		_, err = r.root.CallOut(ctx, r.self, refundee, co.DstChainID, co.Params, gas)
		return err
	}

	recipient, err := utils.ParseOptionalAddress(co.Recipient)
	if err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	amounts := make([]agent.TokenAmount, 0, len(co.Assets))
	for _, a := range co.Assets {
		ta, err := a.toAgent()
		if err != nil {
			return err
		}
		amounts = append(amounts, ta)
	}
	_, err = r.root.CallOutAndBridgeMultiple(ctx, r.self, refundee, recipient, co.DstChainID, co.Params, amounts, gas, co.Fallback)
	return err
}

func (co CallOutRequest) gas() (wire.GasParams, error) {
	limit, err := utils.ParseAmount(co.GasLimit)
	if err != nil {
		return wire.GasParams{}, fmt.Errorf("gas limit: %w", err)
	}
	remote, err := utils.ParseAmount(co.RemoteGas)
	if err != nil {
		return wire.GasParams{}, fmt.Errorf("remote gas: %w", err)
	}
	return wire.GasParams{GasLimit: limit, RemoteBranchExecutionGas: remote}, nil
}

func (a TokenAmountJSON) toAgent() (agent.TokenAmount, error) {
	token, err := utils.ParseAddress(a.GlobalToken)
	if err != nil {
		return agent.TokenAmount{}, fmt.Errorf("global token: %w", err)
	}
	amount, err := utils.ParseAmount(a.Amount)
	if err != nil {
		return agent.TokenAmount{}, err
	}
	deposit, err := utils.ParseAmount(a.Deposit)
	if err != nil {
		return agent.TokenAmount{}, err
	}
	return agent.TokenAmount{GlobalToken: token, Amount: amount, Deposit: deposit}, nil
}

// ============================================
// Branch router
// ============================================

// BranchRouter implements agent.BranchRouter on top of a RouterClient.
type BranchRouter struct {
	client *RouterClient
}

func NewBranchRouter(client *RouterClient) *BranchRouter {
	return &BranchRouter{client: client}
}

func (b *BranchRouter) ExecuteNoSettlement(ctx context.Context, params []byte, srcChainID uint16) error {
	_, err := b.client.Call(ctx, RouterRequest{Method: MethodExecuteNoSettlement, SrcChainID: srcChainID, Params: params})
	return err
}

func (b *BranchRouter) ExecuteSettlement(ctx context.Context, params []byte, sp agent.SettlementParams) error {
	return b.settlement(ctx, MethodExecuteSettlement, params, sp)
}

func (b *BranchRouter) ExecuteSettlementMultiple(ctx context.Context, params []byte, sp agent.SettlementParams) error {
	return b.settlement(ctx, MethodExecuteSettlementMultiple, params, sp)
}

func (b *BranchRouter) settlement(ctx context.Context, method string, params []byte, sp agent.SettlementParams) error {
	_, err := b.client.Call(ctx, RouterRequest{
		Method:    method,
		Params:    params,
		Nonce:     sp.Nonce,
		Recipient: sp.Recipient.Hex(),
		Assets:    models.AssetsToJSON(sp.Assets),
	})
	return err
}

// ============================================
// Local routers
// ============================================

// LogRouter accepts every execution and only logs it. It is installed
// when no router service is configured, so deposits and settlements
// still complete with their assets left at the credited accounts.
type LogRouter struct {
	log *logrus.Logger
}

func NewLogRouter(log *logrus.Logger) *LogRouter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogRouter{log: log}
}

func (l *LogRouter) accept(method string, src uint16, params []byte, nonce uint32, assets int) error {
	l.log.WithFields(logrus.Fields{
		"method": method,
		"src":    src,
		"nonce":  nonce,
		"params": len(params),
		"assets": assets,
	}).Info("📥 Execution accepted by local router")
	return nil
}

func (l *LogRouter) Execute(_ context.Context, params []byte, src uint16) error {
	return l.accept(MethodExecute, src, params, 0, 0)
}

func (l *LogRouter) ExecuteDeposit(_ context.Context, params []byte, dp agent.DepositParams, src uint16) error {
	return l.accept(MethodExecuteDeposit, src, params, dp.Nonce, len(dp.Assets))
}

func (l *LogRouter) ExecuteDepositMultiple(_ context.Context, params []byte, dp agent.DepositParams, src uint16) error {
	return l.accept(MethodExecuteDepositMultiple, src, params, dp.Nonce, len(dp.Assets))
}

func (l *LogRouter) ExecuteSigned(_ context.Context, params []byte, _ common.Address, src uint16) error {
	return l.accept(MethodExecuteSigned, src, params, 0, 0)
}

func (l *LogRouter) ExecuteSignedDeposit(_ context.Context, params []byte, dp agent.DepositParams, _ common.Address, src uint16) error {
	return l.accept(MethodExecuteSignedDeposit, src, params, dp.Nonce, len(dp.Assets))
}

func (l *LogRouter) ExecuteSignedDepositMultiple(_ context.Context, params []byte, dp agent.DepositParams, _ common.Address, src uint16) error {
	return l.accept(MethodExecuteSignedDepositMultiple, src, params, dp.Nonce, len(dp.Assets))
}

func (l *LogRouter) ExecuteNoSettlement(_ context.Context, params []byte, src uint16) error {
	return l.accept(MethodExecuteNoSettlement, src, params, 0, 0)
}

func (l *LogRouter) ExecuteSettlement(_ context.Context, params []byte, sp agent.SettlementParams) error {
	return l.accept(MethodExecuteSettlement, 0, params, sp.Nonce, len(sp.Assets))
}

func (l *LogRouter) ExecuteSettlementMultiple(_ context.Context, params []byte, sp agent.SettlementParams) error {
	return l.accept(MethodExecuteSettlementMultiple, 0, params, sp.Nonce, len(sp.Assets))
}

var (
	_ agent.RootRouter   = (*RootRouter)(nil)
	_ agent.BranchRouter = (*BranchRouter)(nil)
	_ agent.RootRouter   = (*LogRouter)(nil)
	_ agent.BranchRouter = (*LogRouter)(nil)
)

