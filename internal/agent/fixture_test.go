package agent_test

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/custody"
	"bridge-agent/internal/transport"
	"bridge-agent/internal/wire"
)

const (
	rootChain   uint16 = 1
	branchChain uint16 = 2
)

var (
	rootAddr       = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	branchAddr     = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	rootEndpoint   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	branchEndpoint = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	rootRouter     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	branchRouter   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	manager        = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	safety         = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	escrow         = common.HexToAddress("0x00000000000000000000000000000000000000f2")

	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000002")

	hToken      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	underlying  = common.HexToAddress("0x2000000000000000000000000000000000000001")
	global      = common.HexToAddress("0x3000000000000000000000000000000000000001")
	hToken2     = common.HexToAddress("0x1000000000000000000000000000000000000002")
	underlying2 = common.HexToAddress("0x2000000000000000000000000000000000000002")
	global2     = common.HexToAddress("0x3000000000000000000000000000000000000002")

	delegation = agent.Delegation{
		Factory:      common.HexToAddress("0x00000000000000000000000000000000000000fa"),
		InitCodeHash: crypto.Keccak256Hash([]byte("virtual-account")),
	}
)

// fakeRootRouter records calls and fails while fail is set.
type fakeRootRouter struct {
	mu       sync.Mutex
	root     *agent.RootAgent
	fail     error
	calls    []string
	deposits []agent.DepositParams
	accounts []common.Address
	approved []bool
	hook     func(ctx context.Context) error
}

func (f *fakeRootRouter) record(ctx context.Context, call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fail, hook := f.fail, f.hook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return fail
}

func (f *fakeRootRouter) signed(ctx context.Context, account common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, account)
	f.approved = append(f.approved, f.root.Approved(ctx, account))
}

func (f *fakeRootRouter) Execute(ctx context.Context, _ []byte, _ uint16) error {
	return f.record(ctx, "execute")
}

func (f *fakeRootRouter) ExecuteDeposit(ctx context.Context, _ []byte, dp agent.DepositParams, _ uint16) error {
	f.mu.Lock()
	f.deposits = append(f.deposits, dp)
	f.mu.Unlock()
	return f.record(ctx, "deposit")
}

func (f *fakeRootRouter) ExecuteDepositMultiple(ctx context.Context, _ []byte, dp agent.DepositParams, _ uint16) error {
	f.mu.Lock()
	f.deposits = append(f.deposits, dp)
	f.mu.Unlock()
	return f.record(ctx, "deposit_multiple")
}

func (f *fakeRootRouter) ExecuteSigned(ctx context.Context, _ []byte, account common.Address, _ uint16) error {
	f.signed(ctx, account)
	return f.record(ctx, "signed")
}

func (f *fakeRootRouter) ExecuteSignedDeposit(ctx context.Context, _ []byte, dp agent.DepositParams, account common.Address, _ uint16) error {
	f.signed(ctx, account)
	f.mu.Lock()
	f.deposits = append(f.deposits, dp)
	f.mu.Unlock()
	return f.record(ctx, "signed_deposit")
}

func (f *fakeRootRouter) ExecuteSignedDepositMultiple(ctx context.Context, _ []byte, dp agent.DepositParams, account common.Address, _ uint16) error {
	f.signed(ctx, account)
	f.mu.Lock()
	f.deposits = append(f.deposits, dp)
	f.mu.Unlock()
	return f.record(ctx, "signed_deposit_multiple")
}

func (f *fakeRootRouter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeBranchRouter struct {
	mu          sync.Mutex
	fail        error
	calls       []string
	settlements []agent.SettlementParams
}

func (f *fakeBranchRouter) ExecuteNoSettlement(context.Context, []byte, uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "no_settlement")
	return f.fail
}

func (f *fakeBranchRouter) ExecuteSettlement(_ context.Context, _ []byte, sp agent.SettlementParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "settlement")
	f.settlements = append(f.settlements, sp)
	return f.fail
}

func (f *fakeBranchRouter) ExecuteSettlementMultiple(_ context.Context, _ []byte, sp agent.SettlementParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "settlement_multiple")
	f.settlements = append(f.settlements, sp)
	return f.fail
}

type captureSink struct {
	mu     sync.Mutex
	events []agent.Event
}

func (c *captureSink) Publish(_ context.Context, ev agent.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) kinds(role agent.Role) []agent.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []agent.EventKind
	for _, ev := range c.events {
		if ev.Role == role {
			out = append(out, ev.Kind)
		}
	}
	return out
}

// hookedRootPort lets a test run code in the middle of a custody call.
type hookedRootPort struct {
	*custody.RootView
	onMove func(ctx context.Context) error
}

func (p *hookedRootPort) MoveToBranch(ctx context.Context, depositor, globalToken common.Address, amount, deposit *big.Int, dst uint16) error {
	if p.onMove != nil {
		if err := p.onMove(ctx); err != nil {
			return err
		}
	}
	return p.RootView.MoveToBranch(ctx, depositor, globalToken, amount, deposit, dst)
}

type fixture struct {
	ctx          context.Context
	hub          *transport.Hub
	ledger       *custody.Ledger
	port         *hookedRootPort
	root         *agent.RootAgent
	branch       *agent.BranchAgent
	rootRouter   *fakeRootRouter
	branchRouter *fakeBranchRouter
	sink         *captureSink
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:          context.Background(),
		ledger:       custody.NewLedger(),
		rootRouter:   &fakeRootRouter{},
		branchRouter: &fakeBranchRouter{},
		sink:         &captureSink{},
	}
	log := quietLogger()
	f.hub = transport.NewHub(log)
	f.ledger.AddToken(branchChain, hToken, global, underlying)
	f.ledger.AddToken(branchChain, hToken2, global2, underlying2)
	f.port = &hookedRootPort{RootView: f.ledger.Root(rootChain)}

	var err error
	f.root, err = agent.NewRootAgent(agent.RootConfig{
		ChainID:       rootChain,
		Self:          rootAddr,
		Endpoint:      rootEndpoint,
		Router:        rootRouter,
		Manager:       manager,
		SafetyAccount: safety,
		Delegation:    delegation,
		Branches:      map[uint16]common.Address{branchChain: branchAddr},
	}, agent.RootDeps{
		Port:      f.port,
		Transport: f.hub.Port(rootChain),
		Inspector: f.ledger,
		Events:    f.sink,
		Logger:    log,
	})
	require.NoError(t, err)
	f.rootRouter.root = f.root
	f.root.SetRouter(f.rootRouter)

	f.branch, err = agent.NewBranchAgent(agent.BranchConfig{
		ChainID:       branchChain,
		Self:          branchAddr,
		Endpoint:      branchEndpoint,
		RootChainID:   rootChain,
		RootAgent:     rootAddr,
		Router:        branchRouter,
		SafetyAccount: safety,
	}, agent.BranchDeps{
		Port:      f.ledger.Branch(branchChain, escrow),
		Transport: f.hub.Port(branchChain),
		Events:    f.sink,
		Logger:    log,
	})
	require.NoError(t, err)
	f.branch.SetRouter(f.branchRouter)

	f.hub.Bind(rootChain, rootAddr, rootEndpoint, f.root)
	f.hub.Bind(branchChain, branchAddr, branchEndpoint, f.branch)
	return f
}

func (f *fixture) balance(chain uint16, token, account common.Address) int64 {
	return f.ledger.Balance(chain, token, account).Int64()
}

func amount(a, d int64) (*big.Int, *big.Int) {
	return big.NewInt(a), big.NewInt(d)
}

func asset(h, u common.Address, a, d int64) wire.Asset {
	am, dep := amount(a, d)
	return wire.Asset{HToken: h, Token: u, Amount: am, Deposit: dep}
}

func tokenAmount(g common.Address, a, d int64) agent.TokenAmount {
	am, dep := amount(a, d)
	return agent.TokenAmount{GlobalToken: g, Amount: am, Deposit: dep}
}

var noGas = wire.GasParams{}

// rootPath is the path of a delivery from the branch to the root.
func rootPath() []byte {
	return append(append([]byte(nil), branchAddr.Bytes()...), rootAddr.Bytes()...)
}

func branchPath() []byte {
	return append(append([]byte(nil), rootAddr.Bytes()...), branchAddr.Bytes()...)
}
