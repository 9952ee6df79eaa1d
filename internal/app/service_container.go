package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/clients"
	"bridge-agent/internal/config"
	"bridge-agent/internal/custody"
	"bridge-agent/internal/db"
	"bridge-agent/internal/events"
	"bridge-agent/internal/handlers"
	"bridge-agent/internal/repository"
	"bridge-agent/internal/router"
	"bridge-agent/internal/services"
	"bridge-agent/internal/transport"
)

// ServiceContainer owns every long-lived component of one agent process.
type ServiceContainer struct {
	Config *config.Config
	Log    *logrus.Logger

	// Database
	DB *gorm.DB

	// Repositories
	RecordRepo repository.RecordRepository
	EventRepo  repository.EventRepository

	// Custody and transport
	Ledger     *custody.Ledger
	Inspector  agent.AccountInspector
	NATSClient *clients.NATSClient
	Hub        *transport.Hub

	// Agents
	Root   *agent.RootAgent
	Branch *agent.BranchAgent

	// Event & push services
	Projector         *events.Projector
	PushService       *services.EventPushService
	MonitoringService *services.MonitoringService

	Tokens *handlers.TokenIssuer
	Server *http.Server

	signingKey *ecdsa.PrivateKey

	subs     []*nats.Subscription
	hubReady chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewContainer builds and restores every component without starting
// background work.
func NewContainer(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*ServiceContainer, error) {
	log.WithField("role", cfg.Agent.Role).Info("🚀 Initializing Service Container...")
	c := &ServiceContainer{Config: cfg, Log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"database", c.initDatabase},
		{"custody", c.initCustody},
		{"transport", c.initTransport},
		{"agents", c.initAgents},
		{"routers", c.initRouters},
		{"restore", c.restore},
		{"http", c.initHTTP},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	log.Info("✅ Service Container initialized successfully")
	return c, nil
}

func (c *ServiceContainer) initDatabase(_ context.Context) error {
	gdb, err := db.Open(c.Config.Database, c.Log)
	if err != nil {
		return err
	}
	c.DB = gdb
	if err := db.Migrate(gdb, c.Log); err != nil {
		return err
	}
	c.RecordRepo = repository.NewRecordRepository(gdb)
	c.EventRepo = repository.NewEventRepository(gdb)
	return nil
}

func (c *ServiceContainer) initCustody(ctx context.Context) error {
	c.Ledger = custody.NewLedger()
	for _, t := range c.Config.Agent.Tokens {
		c.Ledger.AddToken(t.ChainID, common.HexToAddress(t.HToken), common.HexToAddress(t.GlobalToken), common.HexToAddress(t.Underlying))
	}

	if c.Config.RPC.URL == "" {
		c.Log.Warn("⚠️ No rpc.url configured, owner checks use the local custody ledger")
		c.Inspector = c.Ledger
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(c.Config.RPC.Timeout)*time.Second)
	defer cancel()
	ins, err := custody.DialInspector(dialCtx, []string{c.Config.RPC.URL}, c.Log)
	if err != nil {
		return err
	}
	c.Inspector = ins
	return nil
}

func (c *ServiceContainer) initTransport(_ context.Context) error {
	if c.Config.Agent.Role == config.RoleLocal {
		c.Hub = transport.NewHub(c.Log)
		c.hubReady = make(chan struct{}, 1)
		c.Log.Info("🔁 Using in-process message hub")
	}
	if c.Config.NATS.URL == "" {
		return nil
	}

	opts := clients.NATSOptions{
		URL:     c.Config.NATS.URL,
		Name:    "bridge-agent-" + c.Config.Agent.Role,
		Timeout: time.Duration(c.Config.NATS.Timeout) * time.Second,
	}
	if c.Config.NATS.EnableJetStream {
		opts.StreamName = c.Config.NATS.StreamName
		opts.Subjects = []string{c.Config.NATS.SubjectPrefix + ".>", c.Config.NATS.EventSubject + ".>"}
		opts.MaxAge = time.Duration(c.Config.NATS.MaxAgeHours) * time.Hour
	}
	client, err := clients.NewNATSClient(opts, c.Log)
	if err != nil {
		return err
	}
	c.NATSClient = client

	if c.Hub == nil {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(c.Config.NATS.SigningKey, "0x"))
		if err != nil {
			return fmt.Errorf("parse nats.signing_key: %w", err)
		}
		c.signingKey = key
		c.Log.WithField("endpoint", crypto.PubkeyToAddress(key.PublicKey).Hex()).Info("🔑 Envelope signing key loaded")
	}
	return nil
}

// transportFor is the outbound path of agents on chainID.
func (c *ServiceContainer) transportFor(chainID uint16) agent.Transport {
	if c.Hub != nil {
		return &notifyingTransport{Transport: c.Hub.Port(chainID), ready: c.hubReady}
	}
	return transport.NewNATSTransport(c.NATSClient, c.Config.NATS.SubjectPrefix, chainID, c.signingKey, c.Log)
}

func (c *ServiceContainer) initAgents(_ context.Context) error {
	c.Projector = events.NewProjector(repository.NewStore(c.DB), c.Log)
	c.PushService = services.NewEventPushService(c.Config.CORS.AllowedOrigins, c.Log)
	sink := agent.MultiSink{c.PushService}
	if c.NATSClient != nil {
		sink = append(sink, events.NewNATSPublisher(c.NATSClient, c.Config.NATS.EventSubject, c.Log))
	}

	if c.Config.RunsRoot() {
		cfg := c.Config.Agent.Root.ToAgent()
		root, err := agent.NewRootAgent(cfg, agent.RootDeps{
			Port:      c.Ledger.Root(cfg.ChainID),
			Transport: c.transportFor(cfg.ChainID),
			Inspector: c.Inspector,
			Journal:   c.Projector,
			Events:    sink,
			Logger:    c.Log,
		})
		if err != nil {
			return err
		}
		c.Root = root
		if c.Hub != nil {
			c.Hub.Bind(cfg.ChainID, cfg.Self, cfg.Endpoint, root)
		}
	}

	if c.Config.RunsBranch() {
		cfg := c.Config.Agent.Branch.ToAgent()
		escrow := common.HexToAddress(c.Config.Agent.Branch.Escrow)
		branch, err := agent.NewBranchAgent(cfg, agent.BranchDeps{
			Port:      c.Ledger.Branch(cfg.ChainID, escrow),
			Transport: c.transportFor(cfg.ChainID),
			Journal:   c.Projector,
			Events:    sink,
			Logger:    c.Log,
		})
		if err != nil {
			return err
		}
		c.Branch = branch
		if c.Hub != nil {
			c.Hub.Bind(cfg.ChainID, cfg.Self, cfg.Endpoint, branch)
		}
	}
	return nil
}

func (c *ServiceContainer) initRouters(_ context.Context) error {
	nc := c.Config.NATS
	if nc.RouterSubject == "" || c.NATSClient == nil {
		c.Log.Warn("⚠️ No router subject configured, executions only log their params")
		logRouter := clients.NewLogRouter(c.Log)
		if c.Root != nil {
			c.Root.SetRouter(logRouter)
		}
		if c.Branch != nil {
			c.Branch.SetRouter(logRouter)
		}
		return nil
	}

	timeout := time.Duration(nc.RouterTimeout) * time.Second
	if c.Root != nil {
		cfg := c.Root.Config()
		client := clients.NewRouterClient(c.NATSClient, nc.RouterSubject, cfg.ChainID, timeout, c.Log)
		c.Root.SetRouter(clients.NewRootRouter(client, c.Root, cfg.Router))
	}
	if c.Branch != nil {
		client := clients.NewRouterClient(c.NATSClient, nc.RouterSubject, c.Branch.Config().ChainID, timeout, c.Log)
		c.Branch.SetRouter(clients.NewBranchRouter(client))
	}
	return nil
}

// restore reloads agent state persisted by the projector.
func (c *ServiceContainer) restore(ctx context.Context) error {
	if c.Root != nil {
		st, err := c.RecordRepo.LoadRootState(ctx, c.Root.Config().ChainID)
		if err != nil {
			return fmt.Errorf("load root state: %w", err)
		}
		c.Root.Restore(st)
		c.Log.WithFields(logrus.Fields{
			"settlements": len(st.Settlements),
			"next_nonce":  st.Ledger.Next,
		}).Info("♻️ Root agent state restored")
	}
	if c.Branch != nil {
		st, err := c.RecordRepo.LoadBranchState(ctx, c.Branch.Config().ChainID)
		if err != nil {
			return fmt.Errorf("load branch state: %w", err)
		}
		c.Branch.Restore(st)
		c.Log.WithFields(logrus.Fields{
			"deposits":   len(st.Deposits),
			"next_nonce": st.Ledger.Next,
		}).Info("♻️ Branch agent state restored")
	}
	return nil
}

func (c *ServiceContainer) initHTTP(_ context.Context) error {
	ttl := time.Duration(c.Config.Auth.TokenTTLHours) * time.Hour
	c.Tokens = handlers.NewTokenIssuer(c.Config.Auth.JWTSecret, ttl)

	h := router.Handlers{
		Health:    handlers.NewHealthHandler(c.DB, c.Config.Agent.Role),
		Auth:      handlers.NewAuthHandler(c.Tokens, c.Log),
		AdminAuth: handlers.NewAdminAuthHandler(c.Config.Admin, c.Tokens, c.Log),
		Events:    handlers.NewEventHandler(c.EventRepo, c.PushService, c.Log),
	}
	if c.Root != nil {
		h.Root = handlers.NewRootHandler(c.Root, c.RecordRepo, c.Log)
		h.Chains = handlers.NewChainConfigHandler(c.Root, c.Log)
	}
	if c.Branch != nil {
		h.Branch = handlers.NewBranchHandler(c.Branch, c.RecordRepo, c.Log)
	}

	engine := router.SetupRouter(c.Config, h, c.Tokens, c.Log)
	c.Server = &http.Server{
		Addr:              c.Config.Server.Host + ":" + strconv.Itoa(c.Config.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Start runs background services, subscribes the agents and serves HTTP.
// It returns once the listener fails or ctx is cancelled.
func (c *ServiceContainer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.PushService.Run(ctx)
	}()

	var deposits services.DepositSource
	var settlements services.SettlementSource
	if c.Branch != nil {
		deposits = c.Branch
	}
	if c.Root != nil {
		settlements = c.Root
	}
	c.MonitoringService = services.NewMonitoringService(c.DB, deposits, settlements, c.Log)
	c.MonitoringService.Start()

	if c.Hub != nil {
		c.wg.Add(1)
		go c.pumpHub(ctx)
	} else if err := c.subscribe(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		c.Log.WithField("addr", c.Server.Addr).Info("🌐 HTTP server listening")
		if err := c.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (c *ServiceContainer) subscribe() error {
	prefix := c.Config.NATS.SubjectPrefix
	if c.Root != nil {
		cfg := c.Root.Config()
		sub, err := transport.Serve(c.NATSClient, prefix, cfg.ChainID, cfg.Self, cfg.Endpoint, c.Root, c.Log)
		if err != nil {
			return fmt.Errorf("subscribe root agent: %w", err)
		}
		c.subs = append(c.subs, sub)
	}
	if c.Branch != nil {
		cfg := c.Branch.Config()
		sub, err := transport.Serve(c.NATSClient, prefix, cfg.ChainID, cfg.Self, cfg.Endpoint, c.Branch, c.Log)
		if err != nil {
			return fmt.Errorf("subscribe branch agent: %w", err)
		}
		c.subs = append(c.subs, sub)
	}
	c.Log.WithField("subscriptions", len(c.subs)).Info("📨 Agents subscribed")
	return nil
}

// pumpHub delivers hub messages whenever a send signals.
func (c *ServiceContainer) pumpHub(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.hubReady:
			for _, rc := range c.Hub.Flush(ctx) {
				if rc.Err != nil {
					c.Log.WithError(rc.Err).WithFields(logrus.Fields{
						"src_chain": rc.SrcChainID,
						"nonce":     rc.Nonce,
					}).Warn("⚠️ Delivery rolled back")
				}
			}
		}
	}
}

// Shutdown stops HTTP first, then subscriptions and background services.
func (c *ServiceContainer) Shutdown(ctx context.Context) error {
	c.Log.Info("🛑 Shutting down...")
	var errs []error
	if c.Server != nil {
		if err := c.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	// subscriptions are drained with the connection in Close; durable
	// consumers survive the restart
	if c.MonitoringService != nil {
		c.MonitoringService.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.Close()
	c.Log.Info("✅ Shutdown complete")
	return errors.Join(errs...)
}

// Close releases connections. Safe on a partially built container.
func (c *ServiceContainer) Close() {
	if c.NATSClient != nil {
		c.NATSClient.Close()
		c.NATSClient = nil
	}
	if c.DB != nil {
		if err := db.Close(c.DB); err != nil {
			c.Log.WithError(err).Warn("⚠️ Failed to close database")
		}
		c.DB = nil
	}
}

// notifyingTransport wakes the hub pump after every send.
type notifyingTransport struct {
	agent.Transport
	ready chan struct{}
}

func (t *notifyingTransport) Send(ctx context.Context, env agent.Envelope) error {
	if err := t.Transport.Send(ctx, env); err != nil {
		return err
	}
	select {
	case t.ready <- struct{}{}:
	default:
	}
	return nil
}
