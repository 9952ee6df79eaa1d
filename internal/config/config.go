package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"bridge-agent/internal/utils"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Agent    AgentConfig    `yaml:"agent"`
	Auth     AuthConfig     `yaml:"auth"`
	Admin    AdminConfig    `yaml:"admin"`
	CORS     CORSConfig     `yaml:"cors"`
	Log      LogConfig      `yaml:"log"`
	RPC      RPCConfig      `yaml:"rpc"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres | sqlite
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// NATSConfig NATS connection, transport subjects and event stream
type NATSConfig struct {
	URL             string `yaml:"url"`
	Timeout         int    `yaml:"timeout"` // seconds
	EnableJetStream bool   `yaml:"enable_jetstream"`
	StreamName      string `yaml:"stream_name"`
	MaxAgeHours     int    `yaml:"max_age_hours"`
	// SubjectPrefix roots transport subjects: <prefix>.<chain>.<agent>.
	SubjectPrefix string `yaml:"subject_prefix"`
	// EventSubject roots audit event subjects.
	EventSubject string `yaml:"event_subject"`
	// RouterSubject roots router request subjects; the router is called
	// in-process with a no-op router when empty.
	RouterSubject string `yaml:"router_subject"`
	RouterTimeout int    `yaml:"router_timeout"` // seconds
	// SigningKey is the hex secp256k1 key outbound envelopes are signed
	// with. Its address is the endpoint the receiving agents trust.
	SigningKey string `yaml:"signing_key"`
}

// AgentConfig selects which agents this process runs.
type AgentConfig struct {
	// Role is root, branch, or local. Local runs a root and a branch agent
	// in one process joined by the in-memory hub.
	Role   string            `yaml:"role"`
	Root   RootAgentConfig   `yaml:"root"`
	Branch BranchAgentConfig `yaml:"branch"`
	// Tokens seed the in-memory custody ledger.
	Tokens []TokenConfig `yaml:"tokens"`
}

type RootAgentConfig struct {
	ChainID                uint16            `yaml:"chainId"`
	Address                string            `yaml:"address"`
	Endpoint               string            `yaml:"endpoint"`
	Router                 string            `yaml:"router"`
	Manager                string            `yaml:"manager"`
	SafetyAccount          string            `yaml:"safetyAccount"`
	DelegationFactory      string            `yaml:"delegationFactory"`
	DelegationInitCodeHash string            `yaml:"delegationInitCodeHash"`
	Branches               map[uint16]string `yaml:"branches"`
}

type BranchAgentConfig struct {
	ChainID       uint16 `yaml:"chainId"`
	Address       string `yaml:"address"`
	Endpoint      string `yaml:"endpoint"`
	Router        string `yaml:"router"`
	SafetyAccount string `yaml:"safetyAccount"`
	Escrow        string `yaml:"escrow"`
	// RootChainID and RootAgent default to the root section in local mode.
	RootChainID uint16 `yaml:"rootChainId"`
	RootAgent   string `yaml:"rootAgent"`
}

// TokenConfig one hToken deployment on a branch chain
type TokenConfig struct {
	ChainID     uint16 `yaml:"chainId"`
	HToken      string `yaml:"hToken"`
	GlobalToken string `yaml:"globalToken"`
	Underlying  string `yaml:"underlying"`
}

// AuthConfig JWT configuration
type AuthConfig struct {
	JWTSecret     string `yaml:"jwtSecret"`
	TokenTTLHours int    `yaml:"tokenTtlHours"`
}

// AdminConfig Admin API access control configuration
type AdminConfig struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"passwordHash"` // bcrypt
	TOTPSecret   string   `yaml:"totpSecret"`
	AllowedIPs   []string `yaml:"allowedIPs"` // List of allowed IP addresses or CIDR ranges
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"` // seconds
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// RPCConfig node used to tell contracts from EOAs in owner checks
type RPCConfig struct {
	URL     string `yaml:"url"`
	Timeout int    `yaml:"timeout"` // seconds
}

const (
	RoleRoot   = "root"
	RoleBranch = "branch"
	RoleLocal  = "local"
)

var AppConfig *Config

// LoadConfig loads configPath (config.yaml, or config.local.yaml when
// present, if empty) into AppConfig.
func LoadConfig(configPath string) error {
	cfg, err := Load(configPath)
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Load reads, overrides from the environment, applies defaults and
// validates a configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return &cfg, nil
}

// overrideFromEnv Override configuration from environment variables
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if key := os.Getenv("NATS_SIGNING_KEY"); key != "" {
		config.NATS.SigningKey = key
	}
	if natsTimeout := os.Getenv("NATS_TIMEOUT"); natsTimeout != "" {
		if t, err := strconv.Atoi(natsTimeout); err == nil {
			config.NATS.Timeout = t
		}
	}

	if role := os.Getenv("AGENT_ROLE"); role != "" {
		config.Agent.Role = role
	}
	if chain := os.Getenv("ROOT_CHAIN_ID"); chain != "" {
		if c, err := strconv.ParseUint(chain, 10, 16); err == nil {
			config.Agent.Root.ChainID = uint16(c)
		}
	}
	if chain := os.Getenv("BRANCH_CHAIN_ID"); chain != "" {
		if c, err := strconv.ParseUint(chain, 10, 16); err == nil {
			config.Agent.Branch.ChainID = uint16(c)
		}
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}
	if user := os.Getenv("ADMIN_USERNAME"); user != "" {
		config.Admin.Username = user
	}
	if hash := os.Getenv("ADMIN_PASSWORD_HASH"); hash != "" {
		config.Admin.PasswordHash = hash
	}
	if totp := os.Getenv("ADMIN_TOTP_SECRET"); totp != "" {
		config.Admin.TOTPSecret = totp
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		origins := strings.Split(corsOrigins, ",")
		config.CORS.AllowedOrigins = make([]string, 0, len(origins))
		for _, origin := range origins {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				config.CORS.AllowedOrigins = append(config.CORS.AllowedOrigins, trimmed)
			}
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Log.Format = format
	}
	if rpcURL := os.Getenv("RPC_URL"); rpcURL != "" {
		config.RPC.URL = rpcURL
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.NATS.Timeout == 0 {
		c.NATS.Timeout = 10
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "bridge"
	}
	if c.NATS.EventSubject == "" {
		c.NATS.EventSubject = "bridge.events"
	}
	if c.NATS.RouterTimeout == 0 {
		c.NATS.RouterTimeout = 30
	}
	if c.NATS.EnableJetStream && c.NATS.StreamName == "" {
		c.NATS.StreamName = "BRIDGE"
	}
	if c.Auth.TokenTTLHours == 0 {
		c.Auth.TokenTTLHours = 24
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = 10
	}
	if c.Agent.Role == RoleLocal {
		if c.Agent.Branch.RootChainID == 0 {
			c.Agent.Branch.RootChainID = c.Agent.Root.ChainID
		}
		if c.Agent.Branch.RootAgent == "" {
			c.Agent.Branch.RootAgent = c.Agent.Root.Address
		}
	}
}

// RunsRoot reports whether this process hosts the root agent.
func (c *Config) RunsRoot() bool {
	return c.Agent.Role == RoleRoot || c.Agent.Role == RoleLocal
}

// RunsBranch reports whether this process hosts a branch agent.
func (c *Config) RunsBranch() bool {
	return c.Agent.Role == RoleBranch || c.Agent.Role == RoleLocal
}

// Validate rejects configurations an agent cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want postgres or sqlite", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	switch c.Agent.Role {
	case RoleRoot, RoleBranch:
		if c.NATS.URL == "" {
			errs = append(errs, fmt.Errorf("nats.url is required for role %s", c.Agent.Role))
		}
		if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.NATS.SigningKey, "0x")); err != nil {
			errs = append(errs, fmt.Errorf("nats.signing_key is required for role %s: %w", c.Agent.Role, err))
		}
	case RoleLocal:
	default:
		errs = append(errs, fmt.Errorf("agent.role %q: want root, branch or local", c.Agent.Role))
	}
	if c.RunsRoot() {
		errs = append(errs, c.Agent.Root.validate()...)
	}
	if c.RunsBranch() {
		errs = append(errs, c.Agent.Branch.validate()...)
	}
	if c.Agent.Role == RoleLocal && c.Agent.Root.ChainID == c.Agent.Branch.ChainID && c.Agent.Root.ChainID != 0 {
		// same-chain deployments are reached through loopback; the branch
		// must be registered under the root's own chain id
		if addr, ok := c.Agent.Root.Branches[c.Agent.Root.ChainID]; !ok || !strings.EqualFold(addr, c.Agent.Branch.Address) {
			errs = append(errs, errors.New("agent.root.branches must register the same-chain branch agent"))
		}
	}
	for i, t := range c.Agent.Tokens {
		if t.ChainID == 0 {
			errs = append(errs, fmt.Errorf("agent.tokens[%d].chainId is required", i))
		}
		errs = append(errs, requireAddress(fmt.Sprintf("agent.tokens[%d].hToken", i), t.HToken))
		errs = append(errs, requireAddress(fmt.Sprintf("agent.tokens[%d].globalToken", i), t.GlobalToken))
		errs = append(errs, requireAddress(fmt.Sprintf("agent.tokens[%d].underlying", i), t.Underlying))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required"))
	}
	if c.Admin.Username != "" && c.Admin.PasswordHash == "" {
		errs = append(errs, errors.New("admin.passwordHash is required when admin.username is set"))
	}
	return errors.Join(errs...)
}

func (c RootAgentConfig) validate() []error {
	errs := []error{
		requireAddress("agent.root.address", c.Address),
		requireAddress("agent.root.endpoint", c.Endpoint),
		requireAddress("agent.root.router", c.Router),
		requireAddress("agent.root.manager", c.Manager),
		optionalAddress("agent.root.safetyAccount", c.SafetyAccount),
		requireAddress("agent.root.delegationFactory", c.DelegationFactory),
	}
	if c.ChainID == 0 {
		errs = append(errs, errors.New("agent.root.chainId is required"))
	}
	if _, err := utils.ParseHash(c.DelegationInitCodeHash); err != nil {
		errs = append(errs, fmt.Errorf("agent.root.delegationInitCodeHash: %w", err))
	}
	for chain, addr := range c.Branches {
		errs = append(errs, requireAddress(fmt.Sprintf("agent.root.branches[%d]", chain), addr))
	}
	return errs
}

func (c BranchAgentConfig) validate() []error {
	errs := []error{
		requireAddress("agent.branch.address", c.Address),
		requireAddress("agent.branch.endpoint", c.Endpoint),
		requireAddress("agent.branch.router", c.Router),
		optionalAddress("agent.branch.safetyAccount", c.SafetyAccount),
		requireAddress("agent.branch.escrow", c.Escrow),
		requireAddress("agent.branch.rootAgent", c.RootAgent),
	}
	if c.ChainID == 0 {
		errs = append(errs, errors.New("agent.branch.chainId is required"))
	}
	if c.RootChainID == 0 {
		errs = append(errs, errors.New("agent.branch.rootChainId is required"))
	}
	return errs
}

func requireAddress(field, value string) error {
	if _, err := utils.ParseAddress(value); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

func optionalAddress(field, value string) error {
	if value == "" {
		return nil
	}
	return requireAddress(field, value)
}
