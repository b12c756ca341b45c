// Package config loads the custody engine's settings from the environment.
// The resulting Config is passed explicitly to every component; nothing
// reads the environment after startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Polygon mainnet defaults.
const (
	DefaultChainID      = 137
	DefaultRPCURL       = "https://polygon-rpc.com"
	DefaultCLOBHost     = "https://clob.polymarket.com"
	DefaultRelayerHost  = "https://relayer-v2.polymarket.com"
	DefaultInitCodeHash = "0x2bce2127ff07fb632d16c8347c4ebf501f4841168bed00d9e6ef715ddb6fcecf"
)

var ErrMissingMasterKey = errors.New("config: MASTER_ENCRYPTION_KEY is required")

// Contracts holds the on-chain addresses the engine talks to.
type Contracts struct {
	Collateral       common.Address // USDC.e, 6 decimals
	ConditionalToken common.Address // ERC-1155 outcome tokens
	Exchange         common.Address
	NegRiskExchange  common.Address
	NegRiskAdapter   common.Address
	SafeFactory      common.Address
	SafeInitCodeHash common.Hash
}

// Operators returns every contract that must be approved to move the
// proxy's collateral and outcome tokens.
func (c Contracts) Operators() []common.Address {
	return []common.Address{c.Exchange, c.NegRiskExchange, c.NegRiskAdapter}
}

// DefaultContracts returns the Polygon mainnet deployment.
func DefaultContracts() Contracts {
	return Contracts{
		Collateral:       common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"),
		ConditionalToken: common.HexToAddress("0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"),
		Exchange:         common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"),
		NegRiskExchange:  common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a"),
		NegRiskAdapter:   common.HexToAddress("0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"),
		SafeFactory:      common.HexToAddress("0xaacFeEa03eb1561C4e67d661e40682Bd20E3541b"),
		SafeInitCodeHash: common.HexToHash(DefaultInitCodeHash),
	}
}

// Builder holds the relayer's builder API credentials.
type Builder struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Configured reports whether all three builder credentials are present.
func (b Builder) Configured() bool {
	return b.APIKey != "" && b.Secret != "" && b.Passphrase != ""
}

// Commission controls the operator fee skimmed from filled trades.
type Commission struct {
	Rate             decimal.Decimal
	Minimum          decimal.Decimal
	OperatorWallet   common.Address
	GasSponsorKey    string
	GasSponsorAmount decimal.Decimal // native units sent to a sender short on gas
	MinGasBalance    decimal.Decimal // native units below which sponsorship kicks in
	Workers          int
	ReconcileEvery   time.Duration
}

// Config is the full process configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	RedisTTL    time.Duration

	ChainID     int64
	RPCURL      string
	CLOBHost    string
	RelayerHost string
	Contracts   Contracts
	Builder     Builder

	MasterKey     string
	KDFIterations int

	Commission Commission

	MinOrderValue decimal.Decimal
	// TradesPerMinute caps order submissions per user, including manual
	// resubmissions after a terminal failure.
	TradesPerMinute int

	APIToken   string
	AdminToken string

	RPCTimeout          time.Duration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration

	// OrderSyncEvery is how often resting orders are polled for fills.
	OrderSyncEvery time.Duration
	MarketCacheTTL time.Duration
}

// Default returns a Config populated with every default value. The master
// key is left empty.
func Default() Config {
	return Config{
		Port:        "8080",
		RedisTTL:    30 * time.Second,
		ChainID:     DefaultChainID,
		RPCURL:      DefaultRPCURL,
		CLOBHost:    DefaultCLOBHost,
		RelayerHost: DefaultRelayerHost,
		Contracts:   DefaultContracts(),

		KDFIterations: 600_000,

		Commission: Commission{
			Rate:             decimal.RequireFromString("0.01"),
			Minimum:          decimal.RequireFromString("0.01"),
			GasSponsorAmount: decimal.RequireFromString("0.01"),
			MinGasBalance:    decimal.RequireFromString("0.005"),
			Workers:          4,
			ReconcileEvery:   5 * time.Minute,
		},

		MinOrderValue:   decimal.NewFromInt(1),
		TradesPerMinute: 5,

		RPCTimeout:          15 * time.Second,
		ConfirmTimeout:      60 * time.Second,
		ConfirmPollInterval: 3 * time.Second,

		OrderSyncEvery: 30 * time.Second,
		MarketCacheTTL: time.Minute,
	}
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary key lookup, applying
// defaults for anything unset.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	cfg.Port = r.str("PORT", cfg.Port)
	cfg.DatabaseURL = r.str("DATABASE_URL", "")
	cfg.RedisURL = r.str("REDIS_URL", "")
	cfg.RedisTTL = r.duration("REDIS_TTL", cfg.RedisTTL)

	cfg.ChainID = int64(r.integer("CHAIN_ID", int(cfg.ChainID)))
	cfg.RPCURL = r.str("RPC_URL", cfg.RPCURL)
	cfg.CLOBHost = strings.TrimRight(r.str("CLOB_HOST", cfg.CLOBHost), "/")
	cfg.RelayerHost = strings.TrimRight(r.str("RELAYER_HOST", cfg.RelayerHost), "/")

	cfg.Contracts.Collateral = r.address("COLLATERAL_TOKEN", cfg.Contracts.Collateral)
	cfg.Contracts.ConditionalToken = r.address("CONDITIONAL_TOKEN", cfg.Contracts.ConditionalToken)
	cfg.Contracts.Exchange = r.address("EXCHANGE_ADDRESS", cfg.Contracts.Exchange)
	cfg.Contracts.NegRiskExchange = r.address("NEG_RISK_EXCHANGE_ADDRESS", cfg.Contracts.NegRiskExchange)
	cfg.Contracts.NegRiskAdapter = r.address("NEG_RISK_ADAPTER_ADDRESS", cfg.Contracts.NegRiskAdapter)
	cfg.Contracts.SafeFactory = r.address("SAFE_FACTORY_ADDRESS", cfg.Contracts.SafeFactory)
	if v, ok := lookup("SAFE_INIT_CODE_HASH"); ok && v != "" {
		cfg.Contracts.SafeInitCodeHash = common.HexToHash(v)
	}

	cfg.Builder = Builder{
		APIKey:     r.str("BUILDER_API_KEY", ""),
		Secret:     r.str("BUILDER_SECRET", ""),
		Passphrase: r.str("BUILDER_PASSPHRASE", ""),
	}

	cfg.MasterKey = r.str("MASTER_ENCRYPTION_KEY", "")
	cfg.KDFIterations = r.integer("KDF_ITERATIONS", cfg.KDFIterations)

	cfg.Commission.Rate = r.decimal("COMMISSION_RATE", cfg.Commission.Rate)
	cfg.Commission.Minimum = r.decimal("MIN_COMMISSION", cfg.Commission.Minimum)
	cfg.Commission.OperatorWallet = r.address("OPERATOR_WALLET", common.Address{})
	cfg.Commission.GasSponsorKey = r.str("GAS_SPONSOR_PRIVATE_KEY", "")
	cfg.Commission.GasSponsorAmount = r.decimal("GAS_SPONSOR_AMOUNT", cfg.Commission.GasSponsorAmount)
	cfg.Commission.MinGasBalance = r.decimal("MIN_GAS_BALANCE", cfg.Commission.MinGasBalance)
	cfg.Commission.Workers = r.integer("COMMISSION_WORKERS", cfg.Commission.Workers)
	cfg.Commission.ReconcileEvery = r.duration("RECONCILE_INTERVAL", cfg.Commission.ReconcileEvery)

	cfg.MinOrderValue = r.decimal("MIN_ORDER_VALUE", cfg.MinOrderValue)
	cfg.TradesPerMinute = r.integer("TRADE_RATE_LIMIT", cfg.TradesPerMinute)

	cfg.APIToken = r.str("API_TOKEN", "")
	cfg.AdminToken = r.str("ADMIN_TOKEN", "")

	cfg.RPCTimeout = r.duration("RPC_TIMEOUT", cfg.RPCTimeout)
	cfg.ConfirmTimeout = r.duration("CONFIRM_TIMEOUT", cfg.ConfirmTimeout)
	cfg.ConfirmPollInterval = r.duration("CONFIRM_POLL_INTERVAL", cfg.ConfirmPollInterval)
	cfg.OrderSyncEvery = r.duration("ORDER_SYNC_INTERVAL", cfg.OrderSyncEvery)
	cfg.MarketCacheTTL = r.duration("MARKET_CACHE_TTL", cfg.MarketCacheTTL)

	if r.err != nil {
		return Config{}, r.err
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.MasterKey == "" {
		return ErrMissingMasterKey
	}
	if c.Commission.Rate.IsNegative() || c.Commission.Rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: COMMISSION_RATE must be in [0,1), got %s", c.Commission.Rate)
	}
	if c.Commission.Workers < 1 {
		return fmt.Errorf("config: COMMISSION_WORKERS must be positive, got %d", c.Commission.Workers)
	}
	if c.ConfirmPollInterval <= 0 || c.ConfirmTimeout < c.ConfirmPollInterval {
		return fmt.Errorf("config: CONFIRM_TIMEOUT (%s) must be at least CONFIRM_POLL_INTERVAL (%s)",
			c.ConfirmTimeout, c.ConfirmPollInterval)
	}
	if c.KDFIterations < 1 {
		return fmt.Errorf("config: KDF_ITERATIONS must be positive, got %d", c.KDFIterations)
	}
	return nil
}

// reader collects the first parse error so FromLookup stays linear.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) fail(key, v string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("config: invalid %s=%q: %w", key, v, err)
	}
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) address(key string, def common.Address) common.Address {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	if !common.IsHexAddress(v) {
		r.fail(key, v, errors.New("not a hex address"))
		return def
	}
	return common.HexToAddress(v)
}
