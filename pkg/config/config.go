// Package config loads the perpd node configuration.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/settings"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration of a perpd node.
type Config struct {
	Node     Node      `yaml:"node"`
	Storage  Storage   `yaml:"storage"`
	RPC      RPC       `yaml:"rpc"`
	Metrics  Metrics   `yaml:"metrics"`
	Events   Events    `yaml:"events"`
	Oracle   Oracle    `yaml:"oracle"`
	Keeper   Keeper    `yaml:"keeper"`
	Roles    Roles     `yaml:"roles"`
	Settings Settings  `yaml:"settings"`
	Tokens   []Token   `yaml:"tokens"`
	Genesis  []Balance `yaml:"genesis"`
}

// Node identifies the process.
type Node struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	Admin    string `yaml:"admin"`
}

// Storage selects the database backend.
type Storage struct {
	DataDir   string `yaml:"data_dir"`
	Backend   string `yaml:"backend"` // badgerdb or memdb
	Namespace string `yaml:"namespace"`
}

// RPC holds the listener addresses. An empty address disables the listener.
type RPC struct {
	Addr   string `yaml:"addr"`
	WSAddr string `yaml:"ws_addr"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Events configures the NATS connection used for events and price updates.
type Events struct {
	NatsURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Oracle configures the price feeds.
type Oracle struct {
	PriceSubject   string            `yaml:"price_subject"`
	Decimals       uint8             `yaml:"decimals"`
	StaleThreshold time.Duration     `yaml:"stale_threshold"`
	MaxDeviation   string            `yaml:"max_deviation"`
	MinSources     int               `yaml:"min_sources"`
	Prices         map[string]string `yaml:"prices"` // token -> initial price
}

// Keeper configures the position-manager loop.
type Keeper struct {
	Enabled     bool          `yaml:"enabled"`
	Account     string        `yaml:"account"`
	Interval    time.Duration `yaml:"interval"`
	MarketBatch int           `yaml:"market_batch"`
}

// Roles grants privilege levels at startup.
type Roles struct {
	PositionManagers []string `yaml:"position_managers"`
	Liquidators      []string `yaml:"liquidators"`
	SettingsAdmins   []string `yaml:"settings_admins"`
}

// Settings are the initial global risk parameters. USD amounts are decimal
// dollar strings.
type Settings struct {
	Vault       string `yaml:"vault"`
	FeeManager  string `yaml:"fee_manager"`
	Team        string `yaml:"team"`
	VUSD        string `yaml:"vusd"`
	NativeToken string `yaml:"native_token"`

	ReferFee             uint64 `yaml:"refer_fee"`
	FeeRewardBasisPoints uint64 `yaml:"fee_reward_basis_points"`

	FundingInterval        time.Duration `yaml:"funding_interval"`
	CooldownDuration       time.Duration `yaml:"cooldown_duration"`
	CloseDeltaTime         time.Duration `yaml:"close_delta_time"`
	DelayDeltaTime         time.Duration `yaml:"delay_delta_time"`
	LiquidationPendingTime time.Duration `yaml:"liquidation_pending_time"`

	Bounty        Bounty `yaml:"bounty"`
	TriggerGasFee string `yaml:"trigger_gas_fee"` // raw native token units

	MaxOpenInterestLong    string `yaml:"max_open_interest_long"`
	MaxOpenInterestShort   string `yaml:"max_open_interest_short"`
	MaxOpenInterestPerUser string `yaml:"max_open_interest_per_user"`
}

// Bounty is the liquidation fee split in basis points.
type Bounty struct {
	Team        uint64 `yaml:"team"`
	FirstCaller uint64 `yaml:"first_caller"`
	Resolver    uint64 `yaml:"resolver"`
}

// Token lists a tradable token. Zero values take the listing defaults.
type Token struct {
	Address            string `yaml:"address"`
	Decimals           uint8  `yaml:"decimals"`
	MaxLeverage        uint64 `yaml:"max_leverage"`
	LiquidateThreshold uint64 `yaml:"liquidate_threshold"`
	MarginFeeLong      uint64 `yaml:"margin_fee_long"`
	MarginFeeShort     uint64 `yaml:"margin_fee_short"`
	FundingFactorLong  uint64 `yaml:"funding_factor_long"`
	FundingFactorShort uint64 `yaml:"funding_factor_short"`

	MaxOpenInterest      string `yaml:"max_open_interest"`
	MaxOpenInterestLong  string `yaml:"max_open_interest_long"`
	MaxOpenInterestShort string `yaml:"max_open_interest_short"`

	Deposit  bool `yaml:"deposit"`
	Withdraw bool `yaml:"withdraw"`
	Staking  bool `yaml:"staking"`
}

// Balance is a genesis allocation in raw token units.
type Balance struct {
	Token   string `yaml:"token"`
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
}

// Defaults returns a single-node development configuration.
func Defaults() Config {
	g := settings.DefaultGlobal()
	return Config{
		Node:    Node{Name: "perpd", LogLevel: "info"},
		Storage: Storage{DataDir: "data", Backend: "badgerdb", Namespace: "perps"},
		RPC:     RPC{Addr: ":8545", WSAddr: ":8546"},
		Metrics: Metrics{Enabled: true, Addr: ":9090"},
		Events:  Events{SubjectPrefix: "perps"},
		Oracle: Oracle{
			PriceSubject:   "perps.prices",
			Decimals:       8,
			StaleThreshold: 2 * time.Minute,
			MaxDeviation:   "0.05",
			MinSources:     1,
		},
		Keeper: Keeper{Enabled: true, Interval: time.Second, MarketBatch: 100},
		Settings: Settings{
			ReferFee:               g.ReferFee,
			FeeRewardBasisPoints:   g.FeeRewardBasisPoints,
			FundingInterval:        g.FundingInterval,
			CooldownDuration:       g.CooldownDuration,
			CloseDeltaTime:         g.CloseDeltaTime,
			LiquidationPendingTime: g.LiquidationPendingTime,
			Bounty:                 Bounty{Team: g.Bounty.Team, FirstCaller: g.Bounty.FirstCaller, Resolver: g.Bounty.Resolver},
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML file at path on top of Defaults and applies PERPD_*
// environment overrides. An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	// A missing .env is not an error.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every inconsistency in one error.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.Node.LogLevel)] {
		errs = append(errs, fmt.Sprintf("node: unknown log_level %q", c.Node.LogLevel))
	}
	if !isAddress(c.Node.Admin) {
		errs = append(errs, fmt.Sprintf("node: admin %q is not an address", c.Node.Admin))
	}
	if c.Storage.Backend != "badgerdb" && c.Storage.Backend != "memdb" {
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: badgerdb, memdb)", c.Storage.Backend))
	}
	if c.Storage.Backend == "badgerdb" && c.Storage.DataDir == "" {
		errs = append(errs, "storage: data_dir must be set for badgerdb")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must be set when enabled")
	}
	if c.Oracle.MaxDeviation != "" {
		if _, err := decimal.NewFromString(c.Oracle.MaxDeviation); err != nil {
			errs = append(errs, fmt.Sprintf("oracle: max_deviation %q: %v", c.Oracle.MaxDeviation, err))
		}
	}
	for tok, p := range c.Oracle.Prices {
		if !isAddress(tok) {
			errs = append(errs, fmt.Sprintf("oracle: price key %q is not an address", tok))
		}
		if d, err := decimal.NewFromString(p); err != nil || !d.IsPositive() {
			errs = append(errs, fmt.Sprintf("oracle: price %q of %s must be a positive decimal", p, tok))
		}
	}
	if c.Keeper.Enabled {
		if !isAddress(c.Keeper.Account) {
			errs = append(errs, fmt.Sprintf("keeper: account %q is not an address", c.Keeper.Account))
		}
		if c.Keeper.Interval <= 0 {
			errs = append(errs, "keeper: interval must be positive")
		}
	}
	for _, group := range [][]string{c.Roles.PositionManagers, c.Roles.Liquidators, c.Roles.SettingsAdmins} {
		for _, a := range group {
			if !isAddress(a) {
				errs = append(errs, fmt.Sprintf("roles: %q is not an address", a))
			}
		}
	}

	if _, err := c.Global(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(c.Tokens) == 0 {
		errs = append(errs, "tokens: at least one token must be listed")
	}
	seen := make(map[string]bool)
	for i := range c.Tokens {
		t := &c.Tokens[i]
		if seen[strings.ToLower(t.Address)] {
			errs = append(errs, fmt.Sprintf("tokens: %s listed twice", t.Address))
		}
		seen[strings.ToLower(t.Address)] = true
		if _, err := t.TokenConfig(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if _, err := c.GenesisBalances(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return errors.New("invalid config:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

func isAddress(s string) bool {
	return common.IsHexAddress(s)
}

func parseUSDCap(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := fixed.ParseUSD(s)
	if err != nil || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: %q is not a non-negative dollar amount", field, s)
	}
	return v, nil
}

func parseOptionalAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !isAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not an address", field, s)
	}
	return common.HexToAddress(s), nil
}

// Global converts the settings section to registry parameters.
func (c *Config) Global() (settings.Global, error) {
	s := &c.Settings
	g := settings.DefaultGlobal()

	var err error
	addrs := []struct {
		field string
		value string
		dst   *common.Address
	}{
		{"settings.vault", s.Vault, &g.Vault},
		{"settings.fee_manager", s.FeeManager, &g.FeeManager},
		{"settings.team", s.Team, &g.Team},
		{"settings.vusd", s.VUSD, &g.VUSD},
		{"settings.native_token", s.NativeToken, &g.NativeToken},
	}
	for _, a := range addrs {
		if *a.dst, err = parseOptionalAddress(a.field, a.value); err != nil {
			return g, err
		}
	}
	if g.VUSD == (common.Address{}) {
		return g, errors.New("settings: vusd must be set")
	}

	g.ReferFee = s.ReferFee
	g.FeeRewardBasisPoints = s.FeeRewardBasisPoints
	g.FundingInterval = s.FundingInterval
	g.CooldownDuration = s.CooldownDuration
	g.CloseDeltaTime = s.CloseDeltaTime
	g.DelayDeltaTime = s.DelayDeltaTime
	g.LiquidationPendingTime = s.LiquidationPendingTime
	g.Bounty = settings.BountyPercent{Team: s.Bounty.Team, FirstCaller: s.Bounty.FirstCaller, Resolver: s.Bounty.Resolver}

	if s.TriggerGasFee != "" {
		fee, ok := new(big.Int).SetString(s.TriggerGasFee, 10)
		if !ok || fee.Sign() < 0 {
			return g, fmt.Errorf("settings.trigger_gas_fee: %q is not a non-negative integer", s.TriggerGasFee)
		}
		g.TriggerGasFee = fee
	}
	if g.MaxOpenInterestLong, err = parseUSDCap("settings.max_open_interest_long", s.MaxOpenInterestLong); err != nil {
		return g, err
	}
	if g.MaxOpenInterestShort, err = parseUSDCap("settings.max_open_interest_short", s.MaxOpenInterestShort); err != nil {
		return g, err
	}
	if g.DefaultMaxOpenInterestPerUser, err = parseUSDCap("settings.max_open_interest_per_user", s.MaxOpenInterestPerUser); err != nil {
		return g, err
	}

	if err := settings.ValidateGlobal(&g); err != nil {
		return g, fmt.Errorf("settings: %w", err)
	}
	return g, nil
}

// TokenConfig converts a token entry to registry parameters.
func (t *Token) TokenConfig() (settings.TokenConfig, error) {
	if !isAddress(t.Address) {
		return settings.TokenConfig{}, fmt.Errorf("tokens: %q is not an address", t.Address)
	}
	cfg := settings.DefaultTokenConfig(common.HexToAddress(t.Address), t.Decimals)
	if t.MaxLeverage != 0 {
		cfg.MaxLeverage = t.MaxLeverage
	}
	if t.LiquidateThreshold != 0 {
		cfg.LiquidateThreshold = t.LiquidateThreshold
	}
	if t.MarginFeeLong != 0 {
		cfg.MarginFeeLong = t.MarginFeeLong
	}
	if t.MarginFeeShort != 0 {
		cfg.MarginFeeShort = t.MarginFeeShort
	}
	if t.FundingFactorLong != 0 {
		cfg.FundingRateFactorLong = t.FundingFactorLong
	}
	if t.FundingFactorShort != 0 {
		cfg.FundingRateFactorShort = t.FundingFactorShort
	}
	cfg.IsDeposit, cfg.IsWithdraw = t.Deposit, t.Withdraw
	cfg.IsStaking, cfg.IsUnstaking = t.Staking, t.Staking

	var err error
	field := "tokens[" + t.Address + "]"
	if cfg.MaxOpenInterestPerAsset, err = parseUSDCap(field+".max_open_interest", t.MaxOpenInterest); err != nil {
		return cfg, err
	}
	if cfg.MaxOpenInterestLong, err = parseUSDCap(field+".max_open_interest_long", t.MaxOpenInterestLong); err != nil {
		return cfg, err
	}
	if cfg.MaxOpenInterestShort, err = parseUSDCap(field+".max_open_interest_short", t.MaxOpenInterestShort); err != nil {
		return cfg, err
	}
	if err := settings.ValidateToken(&cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", field, err)
	}
	return cfg, nil
}

// Allocation is a parsed genesis balance.
type Allocation struct {
	Token   common.Address
	Account common.Address
	Amount  *big.Int
}

// GenesisBalances parses the genesis section.
func (c *Config) GenesisBalances() ([]Allocation, error) {
	out := make([]Allocation, 0, len(c.Genesis))
	for _, b := range c.Genesis {
		if !isAddress(b.Token) || !isAddress(b.Account) {
			return nil, fmt.Errorf("genesis: invalid allocation %s -> %s", b.Token, b.Account)
		}
		amount, ok := new(big.Int).SetString(b.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("genesis: amount %q must be a positive integer", b.Amount)
		}
		out = append(out, Allocation{
			Token:   common.HexToAddress(b.Token),
			Account: common.HexToAddress(b.Account),
			Amount:  amount,
		})
	}
	return out, nil
}

// Addresses parses a role list. Call after Validate.
func Addresses(list []string) []common.Address {
	out := make([]common.Address, len(list))
	for i, a := range list {
		out[i] = common.HexToAddress(a)
	}
	return out
}
