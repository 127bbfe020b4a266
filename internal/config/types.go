package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// 支持的场所实现。
const (
	VenueKindCCXT  = "ccxt"
	VenueKindPaper = "paper"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Venues    []VenueConfig   `mapstructure:"venues"`
	Symbols   []string        `mapstructure:"symbols"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Gate      GateConfig      `mapstructure:"gate"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// VenueConfig 描述单个永续合约场所。
type VenueConfig struct {
	Name            string            `mapstructure:"name"`
	Kind            string            `mapstructure:"kind"`
	Exchange        string            `mapstructure:"exchange"`
	APIKey          string            `mapstructure:"api_key"`
	APISecret       string            `mapstructure:"api_secret"`
	APIPass         string            `mapstructure:"api_password"`
	Wallet          string            `mapstructure:"wallet_address"`
	PrivateKey      string            `mapstructure:"private_key"`
	UseSandbox      bool              `mapstructure:"use_sandbox"`
	Symbols         map[string]string `mapstructure:"symbols"`
	OrderBookDepth  int               `mapstructure:"order_book_depth"`
	FundingInterval time.Duration     `mapstructure:"funding_interval"`
	Retry           RetryConfig       `mapstructure:"retry"`
	RateLimit       RateLimitConfig   `mapstructure:"rate_limit"`
	Paper           PaperConfig       `mapstructure:"paper"`
}

// VenueSymbol 返回标准交易对在该场所的符号，未配置时原样返回。
func (v VenueConfig) VenueSymbol(symbol string) string {
	if s, ok := v.Symbols[strings.ToLower(symbol)]; ok && s != "" {
		return s
	}
	if s, ok := v.Symbols[symbol]; ok && s != "" {
		return s
	}
	return symbol
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RateLimitConfig 描述场所的令牌桶参数。
type RateLimitConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// PaperConfig 模拟场所参数，仅在 kind=paper 时使用。
type PaperConfig struct {
	Prices       map[string]float64 `mapstructure:"prices"`
	FundingRates map[string]float64 `mapstructure:"funding_rates"`
	Spread       float64            `mapstructure:"spread"`
	Depth        float64            `mapstructure:"depth"`
	TickSize     float64            `mapstructure:"tick_size"`
	StepSize     float64            `mapstructure:"step_size"`
	MinNotional  float64            `mapstructure:"min_notional"`
	MakerFee     float64            `mapstructure:"maker_fee"`
	TakerFee     float64            `mapstructure:"taker_fee"`
	MakerFill    float64            `mapstructure:"maker_fill_ratio"`
}

// ExecutionConfig 控制双腿对冲执行。
type ExecutionConfig struct {
	MakerTimeout         time.Duration `mapstructure:"maker_timeout"`
	MakerTimeoutMin      time.Duration `mapstructure:"maker_timeout_min"`
	MakerTimeoutMax      time.Duration `mapstructure:"maker_timeout_max"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	MaxReprices          int           `mapstructure:"max_reprices"`
	PostOnlyRetries      int           `mapstructure:"post_only_retries"`
	HedgeAttempts        int           `mapstructure:"hedge_attempts"`
	HedgeSlippage        float64       `mapstructure:"hedge_slippage"`
	HedgeSlippageStep    float64       `mapstructure:"hedge_slippage_step"`
	HedgeMaxSlippage     float64       `mapstructure:"hedge_max_slippage"`
	TakerFillTimeout     time.Duration `mapstructure:"taker_fill_timeout"`
	RollbackDelay        time.Duration `mapstructure:"rollback_delay"`
	RollbackAttempts     int           `mapstructure:"rollback_attempts"`
	RollbackSlippage     float64       `mapstructure:"rollback_slippage"`
	RollbackSlippageStep float64       `mapstructure:"rollback_slippage_step"`
	RollbackMaxSlippage  float64       `mapstructure:"rollback_max_slippage"`
	EscalateToTaker      bool          `mapstructure:"escalate_to_taker"`
	EscalateSlippage     float64       `mapstructure:"escalate_slippage"`
	MinEdgeAPY           float64       `mapstructure:"min_edge_apy"`
	CloseAttempts        int           `mapstructure:"close_attempts"`
	CloseSlippage        float64       `mapstructure:"close_slippage"`
	CloseMaxSlippage     float64       `mapstructure:"close_max_slippage"`
	LockTimeout          time.Duration `mapstructure:"lock_timeout"`
}

// ResolverConfig 控制模糊订单状态的判定。
type ResolverConfig struct {
	StatusRetries  int           `mapstructure:"status_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	FillLookback   time.Duration `mapstructure:"fill_lookback"`
}

// ReconcileConfig 控制对账监控。
type ReconcileConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	OrphanGrace  time.Duration `mapstructure:"orphan_grace"`
	DustQty      float64       `mapstructure:"dust_qty"`
	CloseOrphans bool          `mapstructure:"close_orphans"`
}

// GateConfig 控制限流与请求去重。
type GateConfig struct {
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// ShutdownConfig 控制退出流程。
type ShutdownConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	CancelPassDelay time.Duration `mapstructure:"cancel_pass_delay"`
	CloseOrphans    bool          `mapstructure:"close_orphans"`
	DustQty         float64       `mapstructure:"dust_qty"`
}

// StrategyConfig 控制资金费率机会扫描。
type StrategyConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	EntryAPY     float64       `mapstructure:"entry_apy"`
	ExitAPY      float64       `mapstructure:"exit_apy"`
	NotionalUSD  float64       `mapstructure:"notional_usd"`
	MaxHold      time.Duration `mapstructure:"max_hold"`
}

// RiskConfig 管理开仓风控参数。
type RiskConfig struct {
	MaxOpenTrades       int     `mapstructure:"max_open_trades"`
	MaxGrossNotional    float64 `mapstructure:"max_gross_notional"`
	MaxDailyLoss        float64 `mapstructure:"max_daily_loss"`
	DailyLossResetHour  int     `mapstructure:"daily_loss_reset_hour"`
	EnableDailyStopLoss bool    `mapstructure:"enable_daily_stop_loss"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
	// Components 按组件覆盖日志级别，键为 logger 名称，例如 gate: warn
	Components map[string]string `mapstructure:"components"`
}

// ServerConfig 控制运维 HTTP 接口。
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DryRun 所有场所均为模拟场所时为 true。
func (c *Config) DryRun() bool {
	if len(c.Venues) == 0 {
		return false
	}
	for _, v := range c.Venues {
		if v.Kind != VenueKindPaper {
			return false
		}
	}
	return true
}

// Venue 按名称查找场所配置。
func (c *Config) Venue(name string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return VenueConfig{}, false
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if len(c.Venues) != 2 {
		err = multierr.Append(err, fmt.Errorf("venues 必须恰好配置两个场所，当前 %d 个", len(c.Venues)))
	}
	seen := make(map[string]struct{}, len(c.Venues))
	for i, v := range c.Venues {
		err = multierr.Append(err, v.validate(i))
		key := strings.ToLower(v.Name)
		if _, dup := seen[key]; dup && key != "" {
			err = multierr.Append(err, fmt.Errorf("venues[%d].name %q 重复", i, v.Name))
		}
		seen[key] = struct{}{}
	}
	if len(c.Symbols) == 0 {
		err = multierr.Append(err, errors.New("symbols 至少包含一个交易对"))
	}

	e := c.Execution
	if e.MakerTimeout <= 0 || e.MakerTimeoutMin <= 0 || e.MakerTimeoutMax <= 0 {
		err = multierr.Append(err, errors.New("execution.maker_timeout* 必须为正"))
	}
	if e.MakerTimeoutMin > e.MakerTimeoutMax {
		err = multierr.Append(err, errors.New("execution.maker_timeout_min 不能大于 maker_timeout_max"))
	}
	if e.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("execution.poll_interval 必须大于0"))
	}
	if e.MaxReprices < 0 || e.PostOnlyRetries < 0 {
		err = multierr.Append(err, errors.New("execution.max_reprices 与 post_only_retries 不能为负"))
	}
	if e.HedgeAttempts <= 0 || e.RollbackAttempts <= 0 || e.CloseAttempts <= 0 {
		err = multierr.Append(err, errors.New("execution.*_attempts 必须大于0"))
	}
	if e.HedgeSlippage < 0 || e.HedgeMaxSlippage < e.HedgeSlippage || e.HedgeMaxSlippage > 0.2 {
		err = multierr.Append(err, errors.New("execution.hedge_slippage 应位于[0, hedge_max_slippage] 且上限不超过0.2"))
	}
	if e.RollbackSlippage < 0 || e.RollbackMaxSlippage < e.RollbackSlippage || e.RollbackMaxSlippage > 0.2 {
		err = multierr.Append(err, errors.New("execution.rollback_slippage 应位于[0, rollback_max_slippage] 且上限不超过0.2"))
	}
	if e.CloseSlippage < 0 || e.CloseMaxSlippage < e.CloseSlippage || e.CloseMaxSlippage > 0.2 {
		err = multierr.Append(err, errors.New("execution.close_slippage 应位于[0, close_max_slippage] 且上限不超过0.2"))
	}
	if e.TakerFillTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.taker_fill_timeout 必须大于0"))
	}
	if e.RollbackDelay < 0 {
		err = multierr.Append(err, errors.New("execution.rollback_delay 不能为负"))
	}
	if e.LockTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.lock_timeout 必须大于0"))
	}

	if c.Resolver.StatusRetries <= 0 {
		err = multierr.Append(err, errors.New("resolver.status_retries 必须大于0"))
	}
	if c.Resolver.ConfirmTimeout <= 0 {
		err = multierr.Append(err, errors.New("resolver.confirm_timeout 必须大于0"))
	}
	if c.Resolver.FillLookback <= 0 {
		err = multierr.Append(err, errors.New("resolver.fill_lookback 必须大于0"))
	}

	if c.Reconcile.Interval <= 0 {
		err = multierr.Append(err, errors.New("reconcile.interval 必须大于0"))
	}
	if c.Reconcile.OrphanGrace < 0 {
		err = multierr.Append(err, errors.New("reconcile.orphan_grace 不能为负"))
	}

	if c.Gate.DedupTTL < 0 {
		err = multierr.Append(err, errors.New("gate.dedup_ttl 不能为负"))
	}
	if c.Gate.RatePerSecond <= 0 || c.Gate.Burst <= 0 {
		err = multierr.Append(err, errors.New("gate.rate_per_second 与 gate.burst 必须大于0"))
	}

	if c.Shutdown.Timeout <= 0 || c.Shutdown.DrainTimeout <= 0 {
		err = multierr.Append(err, errors.New("shutdown.timeout 与 drain_timeout 必须大于0"))
	}
	if c.Shutdown.DrainTimeout > c.Shutdown.Timeout {
		err = multierr.Append(err, errors.New("shutdown.drain_timeout 不能大于 timeout"))
	}

	if c.Strategy.Enabled {
		if c.Strategy.ScanInterval <= 0 {
			err = multierr.Append(err, errors.New("strategy.scan_interval 必须大于0"))
		}
		if c.Strategy.NotionalUSD <= 0 {
			err = multierr.Append(err, errors.New("strategy.notional_usd 必须大于0"))
		}
		if c.Strategy.ExitAPY >= c.Strategy.EntryAPY {
			err = multierr.Append(err, errors.New("strategy.exit_apy 必须小于 entry_apy"))
		}
	}

	if c.Risk.MaxOpenTrades <= 0 {
		err = multierr.Append(err, errors.New("risk.max_open_trades 必须大于0"))
	}
	if c.Risk.MaxGrossNotional <= 0 {
		err = multierr.Append(err, errors.New("risk.max_gross_notional 必须大于0"))
	}
	if c.Risk.EnableDailyStopLoss && (c.Risk.DailyLossResetHour < 0 || c.Risk.DailyLossResetHour > 23) {
		err = multierr.Append(err, errors.New("risk.daily_loss_reset_hour 必须位于[0,23]"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	for name, lvl := range c.Logging.Components {
		if _, perr := zapcore.ParseLevel(lvl); perr != nil {
			err = multierr.Append(err, fmt.Errorf("logging.components.%s: %w", name, perr))
		}
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	return nil
}

func (v VenueConfig) validate(i int) error {
	var err error
	prefix := fmt.Sprintf("venues[%d]", i)

	if v.Name == "" {
		err = multierr.Append(err, fmt.Errorf("%s.name 不能为空", prefix))
	}
	switch v.Kind {
	case VenueKindCCXT:
		switch strings.ToLower(v.Exchange) {
		case "hyperliquid":
			if v.Wallet == "" || v.PrivateKey == "" {
				err = multierr.Append(err, fmt.Errorf("%s: hyperliquid 需要配置 wallet_address 与 private_key", prefix))
			}
		case "binanceusdm":
			if v.APIKey == "" || v.APISecret == "" {
				err = multierr.Append(err, fmt.Errorf("%s: binanceusdm 需要配置 api_key 与 api_secret", prefix))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("%s.exchange 不支持 %q", prefix, v.Exchange))
		}
		if v.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s.retry.max_attempts 必须大于0", prefix))
		}
		if v.Retry.MinDelay <= 0 || v.Retry.MaxDelay <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s.retry.delay 必须为正", prefix))
		}
		if v.Retry.MinDelay > v.Retry.MaxDelay {
			err = multierr.Append(err, fmt.Errorf("%s.retry.min_delay 不能大于 max_delay", prefix))
		}
	case VenueKindPaper:
		if v.Paper.TickSize <= 0 || v.Paper.StepSize <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s.paper.tick_size 与 step_size 必须大于0", prefix))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("%s.kind 必须为 ccxt 或 paper", prefix))
	}
	if v.RateLimit.RatePerSecond < 0 || v.RateLimit.Burst < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.rate_limit 不能为负", prefix))
	}
	if v.FundingInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.funding_interval 必须大于0", prefix))
	}
	return err
}
