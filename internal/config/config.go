package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "arb"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyVenueDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("symbols", []string{"BTC", "ETH"})

	v.SetDefault("execution.maker_timeout", "45s")
	v.SetDefault("execution.maker_timeout_min", "5s")
	v.SetDefault("execution.maker_timeout_max", "90s")
	v.SetDefault("execution.poll_interval", "500ms")
	v.SetDefault("execution.max_reprices", 1)
	v.SetDefault("execution.post_only_retries", 3)
	v.SetDefault("execution.hedge_attempts", 3)
	v.SetDefault("execution.hedge_slippage", 0.0005)
	v.SetDefault("execution.hedge_slippage_step", 0.0005)
	v.SetDefault("execution.hedge_max_slippage", 0.003)
	v.SetDefault("execution.taker_fill_timeout", "8s")
	v.SetDefault("execution.rollback_delay", "3s")
	v.SetDefault("execution.rollback_attempts", 3)
	v.SetDefault("execution.rollback_slippage", 0.005)
	v.SetDefault("execution.rollback_slippage_step", 0.005)
	v.SetDefault("execution.rollback_max_slippage", 0.02)
	v.SetDefault("execution.escalate_to_taker", true)
	v.SetDefault("execution.escalate_slippage", 0.0015)
	v.SetDefault("execution.min_edge_apy", 0.05)
	v.SetDefault("execution.close_attempts", 3)
	v.SetDefault("execution.close_slippage", 0.005)
	v.SetDefault("execution.close_max_slippage", 0.02)
	v.SetDefault("execution.lock_timeout", "2s")

	v.SetDefault("resolver.status_retries", 3)
	v.SetDefault("resolver.retry_delay", "500ms")
	v.SetDefault("resolver.confirm_timeout", "5s")
	v.SetDefault("resolver.fill_lookback", "10m")

	v.SetDefault("reconcile.interval", "30s")
	v.SetDefault("reconcile.orphan_grace", "20s")
	v.SetDefault("reconcile.dust_qty", 0.0001)
	v.SetDefault("reconcile.close_orphans", true)

	v.SetDefault("gate.dedup_ttl", "750ms")
	v.SetDefault("gate.sweep_interval", "30s")
	v.SetDefault("gate.call_timeout", "30s")
	v.SetDefault("gate.rate_per_second", 10)
	v.SetDefault("gate.burst", 20)

	v.SetDefault("shutdown.timeout", "60s")
	v.SetDefault("shutdown.drain_timeout", "15s")
	v.SetDefault("shutdown.cancel_pass_delay", "1s")
	v.SetDefault("shutdown.close_orphans", false)
	v.SetDefault("shutdown.dust_qty", 0.0001)

	v.SetDefault("strategy.enabled", true)
	v.SetDefault("strategy.scan_interval", "1m")
	v.SetDefault("strategy.entry_apy", 0.15)
	v.SetDefault("strategy.exit_apy", 0.03)
	v.SetDefault("strategy.notional_usd", 500)
	v.SetDefault("strategy.max_hold", "168h")

	v.SetDefault("risk.max_open_trades", 5)
	v.SetDefault("risk.max_gross_notional", 10000)
	v.SetDefault("risk.max_daily_loss", 200)
	v.SetDefault("risk.daily_loss_reset_hour", 0)
	v.SetDefault("risk.enable_daily_stop_loss", true)

	v.SetDefault("database.path", "data/funding_arb.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8090)
}

// applyVenueDefaults 为列表形式的场所配置补齐默认值，viper 无法为切片元素设置默认值。
func applyVenueDefaults(cfg *Config) {
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		if v.Kind == "" {
			v.Kind = VenueKindCCXT
		}
		applyCredentialEnv(v)
		if v.Retry.MaxAttempts == 0 {
			v.Retry.MaxAttempts = 5
		}
		if v.Retry.MinDelay == 0 {
			v.Retry.MinDelay = 500 * time.Millisecond
		}
		if v.Retry.MaxDelay == 0 {
			v.Retry.MaxDelay = 5 * time.Second
		}
		if v.OrderBookDepth == 0 {
			v.OrderBookDepth = 20
		}
		if v.FundingInterval == 0 {
			if strings.EqualFold(v.Exchange, "hyperliquid") {
				v.FundingInterval = time.Hour
			} else {
				v.FundingInterval = 8 * time.Hour
			}
		}
		if v.RateLimit.RatePerSecond == 0 {
			v.RateLimit.RatePerSecond = cfg.Gate.RatePerSecond
		}
		if v.RateLimit.Burst == 0 {
			v.RateLimit.Burst = cfg.Gate.Burst
		}
		if v.Kind == VenueKindPaper {
			if v.Paper.Spread == 0 {
				v.Paper.Spread = 0.0002
			}
			if v.Paper.Depth == 0 {
				v.Paper.Depth = 50
			}
			if v.Paper.MakerFill == 0 {
				v.Paper.MakerFill = 1
			}
		}
	}
}

// applyCredentialEnv 凭证为空时从 ARB_<NAME>_API_KEY 等环境变量读取，列表元素无法走 viper 的 AutomaticEnv。
func applyCredentialEnv(v *VenueConfig) {
	prefix := strings.ToUpper(envPrefix + "_" + strings.NewReplacer("-", "_", ".", "_").Replace(v.Name) + "_")
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(prefix + key)
		}
	}
	fill(&v.APIKey, "API_KEY")
	fill(&v.APISecret, "API_SECRET")
	fill(&v.APIPass, "API_PASSWORD")
	fill(&v.Wallet, "WALLET_ADDRESS")
	fill(&v.PrivateKey, "PRIVATE_KEY")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
