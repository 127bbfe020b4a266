// Package ccxtvenue 基于 ccxt 实现 venue.Adapter，支持 Hyperliquid（链上）与 Binance USDⓈ-M。
package ccxtvenue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"funding-arb/internal/config"
	"funding-arb/internal/venue"
)

// exchangeAPI 为 ccxt 客户端的最小子集，便于测试替换。
type exchangeAPI interface {
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	FetchMyTrades(options ...ccxt.FetchMyTradesOptions) ([]ccxt.Trade, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	FetchFundingRate(symbol string, options ...ccxt.FetchFundingRateOptions) (ccxt.FundingRate, error)
}

// marketLoader 加载市场元数据并返回指定交易对的原始描述。
type marketLoader func(symbol string) (map[string]interface{}, error)

type dialect struct {
	postOnlyTIF string
	iocTIF      string
	// hexClientID Hyperliquid 要求 0x 开头的 128 位十六进制 cloid
	hexClientID bool
}

var dialects = map[string]dialect{
	"hyperliquid": {postOnlyTIF: "Alo", iocTIF: "Ioc", hexClientID: true},
	"binanceusdm": {postOnlyTIF: "GTX", iocTIF: "IOC"},
}

// Client 负责与交易所交互并实现重试机制。
type Client struct {
	cfg     config.VenueConfig
	logger  *zap.Logger
	api     exchangeAPI
	load    marketLoader
	dialect dialect
	reverse map[string]string

	marketsMu sync.Mutex
	markets   map[string]venue.MarketInfo
}

var _ venue.Adapter = (*Client)(nil)

// New 按配置构造 ccxt 场所客户端。
func New(cfg config.VenueConfig, logger *zap.Logger) (*Client, error) {
	api, load, err := newExchange(cfg)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, api, load, logger), nil
}

func newClient(cfg config.VenueConfig, api exchangeAPI, load marketLoader, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	reverse := make(map[string]string, len(cfg.Symbols))
	for canonical, venueSymbol := range cfg.Symbols {
		reverse[venueSymbol] = strings.ToUpper(canonical)
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With(zap.String("venue", cfg.Name)),
		api:     api,
		load:    load,
		dialect: dialects[strings.ToLower(cfg.Exchange)],
		reverse: reverse,
		markets: make(map[string]venue.MarketInfo),
	}
}

func newExchange(cfg config.VenueConfig) (exchangeAPI, marketLoader, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	switch strings.ToLower(cfg.Exchange) {
	case "hyperliquid":
		if cfg.Wallet != "" {
			userConfig["walletAddress"] = cfg.Wallet
		}
		if cfg.PrivateKey != "" {
			userConfig["privateKey"] = cfg.PrivateKey
		}
		ex := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		load := func(symbol string) (map[string]interface{}, error) {
			if _, err := ex.LoadMarkets(); err != nil {
				return nil, err
			}
			m, _ := ex.Market(symbol).(map[string]interface{})
			return m, nil
		}
		return ex, load, nil
	case "binanceusdm":
		userConfig["options"] = map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		}
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		load := func(symbol string) (map[string]interface{}, error) {
			if _, err := ex.LoadMarkets(); err != nil {
				return nil, err
			}
			m, _ := ex.Market(symbol).(map[string]interface{})
			return m, nil
		}
		return ex, load, nil
	default:
		return nil, nil, fmt.Errorf("ccxtvenue: 不支持的交易所 %q", cfg.Exchange)
	}
}

// Name 场所名称。
func (c *Client) Name() string {
	return c.cfg.Name
}

func (c *Client) venueSymbol(symbol string) string {
	return c.cfg.VenueSymbol(symbol)
}

// canonical 将场所符号还原为标准交易对，未配置时取基础币种。
func (c *Client) canonical(venueSymbol string) string {
	if s, ok := c.reverse[venueSymbol]; ok {
		return s
	}
	base := venueSymbol
	if i := strings.IndexAny(base, "/:"); i > 0 {
		base = base[:i]
	}
	return strings.ToUpper(base)
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	return c.call(ctx, operation, c.cfg.Retry.MaxAttempts, fn)
}

func (c *Client) call(ctx context.Context, operation string, maxAttempts int, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, venue.ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			level := c.logger.Warn
			if retry {
				level = c.logger.Error
			}
			level("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// classifyError 将 ccxt 错误映射到 venue 错误分类，第二个返回值表示可否重试。
func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		message := strings.TrimSpace(ccxtErr.Message)
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return fmt.Errorf("%w: %s", venue.ErrTransient, message), true
		case ccxt.OnMaintenanceErrType:
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", venue.ErrMaintenance, message), false
		case ccxt.OrderNotFoundErrType:
			return fmt.Errorf("%w: %s", venue.ErrOrderNotFound, message), false
		case ccxt.OrderImmediatelyFillableErrType:
			return fmt.Errorf("%w: %s", venue.ErrPostOnlyWouldCross, message), false
		case ccxt.BadSymbolErrType:
			return fmt.Errorf("%w: %s", venue.ErrInvalidSymbol, message), false
		case ccxt.InvalidOrderErrType:
			return classifyInvalidOrder(message), false
		case ccxt.InsufficientFundsErrType:
			return fmt.Errorf("%w: %s", venue.ErrRejected, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", venue.ErrTransient, err), true
	}

	return err, false
}

func classifyInvalidOrder(message string) error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "post only"),
		strings.Contains(lower, "post-only"),
		strings.Contains(lower, "would immediately"),
		strings.Contains(lower, "alo"):
		return fmt.Errorf("%w: %s", venue.ErrPostOnlyWouldCross, message)
	case strings.Contains(lower, "minimum"),
		strings.Contains(lower, "min notional"),
		strings.Contains(lower, "too small"):
		return fmt.Errorf("%w: %s", venue.ErrBelowMinNotional, message)
	case strings.Contains(lower, "unknown order"),
		strings.Contains(lower, "does not exist"):
		return fmt.Errorf("%w: %s", venue.ErrOrderNotFound, message)
	default:
		return fmt.Errorf("%w: %s", venue.ErrRejected, message)
	}
}
