// Package gate 为所有场所调用提供限流与短时去重。
package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"funding-arb/internal/config"
	"funding-arb/internal/metrics"
)

// Limit 单个场所的令牌桶参数。
type Limit struct {
	RatePerSecond float64
	Burst         int
}

// Options 控制限流与去重。
type Options struct {
	DedupTTL      time.Duration
	SweepInterval time.Duration
	// CallTimeout 合并调用的上限，合并调用不随单个调用方的 ctx 取消。
	CallTimeout time.Duration
	Default       Limit
	Venues        map[string]Limit
}

// OptionsFromConfig 从配置构造 Options。
func OptionsFromConfig(cfg config.GateConfig, venues []config.VenueConfig) Options {
	opts := Options{
		DedupTTL:      cfg.DedupTTL,
		SweepInterval: cfg.SweepInterval,
		CallTimeout:   cfg.CallTimeout,
		Default:       Limit{RatePerSecond: cfg.RatePerSecond, Burst: cfg.Burst},
		Venues:        make(map[string]Limit, len(venues)),
	}
	for _, v := range venues {
		opts.Venues[v.Name] = Limit{RatePerSecond: v.RateLimit.RatePerSecond, Burst: v.RateLimit.Burst}
	}
	return opts
}

type entry struct {
	value   interface{}
	expires time.Time
}

// Gate 维护每个场所的令牌桶与按签名的结果缓存。
type Gate struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	group   singleflight.Group
	cacheMu sync.Mutex
	cache   map[string]entry

	// epochs 每个场所的状态版本，写操作前后各递增一次
	epochMu sync.Mutex
	epochs  map[string]uint64

	lifecycleMu sync.Mutex
	stop        chan struct{}
	done        chan struct{}
}

// New 创建 Gate。
func New(opts Options, m *metrics.Metrics, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Default.RatePerSecond <= 0 {
		opts.Default.RatePerSecond = 10
	}
	if opts.Default.Burst <= 0 {
		opts.Default.Burst = 20
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Gate{
		opts:     opts,
		logger:   logger,
		metrics:  m,
		limiters: make(map[string]*rate.Limiter),
		cache:    make(map[string]entry),
		epochs:   make(map[string]uint64),
	}
}

func (g *Gate) limiter(venue string) *rate.Limiter {
	g.limitersMu.Lock()
	defer g.limitersMu.Unlock()

	if lim, ok := g.limiters[venue]; ok {
		return lim
	}
	l := g.opts.Default
	if custom, ok := g.opts.Venues[venue]; ok {
		if custom.RatePerSecond > 0 {
			l.RatePerSecond = custom.RatePerSecond
		}
		if custom.Burst > 0 {
			l.Burst = custom.Burst
		}
	}
	lim := rate.NewLimiter(rate.Limit(l.RatePerSecond), l.Burst)
	g.limiters[venue] = lim
	return lim
}

// Acquire 阻塞直到场所有足够容量或 ctx 结束。weight 超过桶容量时按桶容量计。
func (g *Gate) Acquire(ctx context.Context, venue string, weight int) error {
	lim := g.limiter(venue)
	if weight <= 0 {
		weight = 1
	}
	if b := lim.Burst(); weight > b {
		weight = b
	}

	start := time.Now()
	if err := lim.WaitN(ctx, weight); err != nil {
		return fmt.Errorf("gate: %s 等待限流失败: %w", venue, err)
	}
	waited := time.Since(start)
	g.metrics.ObserveGateWait(venue, waited)
	if waited > time.Second {
		g.logger.Debug("限流等待较久", zap.String("venue", venue), zap.Duration("wait", waited))
	}
	return nil
}

// IsDuplicate 签名在 TTL 内已有结果时返回 true 与缓存值。
func (g *Gate) IsDuplicate(signature string) (bool, interface{}) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()

	e, ok := g.cache[signature]
	if !ok {
		return false, nil
	}
	if time.Now().After(e.expires) {
		delete(g.cache, signature)
		return false, nil
	}
	return true, e.value
}

// Do 合并相同签名的并发调用，并在 ttl 内复用成功结果。ttl 为 0 时只合并在途调用。
// 带 Fresh 标记的 ctx 跳过缓存，但仍与其他 Fresh 调用合并。
// 只与同一状态版本内发起的调用合并；版本在调用期间变化时结果不写入缓存。
// 合并调用在 CallTimeout 内独立运行，调用方 ctx 取消只影响自己的等待。
func (g *Gate) Do(ctx context.Context, venue, signature string, weight int, ttl time.Duration, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	fresh := IsFresh(ctx)
	if !fresh && ttl > 0 {
		if hit, v := g.IsDuplicate(signature); hit {
			g.metrics.IncDedup(venue)
			return v, nil
		}
	}

	epoch := g.epoch(venue)
	key := fmt.Sprintf("%s@%d", signature, epoch)
	if fresh {
		key += "#fresh"
	}

	ch := g.group.DoChan(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.CallTimeout)
		defer cancel()
		if err := g.Acquire(callCtx, venue, weight); err != nil {
			return nil, err
		}
		val, err := fn(callCtx)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			g.store(venue, epoch, signature, val, ttl)
		}
		return val, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("gate: %s 等待调用结果: %w", venue, ctx.Err())
	case r := <-ch:
		if r.Shared {
			g.metrics.IncDedup(venue)
		}
		return r.Val, r.Err
	}
}

func (g *Gate) epoch(venue string) uint64 {
	g.epochMu.Lock()
	defer g.epochMu.Unlock()
	return g.epochs[venue]
}

// Advance 标记场所状态已变化并删除 prefixes 对应的缓存。
// 此前发起的读取不会再写入缓存，之后的读取也不会与其合并。
func (g *Gate) Advance(venue string, prefixes ...string) {
	g.epochMu.Lock()
	g.epochs[venue]++
	g.epochMu.Unlock()
	for _, p := range prefixes {
		g.Invalidate(p)
	}
}

// store 仅在状态版本未变化时写入缓存。
func (g *Gate) store(venue string, epoch uint64, signature string, value interface{}, ttl time.Duration) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	if g.epoch(venue) != epoch {
		return
	}
	g.cache[signature] = entry{value: value, expires: time.Now().Add(ttl)}
}

// Invalidate 删除所有以 prefix 开头的缓存项。
func (g *Gate) Invalidate(prefix string) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	for k := range g.cache {
		if strings.HasPrefix(k, prefix) {
			delete(g.cache, k)
		}
	}
}

// Sweep 清理过期缓存，返回删除数量。
func (g *Gate) Sweep() int {
	now := time.Now()
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	n := 0
	for k, e := range g.cache {
		if now.After(e.expires) {
			delete(g.cache, k)
			n++
		}
	}
	return n
}

// Start 启动后台清理。重复调用无效。
func (g *Gate) Start(ctx context.Context) {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	if g.stop != nil {
		return
	}
	g.stop = make(chan struct{})
	g.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(g.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if n := g.Sweep(); n > 0 {
					g.logger.Debug("清理过期去重缓存", zap.Int("evicted", n))
				}
			}
		}
	}(g.stop, g.done)
}

// Stop 停止后台清理并等待退出。
func (g *Gate) Stop() {
	g.lifecycleMu.Lock()
	stop, done := g.stop, g.done
	g.stop, g.done = nil, nil
	g.lifecycleMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

type freshKey struct{}

// Fresh 标记 ctx 需要绕过去重缓存读取最新数据。
func Fresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshKey{}, true)
}

// IsFresh ctx 是否带 Fresh 标记。
func IsFresh(ctx context.Context) bool {
	v, _ := ctx.Value(freshKey{}).(bool)
	return v
}
