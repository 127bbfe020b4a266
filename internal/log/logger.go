package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"funding-arb/internal/config"
)

// NewLogger 根据配置创建 zap.Logger。fields 附加到每条日志，通常是运行环境与模拟模式标记。
// logging.components 可为单个组件单独指定级别，组件名即 logger 名称的前缀。
func NewLogger(cfg config.LoggingConfig, fields ...zap.Field) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("log: 解析日志级别失败: %w", err)
	}
	components, err := parseComponents(cfg.Components)
	if err != nil {
		return nil, err
	}

	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stdout"}
	}
	if len(cfg.ErrorOutputPaths) == 0 {
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.NameKey = "logger"
	encoderConfig.FunctionKey = zapcore.OmitKey
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if cfg.Encoding == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// 核心级别取所有组件中最低的一个，具体过滤交给 componentCore
	floor := level
	for _, l := range components {
		if l < floor {
			floor = l
		}
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(floor),
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: cfg.ErrorOutputPaths,
		InitialFields:    map[string]interface{}{"service": "funding-arb"},
	}

	opts := []zap.Option{zap.AddCaller()}
	if len(components) > 0 || floor != level {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return newComponentCore(core, level, components)
		}))
	}
	logger, err := zapCfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("log: 创建日志实例失败: %w", err)
	}
	return logger.With(fields...), nil
}

func parseComponents(raw map[string]string) (map[string]zapcore.Level, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]zapcore.Level, len(raw))
	for name, lvl := range raw {
		l, err := zapcore.ParseLevel(strings.ToLower(lvl))
		if err != nil {
			return nil, fmt.Errorf("log: 组件 %s 日志级别无效: %w", name, err)
		}
		out[strings.ToLower(name)] = l
	}
	return out, nil
}

// componentCore 按 logger 名称选择级别：先匹配完整名称，再逐级匹配前缀，都没有时使用默认级别。
type componentCore struct {
	zapcore.Core
	base   zapcore.Level
	levels map[string]zapcore.Level
}

func newComponentCore(core zapcore.Core, base zapcore.Level, levels map[string]zapcore.Level) zapcore.Core {
	return &componentCore{Core: core, base: base, levels: levels}
}

func (c *componentCore) With(fields []zapcore.Field) zapcore.Core {
	return &componentCore{Core: c.Core.With(fields), base: c.base, levels: c.levels}
}

func (c *componentCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Level < c.threshold(ent.LoggerName) {
		return ce
	}
	return c.Core.Check(ent, ce)
}

func (c *componentCore) threshold(name string) zapcore.Level {
	name = strings.ToLower(name)
	for name != "" {
		if l, ok := c.levels[name]; ok {
			return l
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return c.base
}
