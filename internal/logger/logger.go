package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig はロガーの設定
type LogConfig struct {
	Level    string `yaml:"level" mapstructure:"level"`         // debug, info, warn, error
	Format   string `yaml:"format" mapstructure:"format"`       // json または console
	File     string `yaml:"file" mapstructure:"file"`           // 空ならファイルに出力しない
	MaxBytes int64  `yaml:"max_bytes" mapstructure:"max_bytes"` // ローテーションするサイズ
	Backups  int    `yaml:"backups" mapstructure:"backups"`     // 残す世代数
	Console  bool   `yaml:"console" mapstructure:"console"`     // 標準エラー出力にも書く
}

// DefaultLogConfig はデフォルトのロガー設定を返す
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:    "info",
		Format:   "console",
		MaxBytes: 10 << 20,
		Backups:  3,
		Console:  true,
	}
}

// Logger は出力先のファイルを所有する zap.Logger
type Logger struct {
	*zap.Logger
	closers []io.Closer
}

// New は設定からロガーを作成する。
// 標準出力はレポートの出力に使うため、コンソールへのログは標準エラー出力に書く。
func New(cfg LogConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "console", "text":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("不明なログ形式: %s", cfg.Format)
	}

	var (
		syncers []zapcore.WriteSyncer
		closers []io.Closer
	)
	if cfg.File != "" {
		w, err := NewRotatingFileWriter(cfg.File, cfg.MaxBytes, cfg.Backups)
		if err != nil {
			return nil, err
		}
		syncers = append(syncers, w)
		closers = append(closers, w)
	}
	if cfg.Console || len(syncers) == 0 {
		syncers = append(syncers, zapcore.Lock(os.Stderr))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), level)
	return &Logger{Logger: zap.New(core), closers: closers}, nil
}

// Close はバッファを書き出してファイルを閉じる
func (l *Logger) Close() error {
	_ = l.Sync()
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ParseLevel はログレベルの文字列を解釈する。空文字は info
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("不明なログレベル: %s", s)
	}
	return level, nil
}
