package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"camprobe/internal/camera"
	"camprobe/internal/logger"
	"camprobe/internal/preview"
)

// EnvPrefix は設定を上書きする環境変数の接頭辞
const EnvPrefix = "CAMPROBE"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig     `yaml:"server" mapstructure:"server"`
	Camera  CameraConfig     `yaml:"camera" mapstructure:"camera"`
	Suite   SuiteConfig      `yaml:"suite" mapstructure:"suite"`
	Preview PreviewConfig    `yaml:"preview" mapstructure:"preview"`
	Log     logger.LogConfig `yaml:"log" mapstructure:"log"`
	History HistoryConfig    `yaml:"history" mapstructure:"history"`
	Publish PublishConfig    `yaml:"publish" mapstructure:"publish"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"` // リッスンするホスト
	Port int    `yaml:"port" mapstructure:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`         // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`       // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"` // 終了待ち
}

// CameraConfig は試験対象のカメラの設定
type CameraConfig struct {
	Index    int    `yaml:"index" mapstructure:"index"`       // /dev/videoN の N
	Driver   string `yaml:"driver" mapstructure:"driver"`     // v4l2 または synthetic
	DevDir   string `yaml:"dev_dir" mapstructure:"dev_dir"`   // デバイスノードのディレクトリ
	Identity string `yaml:"identity" mapstructure:"identity"` // レポートに載せるカメラ名。空なら自動

	// 接続時の設定
	Width  int    `yaml:"width" mapstructure:"width"`
	Height int    `yaml:"height" mapstructure:"height"`
	FPS    int    `yaml:"fps" mapstructure:"fps"`
	Format string `yaml:"format" mapstructure:"format"`

	WatchInterval time.Duration `yaml:"watch_interval" mapstructure:"watch_interval"` // 切断検知のポーリング間隔
}

// SuiteConfig はテスト実行の設定
type SuiteConfig struct {
	Tests           []string      `yaml:"tests" mapstructure:"tests"`     // 空ならすべて
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"` // 0 ならテストごとの既定値
	GracePeriod     time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
	InterTestDelay  time.Duration `yaml:"inter_test_delay" mapstructure:"inter_test_delay"`
	ImageDir        string        `yaml:"image_dir" mapstructure:"image_dir"`
	FrameRateWindow time.Duration `yaml:"frame_rate_window" mapstructure:"frame_rate_window"`
	PowerWindow     time.Duration `yaml:"power_window" mapstructure:"power_window"`
	USBFrames       int           `yaml:"usb_frames" mapstructure:"usb_frames"`
	SettleDelay     time.Duration `yaml:"settle_delay" mapstructure:"settle_delay"`
	PowerSupplyDir  string        `yaml:"power_supply_dir" mapstructure:"power_supply_dir"`
}

// PreviewConfig はライブプレビューの設定
type PreviewConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval       time.Duration `yaml:"interval" mapstructure:"interval"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	CaptureTimeout time.Duration `yaml:"capture_timeout" mapstructure:"capture_timeout"`
}

// HistoryConfig は実行履歴の保存先
type HistoryConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // memory, postgres, mysql
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
	Limit  int    `yaml:"limit" mapstructure:"limit"` // 一覧の最大件数
}

// PublishConfig はレポートの送信先
type PublishConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"` // 空なら送信しない
	Token   string        `yaml:"token" mapstructure:"token"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Retries int           `yaml:"retries" mapstructure:"retries"`
}

// DefaultConfig はデフォルトの設定を返す
func DefaultConfig() *Config {
	p := preview.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Camera: CameraConfig{
			Index:         0,
			Driver:        camera.DriverV4L2,
			DevDir:        "/dev",
			Width:         640,
			Height:        480,
			FPS:           30,
			Format:        "MJPG",
			WatchInterval: time.Second,
		},
		Suite: SuiteConfig{
			Tests:           []string{},
			GracePeriod:     2 * time.Second,
			InterTestDelay:  500 * time.Millisecond,
			ImageDir:        "test_images",
			FrameRateWindow: 3 * time.Second,
			PowerWindow:     5 * time.Second,
			USBFrames:       10,
			SettleDelay:     500 * time.Millisecond,
			PowerSupplyDir:  "/sys/class/power_supply",
		},
		Preview: PreviewConfig{
			Enabled:        true,
			Interval:       p.Interval,
			AcquireTimeout: p.AcquireTimeout,
			CaptureTimeout: p.CaptureTimeout,
		},
		Log: logger.DefaultLogConfig(),
		History: HistoryConfig{
			Driver: "memory",
			Limit:  50,
		},
		Publish: PublishConfig{
			Timeout: 10 * time.Second,
			Retries: 2,
		},
	}
}

// Load は設定を読み込む。
// デフォルト値、設定ファイル、CAMPROBE_ で始まる環境変数の順に上書きする。
// path が空の場合はカレントディレクトリと ~/.config/camprobe の camprobe.yaml を探し、なければデフォルト値を使う。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	} else {
		v.SetConfigName("camprobe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/camprobe")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// setDefaults は環境変数で上書きできるようにすべてのキーを登録する
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"server.host":             d.Server.Host,
		"server.port":             d.Server.Port,
		"server.read_timeout":     d.Server.ReadTimeout,
		"server.write_timeout":    d.Server.WriteTimeout,
		"server.shutdown_timeout": d.Server.ShutdownTimeout,

		"camera.index":          d.Camera.Index,
		"camera.driver":         d.Camera.Driver,
		"camera.dev_dir":        d.Camera.DevDir,
		"camera.identity":       d.Camera.Identity,
		"camera.width":          d.Camera.Width,
		"camera.height":         d.Camera.Height,
		"camera.fps":            d.Camera.FPS,
		"camera.format":         d.Camera.Format,
		"camera.watch_interval": d.Camera.WatchInterval,

		"suite.tests":             d.Suite.Tests,
		"suite.timeout":           d.Suite.Timeout,
		"suite.grace_period":      d.Suite.GracePeriod,
		"suite.inter_test_delay":  d.Suite.InterTestDelay,
		"suite.image_dir":         d.Suite.ImageDir,
		"suite.frame_rate_window": d.Suite.FrameRateWindow,
		"suite.power_window":      d.Suite.PowerWindow,
		"suite.usb_frames":        d.Suite.USBFrames,
		"suite.settle_delay":      d.Suite.SettleDelay,
		"suite.power_supply_dir":  d.Suite.PowerSupplyDir,

		"preview.enabled":         d.Preview.Enabled,
		"preview.interval":        d.Preview.Interval,
		"preview.acquire_timeout": d.Preview.AcquireTimeout,
		"preview.capture_timeout": d.Preview.CaptureTimeout,

		"log.level":     d.Log.Level,
		"log.format":    d.Log.Format,
		"log.file":      d.Log.File,
		"log.max_bytes": d.Log.MaxBytes,
		"log.backups":   d.Log.Backups,
		"log.console":   d.Log.Console,

		"history.driver": d.History.Driver,
		"history.dsn":    d.History.DSN,
		"history.limit":  d.History.Limit,

		"publish.url":     d.Publish.URL,
		"publish.token":   d.Publish.Token,
		"publish.timeout": d.Publish.Timeout,
		"publish.retries": d.Publish.Retries,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	// カメラ設定の検証
	if c.Camera.Index < 0 {
		errs = append(errs, fmt.Errorf("無効なカメラ番号: %d", c.Camera.Index))
	}
	switch c.Camera.Driver {
	case camera.DriverV4L2, camera.DriverSynthetic:
	default:
		errs = append(errs, fmt.Errorf("不明なドライバー: %q", c.Camera.Driver))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, fmt.Errorf("無効なフレームレート: %d", c.Camera.FPS))
	}

	// テスト実行の検証
	if c.Suite.Timeout < 0 {
		errs = append(errs, fmt.Errorf("無効なタイムアウト: %s", c.Suite.Timeout))
	}
	if c.Suite.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("無効な猶予時間: %s", c.Suite.GracePeriod))
	}

	if c.Preview.Enabled && c.Preview.Interval <= 0 {
		errs = append(errs, fmt.Errorf("無効なプレビュー間隔: %s", c.Preview.Interval))
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	switch c.History.Driver {
	case "memory":
	case "postgres", "mysql":
		if c.History.DSN == "" {
			errs = append(errs, fmt.Errorf("%s の履歴にはDSNが必要です", c.History.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("不明な履歴ドライバー: %q", c.History.Driver))
	}

	if c.Publish.URL != "" {
		u, err := url.Parse(c.Publish.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("無効な送信先URL: %q", c.Publish.URL))
		}
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CameraSettings は接続時に適用するカメラ設定を返す
func (c *Config) CameraSettings() camera.Settings {
	s := camera.DefaultSettings()
	s.Width = c.Camera.Width
	s.Height = c.Camera.Height
	s.FPS = c.Camera.FPS
	if c.Camera.Format != "" {
		s.Format = c.Camera.Format
	}
	return s
}

// PreviewSettings はプレビューの設定を返す
func (c *Config) PreviewSettings() preview.Config {
	return preview.Config{
		Interval:       c.Preview.Interval,
		AcquireTimeout: c.Preview.AcquireTimeout,
		CaptureTimeout: c.Preview.CaptureTimeout,
	}
}

// Dump は設定をYAMLで書き出す
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("設定の書き出しに失敗: %w", err)
	}
	return enc.Close()
}
