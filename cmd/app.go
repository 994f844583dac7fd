package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"camprobe/internal/camera"
	"camprobe/internal/catalog"
	"camprobe/internal/config"
	"camprobe/internal/history"
	"camprobe/internal/logger"
	"camprobe/internal/metrics"
	"camprobe/internal/orchestrator"
	"camprobe/internal/publish"
)

// app はコマンドが共有するコンポーネント
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	metrics   *metrics.Metrics
	discovery camera.Discovery
	session   *camera.Session
	orch      *orchestrator.Orchestrator
	history   history.Store
	publisher *publish.Client
	watcher   *camera.Watcher
}

// newApp は設定からコンポーネントを組み立てる。カメラにはまだ接続しない
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	creator, err := camera.NewDriverFactory().Creator(cfg.Camera.Driver)
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.Camera.Driver == camera.DriverSynthetic {
		a.discovery = camera.NewMockDiscovery(cfg.Camera.Index)
	} else {
		a.discovery = &camera.LinuxDiscovery{DevDir: cfg.Camera.DevDir}
	}

	a.session = camera.NewSession(camera.SessionConfig{
		Discovery: a.discovery,
		Driver:    creator,
		Initial:   cfg.CameraSettings(),
		Identity:  cfg.Camera.Identity,
		Logger:    log.Named("camera"),
		Observer:  a.metrics,
	})
	if err := a.metrics.WatchSession(a.session); err != nil {
		a.close()
		return nil, err
	}

	a.orch = orchestrator.New(a.session, catalog.Default(catalogOptions(cfg)), orchestrator.Config{
		GracePeriod:    cfg.Suite.GracePeriod,
		InterTestDelay: cfg.Suite.InterTestDelay,
	}, orchestrator.WithLogger(log.Named("orchestrator")), orchestrator.WithRecorder(a.metrics))

	a.history, err = history.Open(ctx, cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("履歴の保存先を開けません: %w", err)
	}

	if cfg.Publish.URL != "" {
		a.publisher = publish.New(publish.Config{
			URL:     cfg.Publish.URL,
			Token:   cfg.Publish.Token,
			Timeout: cfg.Publish.Timeout,
			Retries: cfg.Publish.Retries,
		}, log.Named("publish"))
	}
	return a, nil
}

func catalogOptions(cfg *config.Config) catalog.Options {
	opts := catalog.DefaultOptions()
	opts.FrameRateWindow = cfg.Suite.FrameRateWindow
	opts.PowerWindow = cfg.Suite.PowerWindow
	opts.USBFrames = cfg.Suite.USBFrames
	opts.SettleDelay = cfg.Suite.SettleDelay
	opts.ImageDir = cfg.Suite.ImageDir
	if cfg.Suite.PowerSupplyDir != "" {
		opts.Power = catalog.SysfsPower(cfg.Suite.PowerSupplyDir)
	}
	return opts
}

// connect は設定のカメラに接続し、切断の監視を始める。
// 接続できなくても実行は続け、結果に記録させる。
func (a *app) connect(ctx context.Context, index int) bool {
	info, err := a.session.Connect(ctx, index)
	if err != nil {
		a.log.Warn("カメラに接続できません", zap.Int("index", index), zap.Error(err))
		return false
	}
	a.log.Info("カメラに接続しました",
		zap.String("device", info.Device.Path),
		zap.String("name", info.Device.Name),
		zap.Stringer("resolution", info.Settings.Resolution()))

	// 合成カメラにはデバイスファイルがない
	if a.cfg.Camera.Driver == camera.DriverSynthetic {
		return true
	}
	a.watcher = camera.NewWatcher(a.session, a.cfg.Camera.WatchInterval, a.log.Named("watcher"))
	a.watcher.Start(ctx)
	return true
}

func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.session != nil {
		a.session.Disconnect()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("履歴の保存先を閉じられません", zap.Error(err))
		}
	}
	_ = a.log.Close()
}
