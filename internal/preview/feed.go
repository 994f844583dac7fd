package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"camprobe/internal/camera"
)

// フレーム取得の結果
const (
	OutcomeShown   = "shown"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// Source はプレビューが使うセッションの操作
type Source interface {
	AcquireLease(ctx context.Context, kind camera.LeaseKind, timeout time.Duration) (*camera.Lease, error)
	Release(l *camera.Lease)
	CaptureFrame(ctx context.Context, l *camera.Lease) (camera.Frame, error)
}

// Observer はフレームごとの結果を受け取る
type Observer interface {
	PreviewFrame(outcome string)
}

// Config はプレビューの設定
type Config struct {
	Interval       time.Duration // フレーム取得間隔
	AcquireTimeout time.Duration // リース取得の待ち時間
	CaptureTimeout time.Duration // 1フレームの取得時間の上限
}

// DefaultConfig はデフォルトのプレビュー設定を返す
func DefaultConfig() Config {
	return Config{
		Interval:       200 * time.Millisecond,
		AcquireTimeout: 100 * time.Millisecond,
		CaptureTimeout: 2 * time.Second,
	}
}

// Stats はプレビューの統計
type Stats struct {
	Running   bool      `json:"running"`
	Shown     uint64    `json:"shown"`
	Skipped   uint64    `json:"skipped"`
	Errors    uint64    `json:"errors"`
	LastFrame time.Time `json:"lastFrame,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Feed は一定間隔でフレームを取得して Buffer に流す。
// フレームごとにSharedリースを取得して返却し、リースを持ち越さない。
type Feed struct {
	source   Source
	buffer   *Buffer
	config   Config
	logger   *zap.Logger
	observer Observer

	// 制御用
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex

	running bool
	stats   Stats
}

// NewFeed は新しいFeedを作成する
func NewFeed(source Source, buffer *Buffer, config Config, logger *zap.Logger, observer Observer) *Feed {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = def.AcquireTimeout
	}
	if config.CaptureTimeout <= 0 {
		config.CaptureTimeout = def.CaptureTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		source:   source,
		buffer:   buffer,
		config:   config,
		logger:   logger,
		observer: observer,
	}
}

// Buffer はフレームの配信先を返す
func (f *Feed) Buffer() *Buffer {
	return f.buffer
}

// Start はプレビューを開始する。すでに動作中なら何もしない
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return nil
	}
	f.running = true
	f.stopCh = make(chan struct{})

	f.wg.Add(1)
	go f.loop(ctx, f.stopCh)

	f.logger.Info("プレビューを開始しました", zap.Duration("interval", f.config.Interval))
	return nil
}

// Stop はプレビューを停止し、ループの終了を待つ
func (f *Feed) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	close(f.stopCh)
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("プレビューの停止待ちを中断: %w", ctx.Err())
	}

	f.logger.Info("プレビューを停止しました")
	return nil
}

// Running はプレビューが動作中かどうかを返す
func (f *Feed) Running() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.running
}

// Stats は統計のスナップショットを返す
func (f *Feed) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s := f.stats
	s.Running = f.running
	return s
}

func (f *Feed) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.running = false
			f.mu.Unlock()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			f.record(f.step(ctx))
		}
	}
}

// step は1フレームを取得する。リースはこの中で必ず返却される
func (f *Feed) step(ctx context.Context) (camera.Frame, error) {
	lease, err := f.source.AcquireLease(ctx, camera.Shared, f.config.AcquireTimeout)
	if err != nil {
		return camera.Frame{}, err
	}
	defer f.source.Release(lease)

	captureCtx, cancel := context.WithTimeout(ctx, f.config.CaptureTimeout)
	defer cancel()
	return f.source.CaptureFrame(captureCtx, lease)
}

func (f *Feed) record(frame camera.Frame, err error) {
	outcome := OutcomeShown
	switch {
	case err == nil:
		f.buffer.Publish(frame)
	case errors.Is(err, camera.ErrTimeout), errors.Is(err, camera.ErrDeviceLost):
		// テストが排他的に使っている間や切断中はフレームを飛ばす
		outcome = OutcomeSkipped
	default:
		outcome = OutcomeError
		f.logger.Warn("プレビューフレームの取得に失敗しました", zap.Error(err))
	}

	f.mu.Lock()
	switch outcome {
	case OutcomeShown:
		f.stats.Shown++
		f.stats.LastFrame = frame.CapturedAt
	case OutcomeSkipped:
		f.stats.Skipped++
	default:
		f.stats.Errors++
		f.stats.LastError = err.Error()
	}
	f.mu.Unlock()

	if f.observer != nil {
		f.observer.PreviewFrame(outcome)
	}
}
