package camera

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher はデバイスファイルの削除を監視し、抜かれたらセッションを切断する。
// fsnotify が使えない環境ではポーリングだけで監視する。
type Watcher struct {
	session  *Session
	interval time.Duration
	logger   *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWatcher は新しいWatcherを作成する
func NewWatcher(session *Session, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		session:  session,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start は監視を開始する
func (w *Watcher) Start(ctx context.Context) {
	var events <-chan fsnotify.Event
	var errs <-chan error

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		dir := filepath.Dir(w.session.Info().Device.Path)
		if dir == "." || dir == "" {
			dir = "/dev"
		}
		if err = fw.Add(dir); err == nil {
			events, errs = fw.Events, fw.Errors
		} else {
			_ = fw.Close()
			fw = nil
		}
	}
	if err != nil {
		w.logger.Warn("fsnotify が使えないためポーリングで監視します", zap.Error(err))
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if fw != nil {
			defer func() {
				_ = fw.Close()
			}()
		}

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					w.check(ev.Name)
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				w.logger.Warn("fsnotify エラー", zap.Error(err))
			case <-ticker.C:
				w.check("")
			}
		}
	}()
}

// check は接続中のデバイスファイルが消えていれば切断する
func (w *Watcher) check(removed string) {
	info := w.session.Info()
	if info.State == StateDisconnected || info.Device.Path == "" {
		return
	}
	if removed != "" && removed != info.Device.Path {
		return
	}
	if _, err := os.Stat(info.Device.Path); err == nil {
		return
	}

	w.logger.Warn("デバイスファイルが削除されました", zap.String("device", info.Device.Path))
	w.session.lose(info.Generation, ErrDeviceLost)
}

// Stop は監視を停止する
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}
