package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// 設定値の上限（WN-L2307k368 の最大解像度 8000x6000）
const (
	maxFPS    = 60
	maxWidth  = 8000
	maxHeight = 6000
)

// deviceHandle は接続中のデバイスを表す。Session だけが所有する
type deviceHandle struct {
	info       DeviceInfo
	driver     Driver
	generation uint64

	ioMu     sync.Mutex // ドライバー呼び出しを直列化する
	mu       sync.RWMutex
	settings Settings
	inflight atomic.Int32
}

func newDeviceHandle(info DeviceInfo, driver Driver, settings Settings) *deviceHandle {
	return &deviceHandle{
		info:     info,
		driver:   driver,
		settings: settings,
	}
}

func (h *deviceHandle) capture(ctx context.Context) (Frame, error) {
	h.inflight.Add(1)
	defer h.inflight.Add(-1)

	h.ioMu.Lock()
	defer h.ioMu.Unlock()

	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	return h.driver.Capture(ctx)
}

func (h *deviceHandle) apply(ctx context.Context, next Settings) error {
	if err := validateSettings(next); err != nil {
		return fmt.Errorf("設定が無効: %w", err)
	}

	h.ioMu.Lock()
	defer h.ioMu.Unlock()

	applied, err := h.driver.Apply(ctx, next)

	// 失敗してもドライバーが返した現在値を反映する
	if applied.Width > 0 {
		h.mu.Lock()
		h.settings = applied
		h.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("設定の適用に失敗: %w", err)
	}
	return nil
}

func (h *deviceHandle) currentSettings() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings
}

func (h *deviceHandle) snapshot() HandleInfo {
	state := StateConnected
	if h.inflight.Load() > 0 {
		state = StateCapturing
	}
	return HandleInfo{
		Device:     h.info,
		State:      state,
		Settings:   h.currentSettings(),
		Generation: h.generation,
	}
}

func (h *deviceHandle) close() error {
	return h.driver.Close()
}

// validateSettings は設定値の妥当性を検証する
func validateSettings(settings Settings) error {
	if settings.FPS <= 0 || settings.FPS > maxFPS {
		return fmt.Errorf("無効なFPS値 %d: %w", settings.FPS, ErrUnsupported)
	}

	if settings.Width <= 0 || settings.Width > maxWidth {
		return fmt.Errorf("無効な幅 %d: %w", settings.Width, ErrUnsupported)
	}

	if settings.Height <= 0 || settings.Height > maxHeight {
		return fmt.Errorf("無効な高さ %d: %w", settings.Height, ErrUnsupported)
	}

	switch settings.ExposureMode {
	case ExposureAuto, ExposureManual:
	default:
		return fmt.Errorf("無効な露出モード %q: %w", settings.ExposureMode, ErrUnsupported)
	}

	return nil
}
