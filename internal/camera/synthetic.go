package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// 合成カメラで無効化できるコントロール名
const (
	ControlExposure     = "exposure"
	ControlWhiteBalance = "white_balance"
	ControlFocus        = "focus"
	ControlBrightness   = "brightness"
	ControlGain         = "gain"
)

// SyntheticDriver はテストパターンを返すプロセス内のカメラ。
// ハードウェアなしでの動作確認と、障害注入を伴うテストに使う。
type SyntheticDriver struct {
	mu sync.Mutex

	// Resolutions はサポートする解像度。空の場合はすべて受け付ける
	Resolutions []Resolution
	// Unsupported は拒否するコントロール名
	Unsupported map[string]bool
	// FrameInterval は1フレームの取得にかかる時間
	FrameInterval time.Duration
	// FailAfter が正の場合、その枚数を超えたキャプチャはデバイス消失になる
	FailAfter uint64
	// OnCapture はキャプチャごとに呼ばれ、エラーを返すとそのキャプチャが失敗する
	OnCapture func(n uint64) error
	// OpenErr はOpen時に返すエラー
	OpenErr error

	open     bool
	settings Settings
	captures uint64
	cache    map[syntheticKey][]byte
}

type syntheticKey struct {
	res   Resolution
	level int
}

// NewSyntheticDriver は一般的なUVCカメラを模した合成ドライバーを作成する
func NewSyntheticDriver() *SyntheticDriver {
	return &SyntheticDriver{
		Resolutions: []Resolution{
			{Width: 640, Height: 480},
			{Width: 1280, Height: 720},
			{Width: 1920, Height: 1080},
			{Width: 3840, Height: 2160},
			{Width: 8000, Height: 6000},
		},
		Unsupported: make(map[string]bool),
		cache:       make(map[syntheticKey][]byte),
	}
}

// Open はデバイスを開き、初期設定を適用する
func (d *SyntheticDriver) Open(ctx context.Context, initial Settings) (Settings, error) {
	d.mu.Lock()
	if d.OpenErr != nil {
		err := d.OpenErr
		d.mu.Unlock()
		return Settings{}, err
	}
	d.open = true
	d.captures = 0
	d.settings = initial
	d.mu.Unlock()

	return d.Apply(ctx, initial)
}

// Captures はこれまでのキャプチャ回数を返す
func (d *SyntheticDriver) Captures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.captures
}

// Capture はテストパターンを1フレーム生成する
func (d *SyntheticDriver) Capture(ctx context.Context) (Frame, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return Frame{}, fmt.Errorf("synthetic: %w", ErrDeviceLost)
	}
	d.captures++
	n := d.captures
	failAfter := d.FailAfter
	hook := d.OnCapture
	interval := d.FrameInterval
	s := d.settings
	d.mu.Unlock()

	if failAfter > 0 && n > failAfter {
		d.mu.Lock()
		d.open = false
		d.mu.Unlock()
		return Frame{}, fmt.Errorf("synthetic: %w", ErrDeviceLost)
	}
	if hook != nil {
		if err := hook(n); err != nil {
			return Frame{}, err
		}
	}
	if interval > 0 {
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return Frame{}, ctx.Err()
		case <-t.C:
		}
	}

	data, err := d.pattern(s)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Data:       data,
		Width:      s.Width,
		Height:     s.Height,
		CapturedAt: time.Now(),
		Seq:        n,
	}, nil
}

// Apply は設定を適用する。無効化されたコントロールの変更は ErrUnsupported になる
func (d *SyntheticDriver) Apply(_ context.Context, next Settings) (Settings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return Settings{}, fmt.Errorf("synthetic: %w", ErrDeviceLost)
	}
	cur := d.settings

	if len(d.Resolutions) > 0 && !containsResolution(d.Resolutions, next.Resolution()) {
		return cur, fmt.Errorf("解像度 %s: %w", next.Resolution(), ErrUnsupported)
	}

	checks := []struct {
		name    string
		changed bool
	}{
		{ControlExposure, next.ExposureMode != cur.ExposureMode || next.Exposure != cur.Exposure},
		{ControlWhiteBalance, next.WhiteBalanceMode != cur.WhiteBalanceMode || next.WhiteBalanceTemp != cur.WhiteBalanceTemp},
		{ControlFocus, next.FocusMode != cur.FocusMode || next.FocusPosition != cur.FocusPosition},
		{ControlBrightness, next.Brightness != cur.Brightness},
		{ControlGain, next.Gain != cur.Gain},
	}
	for _, c := range checks {
		if c.changed && d.Unsupported[c.name] {
			return cur, fmt.Errorf("コントロール %s: %w", c.name, ErrUnsupported)
		}
	}

	d.settings = next
	return next, nil
}

// Close はデバイスを閉じる
func (d *SyntheticDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// Unplug はケーブルが抜かれた状態を模擬する
func (d *SyntheticDriver) Unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
}

// level は設定から画像の平均輝度を決める
func level(s Settings) int {
	v := 118 + s.Brightness/2 + s.Gain/4
	if s.ExposureMode == ExposureManual {
		v += (s.Exposure - 156) / 4
	}
	return clampInt(v, 10, 245)
}

func (d *SyntheticDriver) pattern(s Settings) ([]byte, error) {
	key := syntheticKey{res: s.Resolution(), level: level(s)}

	d.mu.Lock()
	if data, ok := d.cache[key]; ok {
		d.mu.Unlock()
		return data, nil
	}
	d.mu.Unlock()

	img := image.NewNRGBA(image.Rect(0, 0, s.Width, s.Height))
	base := key.level
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			v := base - 30
			if ((x/16)+(y/16))%2 == 0 {
				v = base + 30
			}
			c := uint8(clampInt(v, 0, 255))
			img.SetNRGBA(x, y, color.NRGBA{R: c, G: c, B: c, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("テストパターンのエンコードに失敗: %w", err)
	}

	d.mu.Lock()
	d.cache[key] = buf.Bytes()
	d.mu.Unlock()
	return buf.Bytes(), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
