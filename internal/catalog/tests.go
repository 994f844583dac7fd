package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"camprobe/internal/camera"
	"camprobe/internal/quality"
	"camprobe/internal/report"
)

// テストID
const (
	CameraDetection  = "CameraDetection"
	ResolutionTest   = "ResolutionTest"
	FrameRateTest    = "FrameRateTest"
	ExposureTest     = "ExposureTest"
	FocusTest        = "FocusTest"
	WhiteBalanceTest = "WhiteBalanceTest"
	ImageQualityTest = "ImageQualityTest"
	USBInterfaceTest = "USBInterfaceTest"
	PowerTest        = "PowerTest"
	CaptureImageTest = "CaptureImageTest"
)

// Options はテスト本体のパラメーター
type Options struct {
	Resolutions     []camera.Resolution
	FrameRateWindow time.Duration
	PowerWindow     time.Duration
	USBFrames       int
	SettleDelay     time.Duration
	ExposureValues  []int
	FocusPositions  []int
	ImageDir        string
	Power           PowerProbe
	Now             func() time.Time
}

// DefaultOptions は実機向けの既定値
func DefaultOptions() Options {
	return Options{
		Resolutions: []camera.Resolution{
			{Width: 640, Height: 480},
			{Width: 1280, Height: 720},
			{Width: 1920, Height: 1080},
		},
		FrameRateWindow: 3 * time.Second,
		PowerWindow:     5 * time.Second,
		USBFrames:       10,
		SettleDelay:     500 * time.Millisecond,
		ExposureValues:  []int{50, 150, 300, 600},
		FocusPositions:  []int{0, 64, 128, 255},
		ImageDir:        "test_images",
		Power:           SysfsPower("/sys/class/power_supply"),
		Now:             time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if len(o.Resolutions) == 0 {
		o.Resolutions = d.Resolutions
	}
	if o.FrameRateWindow <= 0 {
		o.FrameRateWindow = d.FrameRateWindow
	}
	if o.PowerWindow <= 0 {
		o.PowerWindow = d.PowerWindow
	}
	if o.USBFrames <= 0 {
		o.USBFrames = d.USBFrames
	}
	if len(o.ExposureValues) == 0 {
		o.ExposureValues = d.ExposureValues
	}
	if len(o.FocusPositions) == 0 {
		o.FocusPositions = d.FocusPositions
	}
	if o.ImageDir == "" {
		o.ImageDir = d.ImageDir
	}
	if o.Power == nil {
		o.Power = d.Power
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Default は標準の10項目のカタログを返す
func Default(opts Options) *Catalog {
	opts = opts.withDefaults()
	b := bodies{opts: opts}

	c, err := New(
		Definition{ID: CameraDetection, Name: "Camera Detection", Ordinal: 1, Timeout: 10 * time.Second, Lease: camera.Shared,
			Description: "カメラから1フレーム取得できること", Body: b.cameraDetection},
		Definition{ID: ResolutionTest, Name: "Resolution Test", Ordinal: 2, Timeout: 30 * time.Second, Lease: camera.Exclusive,
			Description: "代表的な解像度に切り替えられること", Body: b.resolution},
		Definition{ID: FrameRateTest, Name: "Frame Rate Test", Ordinal: 3, Timeout: 15 * time.Second, Lease: camera.Shared,
			Description: "一定時間のフレームレートを計測する", Body: b.frameRate},
		Definition{ID: ExposureTest, Name: "Exposure Control", Ordinal: 4, Timeout: 30 * time.Second, Lease: camera.Exclusive,
			Description: "手動露出で明るさが変わること", Body: b.exposure},
		Definition{ID: FocusTest, Name: "Focus Test", Ordinal: 5, Timeout: 30 * time.Second, Lease: camera.Exclusive,
			Description: "オートフォーカスと手動フォーカス位置", Body: b.focus},
		Definition{ID: WhiteBalanceTest, Name: "White Balance", Ordinal: 6, Timeout: 15 * time.Second, Lease: camera.Exclusive,
			Description: "オートホワイトバランスの切り替え", Body: b.whiteBalance},
		Definition{ID: ImageQualityTest, Name: "Image Quality", Ordinal: 7, Timeout: 15 * time.Second, Lease: camera.Shared,
			Description: "鮮鋭度・明るさ・コントラスト・ノイズ", Body: b.imageQuality},
		Definition{ID: USBInterfaceTest, Name: "USB Interface", Ordinal: 8, Timeout: 20 * time.Second, Lease: camera.Shared,
			Description: "連続取得のフレームレートと転送量", Body: b.usbInterface},
		Definition{ID: PowerTest, Name: "Power Consumption", Ordinal: 9, Timeout: 20 * time.Second, Lease: camera.Shared,
			Description: "連続取得中の電源状態", Body: b.power},
		Definition{ID: CaptureImageTest, Name: "Capture Test Image", Ordinal: 10, Timeout: 15 * time.Second, Lease: camera.Shared,
			Description: "テスト画像を保存する", Body: b.captureImage},
	)
	if err != nil {
		panic(err)
	}
	return c
}

type bodies struct {
	opts Options
}

func (b bodies) cameraDetection(ctx context.Context, dev Device) (Outcome, error) {
	frame, err := dev.Capture(ctx)
	if err != nil {
		return Outcome{}, err
	}

	var d report.Details
	info := dev.Device()
	d.Set("device", report.Str(info.Path))
	d.Set("name", report.Str(info.Name))
	d.Set("resolution", report.Str(fmt.Sprintf("%dx%d", frame.Width, frame.Height)))
	d.Set("frame_bytes", report.Int(int64(len(frame.Data))))

	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) == 0 {
		return Fail("camera returned an empty frame", d), nil
	}
	return Pass("camera detected", d), nil
}

func (b bodies) resolution(ctx context.Context, dev Device) (Outcome, error) {
	original := dev.Settings()
	defer restore(ctx, dev, original)

	var d report.Details
	var ok, unsupported, mismatched int

	for _, r := range b.opts.Resolutions {
		if err := dev.Reconfigure(ctx, original.WithResolution(r)); err != nil {
			if errors.Is(err, camera.ErrUnsupported) {
				unsupported++
				d.Set(r.String(), report.Str("unsupported"))
				continue
			}
			return Outcome{}, err
		}

		frame, err := dev.Capture(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if frame.Width != r.Width || frame.Height != r.Height {
			mismatched++
			d.Set(r.String(), report.Str(fmt.Sprintf("mismatch %dx%d", frame.Width, frame.Height)))
			continue
		}
		ok++
		d.Set(r.String(), report.Str("ok"))
	}

	d.Set("supported", report.Int(int64(ok)))
	d.Set("tested", report.Int(int64(len(b.opts.Resolutions))))

	switch {
	case ok == 0:
		return Fail("no resolution could be applied", d), nil
	case mismatched > 0:
		return Fail(fmt.Sprintf("%d resolution(s) delivered the wrong frame size", mismatched), d), nil
	case unsupported > 0:
		return Pass(fmt.Sprintf("%d of %d resolutions supported", ok, len(b.opts.Resolutions)), d), nil
	default:
		return Pass("all resolutions supported", d), nil
	}
}

func (b bodies) frameRate(ctx context.Context, dev Device) (Outcome, error) {
	frames, elapsed, _, err := captureFor(ctx, dev, b.opts.FrameRateWindow)
	if err != nil {
		return Outcome{}, err
	}

	fps := 0.0
	if elapsed > 0 {
		fps = float64(frames) / elapsed.Seconds()
	}

	var d report.Details
	d.Set("measured_fps", report.Num(round(fps, 2)))
	d.Set("reported_fps", report.Int(int64(dev.Settings().FPS)))
	d.Set("frames", report.Int(int64(frames)))
	d.Set("window_s", report.Num(round(elapsed.Seconds(), 3)))

	if fps < 1 {
		return Fail(fmt.Sprintf("frame rate too low: %.2f fps", fps), d), nil
	}
	return Pass(fmt.Sprintf("%.2f fps", fps), d), nil
}

func (b bodies) exposure(ctx context.Context, dev Device) (Outcome, error) {
	original := dev.Settings()
	defer restore(ctx, dev, original)

	var d report.Details

	baseline, err := b.brightness(ctx, dev)
	if err != nil {
		return Outcome{}, err
	}
	d.Set("baseline_brightness", report.Num(round(baseline, 1)))

	working, accepted := 0, 0
	for _, v := range b.opts.ExposureValues {
		next := original
		next.ExposureMode = camera.ExposureManual
		next.Exposure = v
		if err := dev.Reconfigure(ctx, next); err != nil {
			if errors.Is(err, camera.ErrUnsupported) {
				continue
			}
			return Outcome{}, err
		}
		accepted++

		level, err := b.brightness(ctx, dev)
		if err != nil {
			return Outcome{}, err
		}
		readback := dev.Settings().Exposure
		tolerance := math.Max(1, 0.15*math.Abs(float64(v)))
		if math.Abs(float64(readback-v)) <= tolerance || math.Abs(level-baseline) > 5 {
			working++
		}
		d.Set(fmt.Sprintf("exposure_%d", v), report.Num(round(level, 1)))
	}
	d.Set("manual_exposure", report.Bool(accepted > 0))

	auto := original
	auto.ExposureMode = camera.ExposureAuto
	autoErr := dev.Reconfigure(ctx, auto)
	if autoErr != nil && !errors.Is(autoErr, camera.ErrUnsupported) {
		return Outcome{}, autoErr
	}
	d.Set("auto_exposure", report.Bool(autoErr == nil))

	if accepted > 0 {
		if working > 0 {
			return Pass(fmt.Sprintf("manual exposure works (%d/%d values)", working, accepted), d), nil
		}
		return Fail("exposure values accepted but had no effect", d), nil
	}

	// 露出が固定の場合は明るさとゲインで代替する
	for _, ctrl := range []string{"brightness", "gain"} {
		next := original
		if ctrl == "brightness" {
			next.Brightness = original.Brightness + 40
		} else {
			next.Gain = original.Gain + 40
		}
		if err := dev.Reconfigure(ctx, next); err != nil {
			if errors.Is(err, camera.ErrUnsupported) {
				continue
			}
			return Outcome{}, err
		}
		level, err := b.brightness(ctx, dev)
		if err != nil {
			return Outcome{}, err
		}
		d.Set(ctrl+"_brightness", report.Num(round(level, 1)))
		if math.Abs(level-baseline) > 5 {
			return Pass(fmt.Sprintf("exposure is fixed; %s control works", ctrl), d), nil
		}
	}

	if autoErr == nil {
		return Pass("auto exposure only", d), nil
	}
	return Skip("no exposure related control available", d), nil
}

func (b bodies) focus(ctx context.Context, dev Device) (Outcome, error) {
	original := dev.Settings()
	defer restore(ctx, dev, original)

	var d report.Details

	// 手動に切り替えてから自動に戻せればオートフォーカスありとみなす
	manual := original
	manual.FocusMode = camera.ModeManual
	toggleErr := dev.Reconfigure(ctx, manual)
	if toggleErr == nil {
		auto := manual
		auto.FocusMode = camera.ModeAuto
		toggleErr = dev.Reconfigure(ctx, auto)
	}
	if toggleErr != nil && !errors.Is(toggleErr, camera.ErrUnsupported) {
		return Outcome{}, toggleErr
	}
	autoErr := toggleErr
	d.Set("autofocus", report.Bool(autoErr == nil))

	accepted, withinTolerance := 0, 0
	var sharpness []float64
	for _, pos := range b.opts.FocusPositions {
		next := original
		next.FocusMode = camera.ModeManual
		next.FocusPosition = pos
		if err := dev.Reconfigure(ctx, next); err != nil {
			if errors.Is(err, camera.ErrUnsupported) {
				continue
			}
			return Outcome{}, err
		}
		accepted++

		readback := dev.Settings().FocusPosition
		tolerance := math.Max(5, 0.1*float64(pos))
		if math.Abs(float64(readback-pos)) <= tolerance {
			withinTolerance++
		}

		if err := sleep(ctx, b.opts.SettleDelay); err != nil {
			return Outcome{}, err
		}
		frame, err := dev.Capture(ctx)
		if err != nil {
			return Outcome{}, err
		}
		img, err := frame.Decode()
		if err != nil {
			return Outcome{}, err
		}
		s := quality.Analyze(img).Sharpness
		sharpness = append(sharpness, s)
		d.Set(fmt.Sprintf("focus_%d_sharpness", pos), report.Num(round(s, 1)))
	}
	d.Set("manual_focus", report.Bool(accepted > 0))

	if accepted == 0 {
		if autoErr == nil {
			return Pass("autofocus only", d), nil
		}
		return Skip("focus control not available (fixed focus)", d), nil
	}

	if len(sharpness) > 1 {
		lo, hi := sharpness[0], sharpness[0]
		for _, s := range sharpness[1:] {
			lo, hi = math.Min(lo, s), math.Max(hi, s)
		}
		d.Set("sweep_range", report.Num(round(hi-lo, 1)))
		d.Set("sweep_effective", report.Bool(hi-lo > 10))
	}

	if withinTolerance < accepted {
		return Fail(fmt.Sprintf("focus position readback off for %d of %d positions", accepted-withinTolerance, accepted), d), nil
	}
	return Pass(fmt.Sprintf("manual focus works (%d positions)", accepted), d), nil
}

func (b bodies) whiteBalance(ctx context.Context, dev Device) (Outcome, error) {
	original := dev.Settings()
	defer restore(ctx, dev, original)

	var d report.Details

	manual := original
	manual.WhiteBalanceMode = camera.ModeManual
	if manual.WhiteBalanceTemp <= 0 {
		manual.WhiteBalanceTemp = 4600
	}
	manualErr := dev.Reconfigure(ctx, manual)
	if manualErr != nil && !errors.Is(manualErr, camera.ErrUnsupported) {
		return Outcome{}, manualErr
	}

	auto := original
	auto.WhiteBalanceMode = camera.ModeAuto
	autoErr := dev.Reconfigure(ctx, auto)
	if autoErr != nil && !errors.Is(autoErr, camera.ErrUnsupported) {
		return Outcome{}, autoErr
	}

	temp := dev.Settings().WhiteBalanceTemp
	d.Set("auto_white_balance", report.Bool(manualErr == nil && autoErr == nil))
	d.Set("wb_temperature", report.Int(int64(temp)))

	switch {
	case manualErr == nil && autoErr == nil:
		return Pass("auto white balance can be toggled", d), nil
	case temp > 0:
		return Pass(fmt.Sprintf("white balance fixed at %dK", temp), d), nil
	default:
		return Skip("white balance control not available", d), nil
	}
}

func (b bodies) imageQuality(ctx context.Context, dev Device) (Outcome, error) {
	frame, err := dev.Capture(ctx)
	if err != nil {
		return Outcome{}, err
	}
	img, err := frame.Decode()
	if err != nil {
		return Outcome{}, err
	}

	m := quality.Analyze(img)
	var d report.Details
	d.Set("sharpness", report.Num(round(m.Sharpness, 2)))
	d.Set("brightness", report.Num(round(m.Brightness, 2)))
	d.Set("contrast", report.Num(round(m.Contrast, 2)))
	d.Set("noise", report.Num(round(m.Noise, 2)))

	if issues := m.Problems(); len(issues) > 0 {
		return Fail("quality issues: "+strings.Join(issues, ", "), d), nil
	}
	return Pass("image quality within limits", d), nil
}

func (b bodies) usbInterface(ctx context.Context, dev Device) (Outcome, error) {
	start := time.Now()
	var total int64
	for i := 0; i < b.opts.USBFrames; i++ {
		frame, err := dev.Capture(ctx)
		if err != nil {
			return Outcome{}, err
		}
		total += int64(len(frame.Data))
	}
	elapsed := time.Since(start)

	fps := float64(b.opts.USBFrames) / math.Max(elapsed.Seconds(), 1e-6)
	throughput := float64(total) / math.Max(elapsed.Seconds(), 1e-6) / 1e6

	var d report.Details
	d.Set("frames", report.Int(int64(b.opts.USBFrames)))
	d.Set("fps", report.Num(round(fps, 2)))
	d.Set("throughput_mbps", report.Num(round(throughput, 3)))
	d.Set("avg_frame_kb", report.Num(round(float64(total)/float64(b.opts.USBFrames)/1024, 1)))
	d.Set("usb_version", report.Str("2.0"))

	if fps > 5 {
		return Pass(fmt.Sprintf("USB transfer ok (%.1f fps)", fps), d), nil
	}
	return Fail(fmt.Sprintf("USB transfer too slow (%.1f fps)", fps), d), nil
}

func (b bodies) power(ctx context.Context, dev Device) (Outcome, error) {
	frames, elapsed, _, err := captureFor(ctx, dev, b.opts.PowerWindow)
	if err != nil {
		return Outcome{}, err
	}

	var d report.Details
	d.Set("frames", report.Int(int64(frames)))
	d.Set("duration_s", report.Num(round(elapsed.Seconds(), 2)))

	if info, err := b.opts.Power(ctx); err == nil {
		d.Set("battery_percent", report.Int(int64(info.Percent)))
		d.Set("power_plugged", report.Bool(info.Plugged))
	} else {
		d.Set("battery", report.Str("unavailable"))
	}

	if frames == 0 {
		return Fail("no frames captured under load", d), nil
	}
	return Pass(fmt.Sprintf("stable under load (%d frames)", frames), d), nil
}

func (b bodies) captureImage(ctx context.Context, dev Device) (Outcome, error) {
	frame, err := dev.Capture(ctx)
	if err != nil {
		return Outcome{}, err
	}

	if err := os.MkdirAll(b.opts.ImageDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("画像ディレクトリの作成に失敗: %w", err)
	}
	name := fmt.Sprintf("test_image_%s.jpg", b.opts.Now().Format("20060102_150405"))
	path := filepath.Join(b.opts.ImageDir, name)
	if err := os.WriteFile(path, frame.Data, 0o644); err != nil {
		return Outcome{}, fmt.Errorf("画像の保存に失敗: %w", err)
	}

	var d report.Details
	d.Set("image_path", report.Str(path))
	d.Set("image_size", report.Str(fmt.Sprintf("%dx%d", frame.Width, frame.Height)))
	d.Set("file_size", report.Int(int64(len(frame.Data))))

	out := Pass("test image saved", d)
	out.ImageRef = path
	return out, nil
}

// brightness は設定の反映を待ってから1フレームの平均輝度を測る
func (b bodies) brightness(ctx context.Context, dev Device) (float64, error) {
	if err := sleep(ctx, b.opts.SettleDelay); err != nil {
		return 0, err
	}
	frame, err := dev.Capture(ctx)
	if err != nil {
		return 0, err
	}
	img, err := frame.Decode()
	if err != nil {
		return 0, err
	}
	return quality.Brightness(img), nil
}

// captureFor は window の間フレームを取得し続ける
func captureFor(ctx context.Context, dev Device, window time.Duration) (int, time.Duration, int64, error) {
	start := time.Now()
	var frames int
	var total int64
	for time.Since(start) < window {
		frame, err := dev.Capture(ctx)
		if err != nil {
			return frames, time.Since(start), total, err
		}
		frames++
		total += int64(len(frame.Data))
	}
	return frames, time.Since(start), total, nil
}

// restore はテスト前の設定に戻す。テストの期限が切れていても短時間だけ試みる
func restore(ctx context.Context, dev Device, original camera.Settings) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
	}
	_ = dev.Reconfigure(ctx, original)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
