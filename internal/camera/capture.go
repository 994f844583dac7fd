package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// v4l2コントロール名。カーネルのバージョンによって名前が異なるため候補を順に試す
var (
	ctrlExposureAuto = []string{"auto_exposure", "exposure_auto"}
	ctrlExposure     = []string{"exposure_time_absolute", "exposure_absolute"}
	ctrlWBAuto       = []string{"white_balance_automatic", "white_balance_temperature_auto"}
	ctrlWBTemp       = []string{"white_balance_temperature"}
	ctrlFocusAuto    = []string{"focus_automatic_continuous", "focus_auto"}
	ctrlFocus        = []string{"focus_absolute"}
	ctrlBrightness   = []string{"brightness"}
	ctrlGain         = []string{"gain"}
)

// uvcvideo の auto_exposure の値
const (
	uvcExposureManual           = 1
	uvcExposureAperturePriority = 3
)

// V4L2Driver はシェルコマンドを使ってV4L2デバイスを操作する。
// キャプチャは ffmpeg、コントロールは v4l2-ctl で行う。
type V4L2Driver struct {
	devicePath string
	settings   Settings
	supported  []Resolution
	ctrlNames  map[string]string // 候補リストの先頭 -> 実際に使えた名前
	seq        atomic.Uint64
	ctl        func(ctx context.Context, device string, args ...string) (string, error)

	// CheckHolders が true の場合、Open時に他プロセスの使用を検出する
	CheckHolders bool
}

// NewV4L2Driver は新しいV4L2Driverを作成する
func NewV4L2Driver(devicePath string) *V4L2Driver {
	return &V4L2Driver{
		devicePath:   devicePath,
		ctrlNames:    make(map[string]string),
		ctl:          runV4L2,
		CheckHolders: true,
	}
}

// Open はデバイスを開き、初期設定を適用する
func (d *V4L2Driver) Open(ctx context.Context, initial Settings) (Settings, error) {
	if _, err := os.Stat(d.devicePath); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", d.devicePath, ErrNotFound)
	}

	file, err := os.OpenFile(d.devicePath, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, syscall.EBUSY) {
			return Settings{}, fmt.Errorf("%s: %w", d.devicePath, ErrAlreadyInUse)
		}
		return Settings{}, fmt.Errorf("デバイスを開けません %s: %w", d.devicePath, err)
	}
	_ = file.Close()

	if d.CheckHolders {
		if pids := deviceHolders(ctx, d.devicePath); len(pids) > 0 {
			return Settings{}, fmt.Errorf("%s は PID %v が使用中: %w", d.devicePath, pids, ErrAlreadyInUse)
		}
	}

	if out, err := runV4L2(ctx, d.devicePath, "--list-formats-ext"); err == nil {
		_, d.supported = parseFormats(out)
	}

	d.settings = Settings{Width: initial.Width, Height: initial.Height, FPS: initial.FPS, Format: initial.Format}
	applied, err := d.Apply(ctx, initial)
	if err != nil && !errors.Is(err, ErrUnsupported) {
		return Settings{}, err
	}
	if err != nil {
		// 一部のコントロールが使えなくても接続は成功とする
		return d.settings, nil
	}
	return applied, nil
}

// Capture は1フレームをキャプチャしてJPEGとして返す
func (d *V4L2Driver) Capture(ctx context.Context) (Frame, error) {
	args := []string{"-f", "v4l2"}
	if d.settings.Format == "MJPG" {
		args = append(args, "-input_format", "mjpeg")
	}
	args = append(args,
		"-video_size", fmt.Sprintf("%dx%d", d.settings.Width, d.settings.Height),
		"-framerate", strconv.Itoa(d.settings.FPS),
		"-i", d.devicePath,
		"-vframes", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", "2", // 高品質JPEG
		"-",
	)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		if _, statErr := os.Stat(d.devicePath); statErr != nil {
			return Frame{}, fmt.Errorf("%s: %w", d.devicePath, ErrDeviceLost)
		}
		return Frame{}, fmt.Errorf("JPEGフレームキャプチャに失敗: %w (stderr: %s)", err, lastLine(stderr.String()))
	}

	data := stdout.Bytes()
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("JPEGヘッダーの解析に失敗: %w", err)
	}

	return Frame{
		Data:       data,
		Width:      cfg.Width,
		Height:     cfg.Height,
		CapturedAt: time.Now(),
		Seq:        d.seq.Add(1),
	}, nil
}

// Apply は変更されたコントロールだけを設定し、読み戻した値を返す
func (d *V4L2Driver) Apply(ctx context.Context, next Settings) (Settings, error) {
	cur := d.settings

	if next.Resolution() != cur.Resolution() && len(d.supported) > 0 && !containsResolution(d.supported, next.Resolution()) {
		return cur, fmt.Errorf("解像度 %s: %w", next.Resolution(), ErrUnsupported)
	}
	cur.Width, cur.Height, cur.FPS, cur.Format = next.Width, next.Height, next.FPS, next.Format

	// mode はコントロールの書き込みが成功したときだけ反映する
	type change struct {
		names []string
		value int
		dst   *int
		mode  func()
	}
	var changes []change

	if next.ExposureMode != cur.ExposureMode {
		v := uvcExposureAperturePriority
		if next.ExposureMode == ExposureManual {
			v = uvcExposureManual
		}
		mode := next.ExposureMode
		changes = append(changes, change{ctrlExposureAuto, v, nil, func() { cur.ExposureMode = mode }})
	}
	if next.ExposureMode == ExposureManual && next.Exposure != cur.Exposure {
		changes = append(changes, change{ctrlExposure, next.Exposure, &cur.Exposure, nil})
	}
	if next.WhiteBalanceMode != cur.WhiteBalanceMode {
		mode := next.WhiteBalanceMode
		changes = append(changes, change{ctrlWBAuto, boolInt(mode == ModeAuto), nil, func() { cur.WhiteBalanceMode = mode }})
	}
	if next.WhiteBalanceMode == ModeManual && next.WhiteBalanceTemp != cur.WhiteBalanceTemp {
		changes = append(changes, change{ctrlWBTemp, next.WhiteBalanceTemp, &cur.WhiteBalanceTemp, nil})
	}
	if next.FocusMode != cur.FocusMode {
		mode := next.FocusMode
		changes = append(changes, change{ctrlFocusAuto, boolInt(mode == ModeAuto), nil, func() { cur.FocusMode = mode }})
	}
	if next.FocusMode == ModeManual && next.FocusPosition != cur.FocusPosition {
		changes = append(changes, change{ctrlFocus, next.FocusPosition, &cur.FocusPosition, nil})
	}
	if next.Brightness != cur.Brightness {
		changes = append(changes, change{ctrlBrightness, next.Brightness, &cur.Brightness, nil})
	}
	if next.Gain != cur.Gain {
		changes = append(changes, change{ctrlGain, next.Gain, &cur.Gain, nil})
	}

	for _, c := range changes {
		name, err := d.setControl(ctx, c.names, c.value)
		if err != nil {
			d.settings = cur
			return cur, err
		}
		if c.mode != nil {
			c.mode()
		}
		if c.dst != nil {
			*c.dst = c.value
			if v, err := d.getControl(ctx, name); err == nil {
				*c.dst = v
			}
		}
	}

	d.settings = cur
	return cur, nil
}

// Close はデバイスを閉じる。ffmpegは毎回終了するため保持しているリソースはない
func (d *V4L2Driver) Close() error {
	return nil
}

func (d *V4L2Driver) setControl(ctx context.Context, names []string, value int) (string, error) {
	candidates := names
	if known, ok := d.ctrlNames[names[0]]; ok {
		candidates = []string{known}
	}

	var lastErr error
	for _, name := range candidates {
		_, err := d.ctl(ctx, d.devicePath, "--set-ctrl", fmt.Sprintf("%s=%d", name, value))
		if err == nil {
			d.ctrlNames[names[0]] = name
			return name, nil
		}
		lastErr = err
	}
	if _, statErr := os.Stat(d.devicePath); statErr != nil {
		return "", fmt.Errorf("%s: %w", d.devicePath, ErrDeviceLost)
	}
	return "", fmt.Errorf("コントロール %s の設定に失敗: %v: %w", names[0], lastErr, ErrUnsupported)
}

func (d *V4L2Driver) getControl(ctx context.Context, name string) (int, error) {
	out, err := d.ctl(ctx, d.devicePath, "--get-ctrl", name)
	if err != nil {
		return 0, err
	}
	// 出力形式: "exposure_absolute: 156"
	parts := strings.SplitN(strings.TrimSpace(out), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("予期しない出力: %q", out)
	}
	return strconv.Atoi(strings.TrimSpace(parts[1]))
}

// deviceHolders はデバイスを開いている自分以外のプロセスIDを返す
func deviceHolders(ctx context.Context, devicePath string) []int {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "lsof", "-t", devicePath).Output()
	if err != nil {
		return nil
	}

	myPID := os.Getpid()
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 && pid != myPID {
			pids = append(pids, pid)
		}
	}
	return pids
}

func containsResolution(list []Resolution, r Resolution) bool {
	for _, x := range list {
		if x == r {
			return true
		}
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
