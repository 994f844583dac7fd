package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	videoDevicePattern = regexp.MustCompile(`^/dev/video(\d+)$`)
	sizeLinePattern    = regexp.MustCompile(`Size:\s+Discrete\s+(\d+)x(\d+)`)
	formatLinePattern  = regexp.MustCompile(`\[\d+\]:\s+'(\w+)'`)
)

// DevicePath はデバイス番号からデバイスパスを返す
func DevicePath(index int) string {
	return fmt.Sprintf("/dev/video%d", index)
}

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	// DevDir はデバイスファイルを探すディレクトリ（通常は /dev）
	DevDir string
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{DevDir: "/dev"}
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]DeviceInfo, error) {
	matches, err := filepath.Glob(filepath.Join(d.DevDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []DeviceInfo
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		info, err := d.Resolve(ctx, extractDeviceNumber(match))
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}

	return devices, nil
}

// Resolve はデバイス番号からデバイス情報を取得する
func (d *LinuxDiscovery) Resolve(ctx context.Context, index int) (DeviceInfo, error) {
	if index < 0 {
		return DeviceInfo{}, fmt.Errorf("無効なデバイス番号 %d: %w", index, ErrNotFound)
	}
	device := filepath.Join(d.DevDir, fmt.Sprintf("video%d", index))
	if !d.IsDeviceAvailable(ctx, device) {
		return DeviceInfo{}, fmt.Errorf("デバイスが利用できません %s: %w", device, ErrNotFound)
	}

	info := DeviceInfo{
		Index:   index,
		Path:    device,
		Name:    d.generateDeviceName(ctx, device),
		Driver:  "uvcvideo",
		Formats: []string{"MJPG", "YUYV"},
	}
	if out, err := runV4L2(ctx, device, "--list-formats-ext"); err == nil {
		formats, resolutions := parseFormats(out)
		if len(formats) > 0 {
			info.Formats = formats
		}
		info.Resolutions = resolutions
	}

	return info, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if _, err := os.Stat(device); err != nil {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer func() {
		_ = file.Close()
	}()

	return strings.HasPrefix(filepath.Base(device), "video")
}

// generateDeviceName はデバイスパスから表示名を生成する
func (d *LinuxDiscovery) generateDeviceName(ctx context.Context, device string) string {
	if realName := getV4L2DeviceName(ctx, device); realName != "" {
		return realName
	}
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// getV4L2DeviceName はv4l2-ctlを使って実際のデバイス名を取得する
func getV4L2DeviceName(ctx context.Context, device string) string {
	out, err := runV4L2(ctx, device, "--info")
	if err != nil {
		return ""
	}

	// "Card type" の行からカメラ名を抽出
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Card type") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				if cardType := strings.TrimSpace(parts[1]); cardType != "" {
					return cardType
				}
			}
		}
	}

	return ""
}

func runV4L2(ctx context.Context, device string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "v4l2-ctl", append([]string{"--device", device}, args...)...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("v4l2-ctl %s: %w", strings.Join(args, " "), err)
	}
	return string(output), nil
}

// parseFormats は --list-formats-ext の出力からフォーマットと解像度を抽出する
func parseFormats(out string) ([]string, []Resolution) {
	var formats []string
	var resolutions []Resolution
	seen := make(map[Resolution]bool)

	for _, line := range strings.Split(out, "\n") {
		if m := formatLinePattern.FindStringSubmatch(line); m != nil {
			formats = append(formats, m[1])
			continue
		}
		if m := sizeLinePattern.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			r := Resolution{Width: w, Height: h}
			if !seen[r] {
				seen[r] = true
				resolutions = append(resolutions, r)
			}
		}
	}

	return formats, resolutions
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := videoDevicePattern.FindStringSubmatch("/dev/" + filepath.Base(device))
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return num
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu      sync.RWMutex
	devices map[int]DeviceInfo
}

// NewMockDiscovery は指定された番号のデバイスを持つMockDiscoveryを作成する
func NewMockDiscovery(indices ...int) *MockDiscovery {
	m := &MockDiscovery{devices: make(map[int]DeviceInfo)}
	for _, index := range indices {
		m.AddDevice(index)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]DeviceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]DeviceInfo, 0, len(m.devices))
	for _, info := range m.devices {
		devices = append(devices, info)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices, nil
}

// Resolve はモックデバイス情報を取得する
func (m *MockDiscovery) Resolve(_ context.Context, index int) (DeviceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.devices[index]
	if !ok {
		return DeviceInfo{}, fmt.Errorf("デバイスが見つかりません %s: %w", DevicePath(index), ErrNotFound)
	}
	return info, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[index]; exists {
		return
	}
	m.devices[index] = DeviceInfo{
		Index:  index,
		Path:   DevicePath(index),
		Name:   fmt.Sprintf("テストカメラ %d", index),
		Driver: "mock",
		Resolutions: []Resolution{
			{Width: 640, Height: 480},
			{Width: 1280, Height: 720},
			{Width: 1920, Height: 1080},
		},
		Formats: []string{"MJPG"},
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, index)
}
