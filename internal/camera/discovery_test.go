package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLinuxDiscovery_ScanDevices(t *testing.T) {
	ctx := context.Background()
	discovery := NewLinuxDiscovery()

	devices, err := discovery.ScanDevices(ctx)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}

	// デバイスが見つからない場合もあるため、エラーがないことを確認
	t.Logf("Found %d video devices", len(devices))
	for _, device := range devices {
		t.Logf("Device: %s (%s)", device.Path, device.Name)
	}
}

func TestLinuxDiscovery_IsDeviceAvailable(t *testing.T) {
	ctx := context.Background()
	discovery := NewLinuxDiscovery()

	if discovery.IsDeviceAvailable(ctx, "/dev/video999") {
		t.Error("Expected non-existent device to be unavailable")
	}

	if discovery.IsDeviceAvailable(ctx, "/invalid/path") {
		t.Error("Expected invalid path to be unavailable")
	}
}

func TestLinuxDiscovery_ResolveNotFound(t *testing.T) {
	discovery := &LinuxDiscovery{DevDir: t.TempDir()}

	_, err := discovery.Resolve(context.Background(), 3)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = discovery.Resolve(context.Background(), -1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for negative index, got %v", err)
	}
}

func TestLinuxDiscovery_ResolveFakeNode(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "video2"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	discovery := &LinuxDiscovery{DevDir: dir}

	info, err := discovery.Resolve(context.Background(), 2)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if info.Index != 2 || info.Path != filepath.Join(dir, "video2") {
		t.Errorf("unexpected info: %+v", info)
	}
	if info.Name == "" {
		t.Error("Expected device name to be set")
	}
}

func TestParseFormats(t *testing.T) {
	out := `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 8000x6000
			Interval: Discrete 0.125s (8.000 fps)
		Size: Discrete 1920x1080
			Interval: Discrete 0.033s (30.000 fps)
	[1]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 1920x1080
			Interval: Discrete 0.200s (5.000 fps)
		Size: Discrete 640x480
`
	formats, resolutions := parseFormats(out)
	if len(formats) != 2 || formats[0] != "MJPG" || formats[1] != "YUYV" {
		t.Errorf("unexpected formats: %v", formats)
	}
	want := []Resolution{{8000, 6000}, {1920, 1080}, {640, 480}}
	if len(resolutions) != len(want) {
		t.Fatalf("expected %d resolutions, got %v", len(want), resolutions)
	}
	for i, r := range want {
		if resolutions[i] != r {
			t.Errorf("resolution %d: expected %v, got %v", i, r, resolutions[i])
		}
	}
}

func TestExtractDeviceNumber(t *testing.T) {
	tests := map[string]int{
		"/dev/video0":  0,
		"/dev/video12": 12,
		"/tmp/x/video3": 3,
		"/dev/null":    0,
	}
	for path, want := range tests {
		if got := extractDeviceNumber(path); got != want {
			t.Errorf("extractDeviceNumber(%q) = %d, want %d", path, got, want)
		}
	}
}

func TestMockDiscovery(t *testing.T) {
	ctx := context.Background()
	discovery := NewMockDiscovery(1, 0)

	devices, err := discovery.ScanDevices(ctx)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(devices))
	}
	if devices[0].Index != 0 || devices[1].Index != 1 {
		t.Errorf("devices not sorted by index: %+v", devices)
	}

	info, err := discovery.Resolve(ctx, 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if info.Path != "/dev/video0" {
		t.Errorf("Expected device /dev/video0, got %s", info.Path)
	}

	if _, err := discovery.Resolve(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for /dev/video2, got %v", err)
	}
}

func TestMockDiscovery_AddRemoveDevice(t *testing.T) {
	ctx := context.Background()
	discovery := NewMockDiscovery()

	discovery.AddDevice(4)
	discovery.AddDevice(4)
	devices, _ := discovery.ScanDevices(ctx)
	if len(devices) != 1 {
		t.Fatalf("Expected 1 device after duplicate add, got %d", len(devices))
	}

	discovery.RemoveDevice(4)
	if _, err := discovery.Resolve(ctx, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected removed device to be unresolvable, got %v", err)
	}
}
