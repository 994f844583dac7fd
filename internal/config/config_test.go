package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"camprobe/internal/camera"
)

// TestConfigLoad はデフォルト設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("ポート番号: got %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}

	// カメラ設定の検証
	if cfg.Camera.Driver != camera.DriverV4L2 {
		t.Errorf("ドライバー: got %s", cfg.Camera.Driver)
	}
	if cfg.Camera.FPS <= 0 || cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		t.Errorf("カメラ設定が不正です: %+v", cfg.Camera)
	}

	if cfg.Suite.GracePeriod != 2*time.Second {
		t.Errorf("猶予時間: got %s", cfg.Suite.GracePeriod)
	}
	if len(cfg.Suite.Tests) != 0 {
		t.Errorf("デフォルトではすべてのテストを実行するはずです: %v", cfg.Suite.Tests)
	}
	if cfg.History.Driver != "memory" {
		t.Errorf("履歴ドライバー: got %s", cfg.History.Driver)
	}
}

// TestConfigLoadFile は設定ファイルからの読み込みをテストする
func TestConfigLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camprobe.yaml")
	content := `
server:
  port: 9090
camera:
  index: 2
  driver: synthetic
  identity: WN-L2307k368 48MP BM
suite:
  tests: [CameraDetection, FrameRateTest]
  timeout: 45s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("ポート番号: got %d, want 9090", cfg.Server.Port)
	}
	if cfg.Camera.Index != 2 || cfg.Camera.Driver != camera.DriverSynthetic {
		t.Errorf("カメラ設定が反映されていません: %+v", cfg.Camera)
	}
	if cfg.Camera.Identity != "WN-L2307k368 48MP BM" {
		t.Errorf("カメラ名: got %q", cfg.Camera.Identity)
	}
	if got := strings.Join(cfg.Suite.Tests, ","); got != "CameraDetection,FrameRateTest" {
		t.Errorf("テスト選択: got %s", got)
	}
	if cfg.Suite.Timeout != 45*time.Second {
		t.Errorf("タイムアウト: got %s", cfg.Suite.Timeout)
	}
	// ファイルにないキーはデフォルト値のまま
	if cfg.Camera.Width != 640 {
		t.Errorf("幅: got %d, want 640", cfg.Camera.Width)
	}
}

func TestConfigLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("存在しない設定ファイルでエラーになりませんでした")
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
func TestEnvironmentVariables(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CAMPROBE_SERVER_HOST", "test.example.com")
	t.Setenv("CAMPROBE_SERVER_PORT", "9999")
	t.Setenv("CAMPROBE_SUITE_TESTS", "PowerTest,FocusTest")
	t.Setenv("CAMPROBE_SUITE_TIMEOUT", "12s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s, want test.example.com", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d, want 9999", cfg.Server.Port)
	}
	if got := strings.Join(cfg.Suite.Tests, ","); got != "PowerTest,FocusTest" {
		t.Errorf("環境変数のテスト選択が反映されていません: got %s", got)
	}
	if cfg.Suite.Timeout != 12*time.Second {
		t.Errorf("環境変数のタイムアウトが反映されていません: got %s", cfg.Suite.Timeout)
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{"正常な設定", func(*Config) {}, false},
		{"無効なポート番号", func(c *Config) { c.Server.Port = 99999 }, true},
		{"負のカメラ番号", func(c *Config) { c.Camera.Index = -1 }, true},
		{"不明なドライバー", func(c *Config) { c.Camera.Driver = "gstreamer" }, true},
		{"解像度なし", func(c *Config) { c.Camera.Width = 0 }, true},
		{"負のタイムアウト", func(c *Config) { c.Suite.Timeout = -time.Second }, true},
		{"猶予時間なし", func(c *Config) { c.Suite.GracePeriod = 0 }, true},
		{"不明なログレベル", func(c *Config) { c.Log.Level = "verbose" }, true},
		{"DSNなしのpostgres", func(c *Config) { c.History.Driver = "postgres" }, true},
		{"DSNありのmysql", func(c *Config) {
			c.History.Driver = "mysql"
			c.History.DSN = "user:pass@tcp(localhost:3306)/camprobe?parseTime=true"
		}, false},
		{"無効な送信先", func(c *Config) { c.Publish.URL = "ftp://example.com" }, true},
		{"プレビュー無効なら間隔は問わない", func(c *Config) {
			c.Preview.Enabled = false
			c.Preview.Interval = 0
		}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

func TestCameraSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Camera.Width = 1920
	cfg.Camera.Height = 1080
	cfg.Camera.FPS = 8

	s := cfg.CameraSettings()
	if s.Resolution() != (camera.Resolution{Width: 1920, Height: 1080}) || s.FPS != 8 {
		t.Errorf("カメラ設定: %+v", s)
	}
	if s.ExposureMode != camera.ExposureAuto {
		t.Errorf("露出モードは自動のはずです: %v", s.ExposureMode)
	}
}

// TestDump は書き出した設定を読み戻せることをテストする
func TestDump(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Suite.Tests = []string{"CameraDetection"}

	var buf bytes.Buffer
	if err := cfg.Dump(&buf); err != nil {
		t.Fatalf("書き出しに失敗: %v", err)
	}
	if !strings.Contains(buf.String(), "grace_period: 2s") {
		t.Errorf("期間が文字列で書き出されていません:\n%s", buf.String())
	}

	path := filepath.Join(t.TempDir(), "dump.yaml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("書き込みに失敗: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("読み戻しに失敗: %v", err)
	}
	if back.Suite.GracePeriod != cfg.Suite.GracePeriod || back.Suite.Tests[0] != "CameraDetection" {
		t.Errorf("読み戻した設定が一致しません: %+v", back.Suite)
	}
}

// chdir は testing.T.Chdir (Go 1.24+) と同等の処理を行う
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("作業ディレクトリの取得に失敗しました: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("ディレクトリの変更に失敗しました: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("作業ディレクトリの復元に失敗しました: %v", err)
		}
	})
}
