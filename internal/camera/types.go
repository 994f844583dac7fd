package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
)

// State はデバイスハンドルの接続状態を表す
type State string

const (
	StateDisconnected State = "disconnected" // 未接続
	StateConnected    State = "connected"    // 接続済み、キャプチャなし
	StateCapturing    State = "capturing"    // キャプチャ中
)

// ExposureMode は露出制御のモード
type ExposureMode string

const (
	ExposureAuto   ExposureMode = "auto"
	ExposureManual ExposureMode = "manual"
)

// ControlMode はホワイトバランスやフォーカスの自動/手動モード
type ControlMode string

const (
	ModeAuto   ControlMode = "auto"
	ModeManual ControlMode = "manual"
)

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int `json:"width"`  // 幅
	Height int `json:"height"` // 高さ
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Settings はデバイスハンドルの設定を表す
type Settings struct {
	Width  int    `json:"width"`  // 画像幅
	Height int    `json:"height"` // 画像高さ
	FPS    int    `json:"fps"`    // フレームレート
	Format string `json:"format"` // ピクセルフォーマット（MJPG, YUYV）

	ExposureMode ExposureMode `json:"exposureMode"`
	Exposure     int          `json:"exposure"`

	WhiteBalanceMode ControlMode `json:"whiteBalanceMode"`
	WhiteBalanceTemp int         `json:"whiteBalanceTemp"`

	FocusMode     ControlMode `json:"focusMode"`
	FocusPosition int         `json:"focusPosition"`

	Brightness int `json:"brightness"`
	Gain       int `json:"gain"`
}

// Resolution は設定中の解像度を返す
func (s Settings) Resolution() Resolution {
	return Resolution{Width: s.Width, Height: s.Height}
}

// WithResolution は解像度だけを差し替えた設定を返す
func (s Settings) WithResolution(r Resolution) Settings {
	s.Width, s.Height = r.Width, r.Height
	return s
}

// DefaultSettings は接続直後に適用する設定
func DefaultSettings() Settings {
	return Settings{
		Width:            640,
		Height:           480,
		FPS:              30,
		Format:           "MJPG",
		ExposureMode:     ExposureAuto,
		WhiteBalanceMode: ModeAuto,
		WhiteBalanceTemp: 4600,
		FocusMode:        ModeAuto,
		Brightness:       0,
		Gain:             0,
	}
}

// Frame はキャプチャした1フレーム
type Frame struct {
	Data       []byte    // JPEGデータ
	Width      int       // 画像幅
	Height     int       // 画像高さ
	CapturedAt time.Time // キャプチャ時刻
	Seq        uint64    // 接続ごとの通し番号
}

// Decode はJPEGデータを画像にデコードする
func (f Frame) Decode() (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
	}
	return img, nil
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Index       int          `json:"index"`       // デバイス番号
	Path        string       `json:"path"`        // デバイスパス
	Name        string       `json:"name"`        // デバイス名
	Driver      string       `json:"driver"`      // ドライバー名
	Resolutions []Resolution `json:"resolutions"` // サポートされる解像度
	Formats     []string     `json:"formats"`     // サポートされるフォーマット
}

// HandleInfo はデバイスハンドルの読み取り専用スナップショット
type HandleInfo struct {
	Device     DeviceInfo `json:"device"`
	State      State      `json:"state"`
	Settings   Settings   `json:"settings"`
	Generation uint64     `json:"generation"`
}

// Driver は1台のカメラデバイスに対する低レベル操作。
// 実装は同時に1つの呼び出しだけを受ける前提でよい。
type Driver interface {
	// Open はデバイスを開き、初期設定を適用する
	Open(ctx context.Context, initial Settings) (Settings, error)

	// Capture は1フレームを取得する
	Capture(ctx context.Context) (Frame, error)

	// Apply は設定を適用し、デバイスから読み戻した値を返す
	Apply(ctx context.Context, next Settings) (Settings, error)

	// Close はデバイスを閉じる
	Close() error
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]DeviceInfo, error)

	// Resolve はデバイス番号からデバイス情報を取得する
	Resolve(ctx context.Context, index int) (DeviceInfo, error)
}
