package camera

import (
	"errors"
	"fmt"
)

// エラー種別。呼び出し側は errors.Is で判定する
var (
	ErrNotFound     = errors.New("device not found")
	ErrAlreadyInUse = errors.New("device already in use")
	ErrDriver       = errors.New("driver error")
	ErrTimeout      = errors.New("timed out")
	ErrDeviceLost   = errors.New("device disconnected")
	ErrLeaseExpired = errors.New("lease expired")
	ErrUnsupported  = errors.New("unsupported")
	ErrWrongLease   = errors.New("wrong lease kind")
)

// 操作名
const (
	OpConnect     = "connect"
	OpAcquire     = "acquire"
	OpCapture     = "capture"
	OpReconfigure = "reconfigure"
)

// Error はセッション操作の失敗を表す。
// Kind は上記のエラー種別、Err は原因となったドライバーのエラー。
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil || errors.Is(e.Err, e.Kind) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap は Kind と原因の両方を返す
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// classify はドライバーのエラーを種別付きのエラーに変換する。
// ドライバーが種別を返していればそれを使い、それ以外は ErrDriver とする。
func classify(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	for _, kind := range []error{ErrNotFound, ErrAlreadyInUse, ErrDeviceLost, ErrUnsupported, ErrTimeout} {
		if errors.Is(err, kind) {
			return newError(op, kind, err)
		}
	}
	return newError(op, ErrDriver, err)
}
