package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PowerInfo はバッテリーの状態
type PowerInfo struct {
	Percent int
	Plugged bool
}

// PowerProbe はホストの電源状態を取得する
type PowerProbe func(ctx context.Context) (PowerInfo, error)

// SysfsPower は /sys/class/power_supply からバッテリー情報を読む
func SysfsPower(dir string) PowerProbe {
	return func(context.Context) (PowerInfo, error) {
		batteries, _ := filepath.Glob(filepath.Join(dir, "BAT*"))
		if len(batteries) == 0 {
			return PowerInfo{}, fmt.Errorf("バッテリーが見つかりません: %s", dir)
		}

		raw, err := os.ReadFile(filepath.Join(batteries[0], "capacity"))
		if err != nil {
			return PowerInfo{}, fmt.Errorf("バッテリー残量の読み取りに失敗: %w", err)
		}
		percent, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return PowerInfo{}, fmt.Errorf("バッテリー残量の解析に失敗: %w", err)
		}

		info := PowerInfo{Percent: percent}
		if status, err := os.ReadFile(filepath.Join(batteries[0], "status")); err == nil {
			s := strings.TrimSpace(string(status))
			info.Plugged = s == "Charging" || s == "Full" || s == "Not charging"
		}
		return info, nil
	}
}
