// Package catalog 実行可能なテストの定義と本体を提供する
package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"camprobe/internal/camera"
	"camprobe/internal/report"
)

// Device はテスト本体から見えるデバイス操作。リースに束縛されている
type Device interface {
	Capture(ctx context.Context) (camera.Frame, error)
	Reconfigure(ctx context.Context, settings camera.Settings) error
	Settings() camera.Settings
	Device() camera.DeviceInfo
}

// Outcome はテスト本体が返す結果
type Outcome struct {
	Status   report.Status
	Message  string
	Details  report.Details
	ImageRef string
}

// Pass は成功の結果を作る
func Pass(msg string, details report.Details) Outcome {
	return Outcome{Status: report.StatusPass, Message: msg, Details: details}
}

// Fail は失敗の結果を作る
func Fail(msg string, details report.Details) Outcome {
	return Outcome{Status: report.StatusFail, Message: msg, Details: details}
}

// Skip はスキップの結果を作る
func Skip(msg string, details report.Details) Outcome {
	return Outcome{Status: report.StatusSkip, Message: msg, Details: details}
}

// Body はテスト本体。ctx の期限はテストのタイムアウト
type Body func(ctx context.Context, dev Device) (Outcome, error)

// Definition はテストの定義。プロセス開始時に作られ、変更されない
type Definition struct {
	ID          string
	Name        string
	Description string
	Timeout     time.Duration
	Lease       camera.LeaseKind
	Ordinal     int
	Body        Body
}

// Catalog は序数順に並んだテスト定義の集合
type Catalog struct {
	defs []Definition
	byID map[string]int
}

// New は定義からカタログを作成する。IDの重複や本体のない定義はエラーになる
func New(defs ...Definition) (*Catalog, error) {
	sorted := append([]Definition(nil), defs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	c := &Catalog{defs: sorted, byID: make(map[string]int, len(sorted))}
	for i, d := range sorted {
		if d.ID == "" {
			return nil, fmt.Errorf("テストIDが空です")
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("テストID %s が重複しています", d.ID)
		}
		if d.Body == nil {
			return nil, fmt.Errorf("テスト %s に本体がありません", d.ID)
		}
		if d.Timeout <= 0 {
			return nil, fmt.Errorf("テスト %s のタイムアウトが不正です: %s", d.ID, d.Timeout)
		}
		if d.Lease != camera.Shared && d.Lease != camera.Exclusive {
			return nil, fmt.Errorf("テスト %s のリース種別が不正です", d.ID)
		}
		c.byID[d.ID] = i
	}
	return c, nil
}

// Definitions は序数順の定義一覧を返す
func (c *Catalog) Definitions() []Definition {
	return append([]Definition(nil), c.defs...)
}

// IDs は序数順のID一覧を返す
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.defs))
	for i, d := range c.defs {
		ids[i] = d.ID
	}
	return ids
}

// Lookup はIDで定義を探す
func (c *Catalog) Lookup(id string) (Definition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

// Plan は選択されたIDを序数順に並べる。
// カタログにないIDは選択順のまま unknown に入る。重複は1つにまとめる。
func (c *Catalog) Plan(ids []string) (planned []Definition, unknown []string) {
	selected := make(map[string]bool, len(ids))
	seenUnknown := make(map[string]bool)
	for _, id := range ids {
		if _, ok := c.byID[id]; ok {
			selected[id] = true
			continue
		}
		if !seenUnknown[id] {
			seenUnknown[id] = true
			unknown = append(unknown, id)
		}
	}

	for _, d := range c.defs {
		if selected[d.ID] {
			planned = append(planned, d)
		}
	}
	return planned, unknown
}
