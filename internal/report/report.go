package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status はテスト結果の状態
type Status string

const (
	StatusPass  Status = "PASS"
	StatusFail  Status = "FAIL"
	StatusSkip  Status = "SKIP"
	StatusError Status = "ERROR"
)

// Valid は既知の状態かどうかを返す
func (s Status) Valid() bool {
	switch s {
	case StatusPass, StatusFail, StatusSkip, StatusError:
		return true
	}
	return false
}

var (
	// ErrSealed は封印済みのレポートへの追加を表す
	ErrSealed = errors.New("report is sealed")
	// ErrNotSealed は未完了のレポートの出力を表す
	ErrNotSealed = errors.New("report is not sealed")
)

// TestResult は1つのテストの結果。作成後は変更しない
type TestResult struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Status     Status    `json:"status"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"durationMs"`
	Details    Details   `json:"details"`
	ImageRef   string    `json:"imageRef,omitempty"`
}

// Summary は状態ごとの件数
type Summary struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// Total は合計件数を返す
func (s Summary) Total() int {
	return s.Passed + s.Failed + s.Skipped + s.Errored
}

// Tally は結果を数える
func Tally(results []TestResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusSkip:
			s.Skipped++
		case StatusError:
			s.Errored++
		}
	}
	return s
}

// SuiteReport は1回の実行の結果。実行終了時に封印される
type SuiteReport struct {
	RunID          string       `json:"runId"`
	RunStartedAt   time.Time    `json:"runStartedAt"`
	RunEndedAt     time.Time    `json:"runEndedAt"`
	Aborted        bool         `json:"aborted"`
	AbortReason    string       `json:"abortReason,omitempty"`
	CameraIdentity string       `json:"cameraIdentity"`
	SelectedIDs    []string     `json:"selectedIds"`
	Results        []TestResult `json:"results"`
	Totals         Summary      `json:"summary"`

	sealed bool
}

// New は空のレポートを作成する
func New(runID, cameraIdentity string, selected []string, startedAt time.Time) *SuiteReport {
	return &SuiteReport{
		RunID:          runID,
		RunStartedAt:   startedAt.UTC(),
		CameraIdentity: cameraIdentity,
		SelectedIDs:    append([]string{}, selected...),
		Results:        []TestResult{},
	}
}

// Append は結果を追加して集計を更新する。
// タイムスタンプは直前の結果より前にならないように揃える。
func (r *SuiteReport) Append(result TestResult) error {
	if r.sealed {
		return ErrSealed
	}
	if !result.Status.Valid() {
		return fmt.Errorf("不明な状態: %q", result.Status)
	}

	result.Timestamp = result.Timestamp.UTC()
	if len(result.Details) == 0 {
		result.Details = nil
	}
	if n := len(r.Results); n > 0 && result.Timestamp.Before(r.Results[n-1].Timestamp) {
		result.Timestamp = r.Results[n-1].Timestamp
	}
	if result.Timestamp.Before(r.RunStartedAt) {
		result.Timestamp = r.RunStartedAt
	}

	r.Results = append(r.Results, result)
	r.Totals = Tally(r.Results)
	return nil
}

// Summary は結果から集計し直した件数を返す
func (r *SuiteReport) Summary() Summary {
	return Tally(r.Results)
}

// Abort は中断を記録する。最初の理由だけを残す
func (r *SuiteReport) Abort(reason string) {
	if r.sealed {
		return
	}
	if !r.Aborted {
		r.Aborted = true
		r.AbortReason = reason
	}
}

// Seal は終了時刻を記録してレポートを読み取り専用にする
func (r *SuiteReport) Seal(endedAt time.Time) {
	if r.sealed {
		return
	}
	endedAt = endedAt.UTC()
	if n := len(r.Results); n > 0 && endedAt.Before(r.Results[n-1].Timestamp) {
		endedAt = r.Results[n-1].Timestamp
	}
	if endedAt.Before(r.RunStartedAt) {
		endedAt = r.RunStartedAt
	}
	r.RunEndedAt = endedAt
	r.Totals = Tally(r.Results)
	r.sealed = true
}

// Sealed は封印済みかどうかを返す
func (r *SuiteReport) Sealed() bool {
	return r.sealed
}

// ExitCode はCLIの終了コードを返す。失敗がなく中断もしていなければ0
func (r *SuiteReport) ExitCode() int {
	if r.Summary().Failed == 0 && !r.Aborted {
		return 0
	}
	return 1
}

// Clone は深いコピーを返す
func (r *SuiteReport) Clone() *SuiteReport {
	c := *r
	c.SelectedIDs = append([]string{}, r.SelectedIDs...)
	c.Results = make([]TestResult, len(r.Results))
	for i, res := range r.Results {
		res.Details = append(Details(nil), res.Details...)
		c.Results[i] = res
	}
	return &c
}

// ToJSON はレポートをJSONにする
func (r *SuiteReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON はJSONからレポートを復元する。復元したレポートは封印済みになる
func FromJSON(data []byte) (*SuiteReport, error) {
	var r SuiteReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("レポートの読み込みに失敗: %w", err)
	}
	if r.Results == nil {
		r.Results = []TestResult{}
	}
	if r.SelectedIDs == nil {
		r.SelectedIDs = []string{}
	}
	for _, res := range r.Results {
		if !res.Status.Valid() {
			return nil, fmt.Errorf("テスト %s の状態が不明: %q", res.ID, res.Status)
		}
	}
	if got := Tally(r.Results); got != r.Totals {
		return nil, fmt.Errorf("集計が結果と一致しません: %+v != %+v", r.Totals, got)
	}
	r.sealed = true
	return &r, nil
}
