package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"camprobe/internal/camera"
	"camprobe/internal/catalog"
	"camprobe/internal/report"
)

// State は実行の状態
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// 結果メッセージ
const (
	MsgTimedOut     = "timed out"
	MsgDisconnected = "device disconnected"
	MsgUnknownTest  = "unknown test"
	MsgCanceled     = "run canceled"
)

// ErrRunInProgress は実行中に Run が呼ばれたことを表す
var ErrRunInProgress = errors.New("run already in progress")

// Session は実行に必要なセッションの操作
type Session interface {
	AcquireLease(ctx context.Context, kind camera.LeaseKind, timeout time.Duration) (*camera.Lease, error)
	Release(l *camera.Lease)
	Scope(l *camera.Lease) *camera.Scope
	Identity() string
}

// Recorder は実行結果のメトリクスを受け取る
type Recorder interface {
	TestFinished(id, status string, d time.Duration)
	RunFinished(state string)
}

type nopRecorder struct{}

func (nopRecorder) TestFinished(string, string, time.Duration) {}
func (nopRecorder) RunFinished(string)                         {}

// Selection は実行するテストの選択
type Selection struct {
	IDs []string
	// Timeout が正の場合、すべてのテストのタイムアウトを置き換える
	Timeout time.Duration
	// Overrides はテストごとのタイムアウト。Timeout より優先される
	Overrides map[string]time.Duration
}

// Config は実行のパラメーター
type Config struct {
	// GracePeriod はタイムアウト後にテスト本体の終了を待つ時間
	GracePeriod time.Duration
	// InterTestDelay はテストの間の待ち時間
	InterTestDelay time.Duration
}

// Snapshot は実行状況のスナップショット
type Snapshot struct {
	State   State               `json:"state"`
	RunID   string              `json:"runId,omitempty"`
	Current string              `json:"current,omitempty"`
	Report  *report.SuiteReport `json:"report,omitempty"`
}

// Orchestrator はテストを順番に実行し、結果をレポートにまとめる
type Orchestrator struct {
	session  Session
	catalog  *catalog.Catalog
	config   Config
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	mu      sync.Mutex
	state   State
	current string
	report  *report.SuiteReport
	last    *report.SuiteReport
	stopCh  chan struct{}
	stopped bool
}

// Option は Orchestrator の任意設定
type Option func(*Orchestrator)

// WithLogger はロガーを設定する
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRecorder はメトリクスの記録先を設定する
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithClock は時刻の取得関数を設定する
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New は新しいOrchestratorを作成する
func New(session Session, cat *catalog.Catalog, config Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		session:  session,
		catalog:  cat,
		config:   config,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.config.GracePeriod <= 0 {
		o.config.GracePeriod = 2 * time.Second
	}
	return o
}

// Catalog はテストカタログを返す
func (o *Orchestrator) Catalog() *catalog.Catalog {
	return o.catalog
}

// Run は選択されたテストを実行して封印済みのレポートを返す。
// デバイスのエラーはすべて結果として記録され、返すエラーは ErrRunInProgress だけ。
func (o *Orchestrator) Run(ctx context.Context, sel Selection) (*report.SuiteReport, error) {
	rep, stopCh, err := o.begin(sel)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, sel, rep, stopCh), nil
}

// Start は実行をバックグラウンドで開始して RunID を返す。
// 終了すると done が封印済みのレポートで呼ばれる。
func (o *Orchestrator) Start(ctx context.Context, sel Selection, done func(*report.SuiteReport)) (string, error) {
	rep, stopCh, err := o.begin(sel)
	if err != nil {
		return "", err
	}
	go func() {
		final := o.run(ctx, sel, rep, stopCh)
		if done != nil {
			done(final)
		}
	}()
	return rep.RunID, nil
}

// begin は実行中の状態に移り、空のレポートを作る
func (o *Orchestrator) begin(sel Selection) (*report.SuiteReport, <-chan struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateRunning {
		return nil, nil, ErrRunInProgress
	}
	rep := report.New(uuid.NewString(), o.session.Identity(), dedupe(sel.IDs), o.now())
	o.state = StateRunning
	o.report = rep
	o.current = ""
	o.stopCh = make(chan struct{})
	o.stopped = false
	return rep, o.stopCh, nil
}

func (o *Orchestrator) run(ctx context.Context, sel Selection, rep *report.SuiteReport, stopCh <-chan struct{}) *report.SuiteReport {
	selected := rep.SelectedIDs
	planned, unknown := o.catalog.Plan(selected)
	o.logger.Info("テスト実行を開始します",
		zap.String("runId", rep.RunID),
		zap.Int("planned", len(planned)),
		zap.Strings("unknown", unknown))

	abortReason := ""
	for i, def := range planned {
		if abortReason == "" && canceled(ctx, stopCh) {
			abortReason = MsgCanceled
		}
		if abortReason != "" {
			o.append(report.TestResult{
				ID:        def.ID,
				Name:      def.Name,
				Status:    report.StatusSkip,
				Message:   "not run: " + abortReason,
				Timestamp: o.now(),
			})
			continue
		}

		o.setCurrent(def.ID)
		res, lost := o.execute(ctx, def, timeoutFor(def, sel))
		o.append(res)
		o.recorder.TestFinished(res.ID, string(res.Status), time.Duration(res.DurationMS)*time.Millisecond)

		if lost {
			abortReason = MsgDisconnected
			continue
		}
		if i < len(planned)-1 && o.config.InterTestDelay > 0 {
			wait(ctx, stopCh, o.config.InterTestDelay)
		}
	}

	for _, id := range unknown {
		o.append(report.TestResult{
			ID:        id,
			Status:    report.StatusError,
			Message:   MsgUnknownTest,
			Timestamp: o.now(),
		})
	}

	// 最後のテストの実行中に止められた場合も中断として記録する
	if abortReason == "" && canceled(ctx, stopCh) {
		abortReason = MsgCanceled
	}

	o.mu.Lock()
	if abortReason != "" {
		rep.Abort(abortReason)
	}
	rep.Seal(o.now())
	o.state = StateCompleted
	if rep.Aborted {
		o.state = StateAborted
	}
	o.current = ""
	o.last = rep
	state := o.state
	o.mu.Unlock()

	o.recorder.RunFinished(string(state))
	summary := rep.Summary()
	o.logger.Info("テスト実行が終了しました",
		zap.String("runId", rep.RunID),
		zap.String("state", string(state)),
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errored", summary.Errored))

	return rep
}

type bodyResult struct {
	out catalog.Outcome
	err error
}

// execute は1つのテストを実行する。lost はデバイスが失われたかどうか
func (o *Orchestrator) execute(ctx context.Context, def catalog.Definition, timeout time.Duration) (res report.TestResult, lost bool) {
	start := o.now()
	res = report.TestResult{ID: def.ID, Name: def.Name}
	finish := func(status report.Status, msg string) {
		res.Status = status
		res.Message = msg
		res.Timestamp = o.now()
		res.DurationMS = res.Timestamp.Sub(start).Milliseconds()
	}

	// 実行中のテストは中断せず、終了かタイムアウトを待つ
	workCtx := context.WithoutCancel(ctx)
	log := o.logger.With(zap.String("test", def.ID))

	lease, err := o.session.AcquireLease(workCtx, def.Lease, timeout)
	if err != nil {
		if errors.Is(err, camera.ErrDeviceLost) {
			finish(report.StatusError, MsgDisconnected)
			return res, true
		}
		log.Warn("リースを取得できませんでした", zap.Error(err))
		finish(report.StatusError, fmt.Sprintf("lease not acquired: %v", err))
		return res, false
	}
	defer o.session.Release(lease)

	bodyCtx, cancel := context.WithTimeout(workCtx, timeout)
	defer cancel()

	done := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- bodyResult{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := def.Body(bodyCtx, o.session.Scope(lease))
		done <- bodyResult{out: out, err: err}
	}()

	var r bodyResult
	select {
	case r = <-done:
	case <-bodyCtx.Done():
		select {
		case r = <-done:
		default:
			grace := time.NewTimer(o.config.GracePeriod)
			select {
			case r = <-done:
				grace.Stop()
			case <-grace.C:
				log.Warn("テスト本体が猶予時間内に終了しませんでした", zap.Duration("grace", o.config.GracePeriod))
				finish(report.StatusFail, MsgTimedOut)
				return res, false
			}
			if r.err == nil || !errors.Is(r.err, camera.ErrDeviceLost) {
				finish(report.StatusFail, MsgTimedOut)
				return res, false
			}
		}
	}

	switch {
	case r.err == nil && r.out.Status.Valid():
		res.Details = r.out.Details
		res.ImageRef = r.out.ImageRef
		finish(r.out.Status, r.out.Message)
		return res, false
	case r.err == nil:
		finish(report.StatusError, fmt.Sprintf("invalid outcome status %q", r.out.Status))
		return res, false
	case errors.Is(r.err, camera.ErrDeviceLost):
		log.Warn("テスト中にデバイスが切断されました", zap.Error(r.err))
		finish(report.StatusError, MsgDisconnected)
		return res, true
	case bodyCtx.Err() != nil && (errors.Is(r.err, camera.ErrTimeout) || errors.Is(r.err, context.DeadlineExceeded)):
		finish(report.StatusFail, MsgTimedOut)
		return res, false
	default:
		log.Warn("テストでエラーが発生しました", zap.Error(r.err))
		finish(report.StatusError, r.err.Error())
		return res, false
	}
}

// Stop は実行中のテストの終了後に残りのテストをスキップさせる
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateRunning || o.stopped {
		return false
	}
	o.stopped = true
	close(o.stopCh)
	return true
}

// Status は実行状況のスナップショットを返す
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{State: o.state, Current: o.current}
	if o.report != nil {
		s.RunID = o.report.RunID
		s.Report = o.report.Clone()
	}
	return s
}

// Last は最後に完了したレポートを返す
func (o *Orchestrator) Last() *report.SuiteReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Orchestrator) append(res report.TestResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.report.Append(res); err != nil {
		o.logger.Error("結果を追加できません", zap.String("test", res.ID), zap.Error(err))
	}
}

func (o *Orchestrator) setCurrent(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = id
}

func timeoutFor(def catalog.Definition, sel Selection) time.Duration {
	if d, ok := sel.Overrides[def.ID]; ok && d > 0 {
		return d
	}
	if sel.Timeout > 0 {
		return sel.Timeout
	}
	return def.Timeout
}

func canceled(ctx context.Context, stopCh <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func wait(ctx context.Context, stopCh <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-t.C:
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
