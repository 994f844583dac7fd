package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionConfig はセッションの依存関係と初期値
type SessionConfig struct {
	Discovery Discovery
	Driver    DriverCreator
	Initial   Settings
	// Identity はレポートに記録するカメラ名。空の場合はデバイス名を使う
	Identity string
	Logger   *zap.Logger
	Observer LeaseObserver
}

// Session は1台のカメラへのアクセスをリースで調停する。
// デバイスハンドルを所有し、呼び出し側には値のスナップショットだけを渡す。
type Session struct {
	discovery Discovery
	newDriver DriverCreator
	initial   Settings
	identity  string
	logger    *zap.Logger
	observer  LeaseObserver

	connectMu sync.Mutex // Connect/Disconnect を直列化する

	mu         sync.Mutex
	handle     *deviceHandle
	lastInfo   DeviceInfo
	generation uint64
	lost       chan struct{} // 切断時に閉じられる
	shared     int
	exclusive  *Lease
	held       map[string]*Lease
	queue      []*waiter
	granted    uint64
	released   uint64
	revoked    uint64
}

// NewSession は新しいSessionを作成する
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		discovery: cfg.Discovery,
		newDriver: cfg.Driver,
		initial:   cfg.Initial,
		identity:  cfg.Identity,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		held:      make(map[string]*Lease),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.initial.Width == 0 {
		s.initial = DefaultSettings()
	}
	return s
}

// Connect は指定された番号のデバイスに接続する。
// 同じ番号に接続済みの場合は何もしない。別の番号に接続済みの場合は先に切断する。
func (s *Session) Connect(ctx context.Context, index int) (HandleInfo, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.handle != nil && s.handle.info.Index == index {
		info := s.handle.snapshot()
		s.mu.Unlock()
		return info, nil
	}
	connected := s.handle != nil
	s.mu.Unlock()

	if connected {
		s.logger.Info("別のデバイスに接続するため切断します", zap.Int("index", index))
		s.disconnect()
	}

	info, err := s.discovery.Resolve(ctx, index)
	if err != nil {
		return HandleInfo{}, classify(OpConnect, err)
	}

	driver, err := s.newDriver(info)
	if err != nil {
		return HandleInfo{}, newError(OpConnect, ErrDriver, err)
	}

	applied, err := driver.Open(ctx, s.initial)
	if err != nil {
		_ = driver.Close()
		return HandleInfo{}, classify(OpConnect, err)
	}

	h := newDeviceHandle(info, driver, applied)

	s.mu.Lock()
	s.generation++
	h.generation = s.generation
	s.handle = h
	s.lastInfo = info
	s.lost = make(chan struct{})
	snap := h.snapshot()
	s.mu.Unlock()

	s.logger.Info("カメラに接続しました",
		zap.String("device", info.Path),
		zap.String("name", info.Name),
		zap.Uint64("generation", snap.Generation))

	return snap, nil
}

// Disconnect はすべてのリースを無効にしてデバイスを切断する。
// 待機中の呼び出しは ErrDeviceLost で戻る。
func (s *Session) Disconnect() {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	s.disconnect()
}

func (s *Session) disconnect() {
	s.mu.Lock()
	h := s.revokeLocked()
	s.mu.Unlock()

	if h != nil {
		if err := h.close(); err != nil {
			s.logger.Warn("デバイスのクローズに失敗", zap.Error(err))
		}
		s.logger.Info("カメラを切断しました", zap.String("device", h.info.Path))
	}
}

// lose はドライバーがデバイス消失を報告したときに呼ばれる。
// すでに別の接続に切り替わっている場合は何もしない。
func (s *Session) lose(generation uint64, cause error) {
	s.mu.Lock()
	if s.handle == nil || s.generation != generation {
		s.mu.Unlock()
		return
	}
	h := s.revokeLocked()
	s.mu.Unlock()

	s.logger.Warn("デバイスが切断されました", zap.String("device", h.info.Path), zap.Error(cause))
	_ = h.close()
}

// revokeLocked はハンドルを外し、保持中と待機中のリースをすべて無効にする
func (s *Session) revokeLocked() *deviceHandle {
	h := s.handle
	if h == nil {
		return nil
	}
	s.handle = nil

	for id, l := range s.held {
		l.revoked = true
		s.revoked++
		s.observer.AddLeasesHeld(l.Kind.String(), -1)
		delete(s.held, id)
	}
	s.shared = 0
	s.exclusive = nil
	s.queue = nil
	close(s.lost)
	return h
}

// AcquireLease はリースを取得する。timeout が0以下の場合は ctx だけで打ち切る。
//
// 待機キューは1本のFIFOで、Sharedはキューが空でExclusiveが保持されていない場合だけ即時に付与される。
// キューに入ったExclusiveより後に来たSharedは、そのExclusiveの後に付与される。
func (s *Session) AcquireLease(ctx context.Context, kind LeaseKind, timeout time.Duration) (*Lease, error) {
	if kind != Shared && kind != Exclusive {
		return nil, newError(OpAcquire, ErrWrongLease, fmt.Errorf("不明なリース種別 %d", kind))
	}
	start := time.Now()

	s.mu.Lock()
	if s.handle == nil {
		s.mu.Unlock()
		return nil, newError(OpAcquire, ErrDeviceLost, nil)
	}
	if len(s.queue) == 0 && s.canGrantLocked(kind) {
		l := s.grantLocked(kind)
		s.mu.Unlock()
		s.observer.ObserveLeaseWait(kind.String(), "granted", 0)
		return l, nil
	}

	w := &waiter{kind: kind, ready: make(chan *Lease, 1)}
	s.queue = append(s.queue, w)
	lost := s.lost
	s.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	var cause error
	select {
	case l := <-w.ready:
		s.observer.ObserveLeaseWait(kind.String(), "granted", time.Since(start))
		return l, nil
	case <-lost:
		cause = ErrDeviceLost
	case <-deadline:
		cause = ErrTimeout
	case <-ctx.Done():
		cause = ErrTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			cause = context.Canceled
		}
	}

	s.mu.Lock()
	if l := w.lease; l != nil && !l.revoked {
		// 打ち切りと同時に付与された
		s.mu.Unlock()
		s.observer.ObserveLeaseWait(kind.String(), "granted", time.Since(start))
		return l, nil
	}
	s.removeWaiterLocked(w)
	s.grantWaitersLocked()
	s.mu.Unlock()

	s.observer.ObserveLeaseWait(kind.String(), outcomeLabel(cause), time.Since(start))
	if errors.Is(cause, context.Canceled) {
		return nil, newError(OpAcquire, ErrTimeout, ctx.Err())
	}
	return nil, newError(OpAcquire, cause, nil)
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrDeviceLost):
		return "lost"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "canceled"
	}
}

func (s *Session) canGrantLocked(kind LeaseKind) bool {
	if kind == Exclusive {
		return s.exclusive == nil && s.shared == 0
	}
	return s.exclusive == nil
}

func (s *Session) grantLocked(kind LeaseKind) *Lease {
	l := &Lease{
		ID:         uuid.NewString(),
		Kind:       kind,
		GrantedAt:  time.Now(),
		generation: s.generation,
	}
	if kind == Exclusive {
		s.exclusive = l
	} else {
		s.shared++
	}
	s.held[l.ID] = l
	s.granted++
	s.observer.AddLeasesHeld(kind.String(), 1)
	return l
}

// grantWaitersLocked はキューの先頭から付与できる限り付与する
func (s *Session) grantWaitersLocked() {
	for len(s.queue) > 0 {
		w := s.queue[0]
		if !s.canGrantLocked(w.kind) {
			return
		}
		s.queue = s.queue[1:]
		w.lease = s.grantLocked(w.kind)
		w.ready <- w.lease
	}
}

func (s *Session) removeWaiterLocked(w *waiter) {
	for i, x := range s.queue {
		if x == w {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// Release はリースを返却する。何度呼んでもよい
func (s *Session) Release(l *Lease) {
	if l == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if l.released || l.revoked {
		return
	}
	if _, ok := s.held[l.ID]; !ok {
		return
	}
	l.released = true
	delete(s.held, l.ID)
	if l.Kind == Exclusive {
		s.exclusive = nil
	} else {
		s.shared--
	}
	s.released++
	s.observer.AddLeasesHeld(l.Kind.String(), -1)
	s.grantWaitersLocked()
}

// checkLease はリースが有効ならハンドルを返す
func (s *Session) checkLease(op string, l *Lease) (*deviceHandle, error) {
	if l == nil {
		return nil, newError(op, ErrLeaseExpired, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case l.revoked:
		return nil, newError(op, ErrDeviceLost, nil)
	case l.released:
		return nil, newError(op, ErrLeaseExpired, nil)
	case s.handle == nil || s.generation != l.generation:
		return nil, newError(op, ErrDeviceLost, nil)
	}
	if _, ok := s.held[l.ID]; !ok {
		return nil, newError(op, ErrLeaseExpired, nil)
	}
	return s.handle, nil
}

// CaptureFrame はリースを使って1フレームを取得する
func (s *Session) CaptureFrame(ctx context.Context, l *Lease) (Frame, error) {
	h, err := s.checkLease(OpCapture, l)
	if err != nil {
		return Frame{}, err
	}

	frame, err := h.capture(ctx)
	if err != nil {
		return Frame{}, s.fault(ctx, OpCapture, l, err)
	}
	return frame, nil
}

// Reconfigure はExclusiveリースを使って設定を変更する
func (s *Session) Reconfigure(ctx context.Context, l *Lease, settings Settings) error {
	h, err := s.checkLease(OpReconfigure, l)
	if err != nil {
		return err
	}
	if l.Kind != Exclusive {
		return newError(OpReconfigure, ErrWrongLease, nil)
	}

	if err := h.apply(ctx, settings); err != nil {
		return s.fault(ctx, OpReconfigure, l, err)
	}
	return nil
}

// fault はドライバーのエラーを種別付きのエラーに変換する。デバイス消失なら切断する
func (s *Session) fault(ctx context.Context, op string, l *Lease, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return newError(op, ErrTimeout, err)
	}
	e := classify(op, err)
	if errors.Is(e, ErrDeviceLost) {
		s.lose(l.generation, err)
	}
	return e
}

// Settings は現在の設定のスナップショットを返す
func (s *Session) Settings() Settings {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	if h == nil {
		return s.initial
	}
	return h.currentSettings()
}

// Info はデバイスハンドルのスナップショットを返す
func (s *Session) Info() HandleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return HandleInfo{Device: s.lastInfo, State: StateDisconnected, Settings: s.initial, Generation: s.generation}
	}
	return s.handle.snapshot()
}

// Connected はデバイスに接続中かどうかを返す
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Identity はレポートに記録するカメラ名を返す
func (s *Session) Identity() string {
	if s.identity != "" {
		return s.identity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastInfo.Path == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s (%s)", s.lastInfo.Name, s.lastInfo.Path)
}

// Stats はリースの保持状況を返す
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Shared:     s.shared,
		Exclusive:  s.exclusive != nil,
		Waiting:    len(s.queue),
		Granted:    s.granted,
		Released:   s.released,
		Revoked:    s.revoked,
		Generation: s.generation,
	}
}

// Scope はリースに束縛されたデバイス操作を返す
func (s *Session) Scope(l *Lease) *Scope {
	return &Scope{session: s, lease: l}
}

// Scope はテスト本体に渡すデバイス操作。リース返却後の操作は ErrLeaseExpired になる
type Scope struct {
	session *Session
	lease   *Lease
}

// Capture は1フレームを取得する
func (sc *Scope) Capture(ctx context.Context) (Frame, error) {
	return sc.session.CaptureFrame(ctx, sc.lease)
}

// Reconfigure は設定を変更する
func (sc *Scope) Reconfigure(ctx context.Context, settings Settings) error {
	return sc.session.Reconfigure(ctx, sc.lease, settings)
}

// Settings は現在の設定を返す
func (sc *Scope) Settings() Settings {
	return sc.session.Settings()
}

// Device は接続中のデバイス情報を返す
func (sc *Scope) Device() DeviceInfo {
	return sc.session.Info().Device
}

// Lease は束縛されたリースを返す
func (sc *Scope) Lease() *Lease {
	return sc.lease
}
