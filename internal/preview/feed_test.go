package preview

import (
	"context"
	"sync"
	"testing"
	"time"

	"camprobe/internal/camera"
)

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) PreviewFrame(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func (o *countingObserver) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}

func newSession(t *testing.T) (*camera.Session, *camera.SyntheticDriver) {
	t.Helper()
	driver := camera.NewSyntheticDriver()
	session := camera.NewSession(camera.SessionConfig{
		Discovery: camera.NewMockDiscovery(0),
		Driver:    func(camera.DeviceInfo) (camera.Driver, error) { return driver, nil },
	})
	if _, err := session.Connect(context.Background(), 0); err != nil {
		t.Fatalf("接続に失敗: %v", err)
	}
	return session, driver
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("条件が満たされませんでした")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fastConfig() Config {
	return Config{
		Interval:       5 * time.Millisecond,
		AcquireTimeout: 5 * time.Millisecond,
		CaptureTimeout: time.Second,
	}
}

func TestFeed_PublishesFrames(t *testing.T) {
	session, _ := newSession(t)
	obs := &countingObserver{}
	feed := NewFeed(session, NewBuffer(), fastConfig(), nil, obs)

	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("Start失敗: %v", err)
	}
	waitFor(t, func() bool { return feed.Stats().Shown >= 3 })

	if err := feed.Stop(context.Background()); err != nil {
		t.Fatalf("Stop失敗: %v", err)
	}

	frame, ok := feed.Buffer().Latest()
	if !ok || len(frame.Data) == 0 {
		t.Fatal("最新フレームがありません")
	}
	if feed.Running() {
		t.Error("停止後も動作中になっています")
	}
	if obs.count(OutcomeShown) < 3 {
		t.Errorf("shown = %d", obs.count(OutcomeShown))
	}
	if held := session.Stats().Held(); held != 0 {
		t.Errorf("リースが残っています: %d", held)
	}
}

func TestFeed_SkipsWhileExclusiveHeld(t *testing.T) {
	session, _ := newSession(t)
	feed := NewFeed(session, NewBuffer(), fastConfig(), nil, nil)

	lease, err := session.AcquireLease(context.Background(), camera.Exclusive, time.Second)
	if err != nil {
		t.Fatalf("リース取得に失敗: %v", err)
	}

	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("Start失敗: %v", err)
	}
	defer feed.Stop(context.Background())

	waitFor(t, func() bool { return feed.Stats().Skipped >= 2 })
	if s := feed.Stats(); s.Shown != 0 || s.Errors != 0 {
		t.Errorf("排他中にフレームが取得されました: %+v", s)
	}

	session.Release(lease)
	waitFor(t, func() bool { return feed.Stats().Shown >= 1 })
}

func TestFeed_DoesNotStarveExclusive(t *testing.T) {
	session, _ := newSession(t)
	feed := NewFeed(session, NewBuffer(), Config{Interval: time.Millisecond, AcquireTimeout: time.Millisecond, CaptureTimeout: time.Second}, nil, nil)

	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("Start失敗: %v", err)
	}
	defer feed.Stop(context.Background())

	for i := 0; i < 20; i++ {
		lease, err := session.AcquireLease(context.Background(), camera.Exclusive, time.Second)
		if err != nil {
			t.Fatalf("%d回目: Exclusiveリースを取得できません: %v", i, err)
		}
		session.Release(lease)
	}
}

func TestFeed_DisconnectIsSkipped(t *testing.T) {
	session, driver := newSession(t)
	feed := NewFeed(session, NewBuffer(), fastConfig(), nil, nil)

	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("Start失敗: %v", err)
	}
	defer feed.Stop(context.Background())

	waitFor(t, func() bool { return feed.Stats().Shown >= 1 })
	driver.Unplug()
	waitFor(t, func() bool { return feed.Stats().Skipped >= 3 })

	if s := feed.Stats(); s.Errors != 0 {
		t.Errorf("切断がエラーとして数えられました: %+v", s)
	}
	if session.Connected() {
		t.Error("切断後もセッションが接続中です")
	}
}

func TestFeed_StopsWithContext(t *testing.T) {
	session, _ := newSession(t)
	feed := NewFeed(session, NewBuffer(), fastConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := feed.Start(ctx); err != nil {
		t.Fatalf("Start失敗: %v", err)
	}
	cancel()
	waitFor(t, func() bool { return !feed.Running() })

	// 再開できる
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("再Start失敗: %v", err)
	}
	if err := feed.Stop(context.Background()); err != nil {
		t.Fatalf("Stop失敗: %v", err)
	}
}

func TestBuffer_Subscribe(t *testing.T) {
	b := NewBuffer()
	ch, cancel := b.Subscribe()

	if b.Subscribers() != 1 {
		t.Fatalf("購読者数 = %d", b.Subscribers())
	}

	// 受信されないフレームは最新だけが残る
	b.Publish(camera.Frame{Seq: 1})
	b.Publish(camera.Frame{Seq: 2})
	if f := <-ch; f.Seq != 2 {
		t.Errorf("Seq = %d, want 2", f.Seq)
	}

	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Error("購読解除後もチャネルが開いています")
	}
	if b.Subscribers() != 0 {
		t.Errorf("購読者数 = %d", b.Subscribers())
	}

	b.Publish(camera.Frame{Seq: 3})
	if f, ok := b.Latest(); !ok || f.Seq != 3 {
		t.Errorf("Latest = %+v, %v", f, ok)
	}
}
