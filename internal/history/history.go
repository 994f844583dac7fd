package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"camprobe/internal/report"
)

// ErrNotFound は指定した実行が履歴にないことを表す
var ErrNotFound = errors.New("run not found")

// Entry は履歴一覧の1行
type Entry struct {
	RunID          string         `json:"runId"`
	StartedAt      time.Time      `json:"runStartedAt"`
	EndedAt        time.Time      `json:"runEndedAt"`
	CameraIdentity string         `json:"cameraIdentity"`
	Aborted        bool           `json:"aborted"`
	Summary        report.Summary `json:"summary"`
}

// EntryOf はレポートから一覧の行を作る
func EntryOf(r *report.SuiteReport) Entry {
	return Entry{
		RunID:          r.RunID,
		StartedAt:      r.RunStartedAt,
		EndedAt:        r.RunEndedAt,
		CameraIdentity: r.CameraIdentity,
		Aborted:        r.Aborted,
		Summary:        r.Summary(),
	}
}

// Store は封印済みレポートの保存先
type Store interface {
	// Save はレポートを保存する。同じ RunID は上書きする
	Save(ctx context.Context, r *report.SuiteReport) error
	// Get は保存したレポートを返す。なければ ErrNotFound
	Get(ctx context.Context, runID string) (*report.SuiteReport, error)
	// List は新しい順に最大 limit 件を返す
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Open はドライバー名に応じた Store を作成する
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres", "mysql":
		return NewSQLStore(ctx, driver, dsn)
	default:
		return nil, fmt.Errorf("unknown history driver %q", driver)
	}
}

// MemoryStore はプロセス内に履歴を保持する
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*report.SuiteReport
}

// NewMemoryStore は空のMemoryStoreを作成する
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]*report.SuiteReport)}
}

func (s *MemoryStore) Save(_ context.Context, r *report.SuiteReport) error {
	if !r.Sealed() {
		return report.ErrNotSealed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.RunID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (*report.SuiteReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.reports))
	for _, r := range s.reports {
		entries = append(entries, EntryOf(r))
	}
	s.mu.RUnlock()

	sortEntries(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].StartedAt.Equal(entries[j].StartedAt) {
			return entries[i].StartedAt.After(entries[j].StartedAt)
		}
		return entries[i].RunID > entries[j].RunID
	})
}
