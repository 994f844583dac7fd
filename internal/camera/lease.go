package camera

import (
	"time"
)

// LeaseKind はリースの種類
type LeaseKind int

const (
	// Shared はフレーム取得のみ可能なリース。他のSharedと共存できる
	Shared LeaseKind = iota + 1
	// Exclusive は設定変更が可能なリース。他のすべてのリースを排除する
	Exclusive
)

func (k LeaseKind) String() string {
	switch k {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// Lease はデバイスへの期限付きアクセス権
type Lease struct {
	ID        string
	Kind      LeaseKind
	GrantedAt time.Time

	generation uint64
	// 以下は Session.mu で保護される
	released bool
	revoked  bool
}

// Generation はリースが付与された接続の世代を返す
func (l *Lease) Generation() uint64 {
	return l.generation
}

// LeaseObserver はリースの待ち時間と保持数を受け取る
type LeaseObserver interface {
	ObserveLeaseWait(kind, outcome string, wait time.Duration)
	AddLeasesHeld(kind string, delta float64)
}

type nopObserver struct{}

func (nopObserver) ObserveLeaseWait(string, string, time.Duration) {}
func (nopObserver) AddLeasesHeld(string, float64)                  {}

// waiter はリース待ちのキューの要素
type waiter struct {
	kind  LeaseKind
	ready chan *Lease
	lease *Lease // Session.mu で保護される
}

// Stats はリースの保持状況のスナップショット
type Stats struct {
	Shared     int    `json:"shared"`
	Exclusive  bool   `json:"exclusive"`
	Waiting    int    `json:"waiting"`
	Granted    uint64 `json:"granted"`
	Released   uint64 `json:"released"`
	Revoked    uint64 `json:"revoked"`
	Generation uint64 `json:"generation"`
}

// Held は現在保持されているリースの数を返す
func (s Stats) Held() int {
	if s.Exclusive {
		return s.Shared + 1
	}
	return s.Shared
}
