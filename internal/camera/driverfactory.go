package camera

import (
	"fmt"
	"sort"
	"sync"
)

// ドライバー名
const (
	DriverV4L2      = "v4l2"
	DriverSynthetic = "synthetic"
)

// DriverCreator はデバイス情報からドライバーを作成する関数の型
type DriverCreator func(info DeviceInfo) (Driver, error)

// DriverFactory は名前からドライバーを作成するファクトリー
type DriverFactory struct {
	mu       sync.RWMutex
	creators map[string]DriverCreator
}

// NewDriverFactory は標準のドライバーを登録したファクトリーを作成する
func NewDriverFactory() *DriverFactory {
	f := &DriverFactory{creators: make(map[string]DriverCreator)}

	f.Register(DriverV4L2, func(info DeviceInfo) (Driver, error) {
		return NewV4L2Driver(info.Path), nil
	})
	f.Register(DriverSynthetic, func(DeviceInfo) (Driver, error) {
		return NewSyntheticDriver(), nil
	})

	return f
}

// Register はドライバー作成関数を登録する
func (f *DriverFactory) Register(name string, creator DriverCreator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[name] = creator
}

// Creator は名前に対応する作成関数を返す
func (f *DriverFactory) Creator(name string) (DriverCreator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	creator, exists := f.creators[name]
	if !exists {
		return nil, fmt.Errorf("サポートされていないドライバー: %s", name)
	}
	return creator, nil
}

// SupportedDrivers は登録されているドライバー名を返す
func (f *DriverFactory) SupportedDrivers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
